package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
	"github.com/animus-labs/shipyard-go/internal/platform/auth"
)

type runPath struct {
	ID string `path:"id"`
}

type runOutput struct {
	Body RunResponse
}

func (h *handler) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/v1/runs",
		Summary:       "Start a pipeline run",
		Tags:          []string{"runs"},
		DefaultStatus: http.StatusAccepted,
		Security:      []map[string][]string{{"bearerAuth": {}}},
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest
	}) (*struct {
		Body StartRunResponse
	}, error) {
		trigger := domain.Trigger{
			SourceRef: strings.TrimSpace(input.Body.SourceRef),
			Target:    strings.TrimSpace(input.Body.Target),
			Kind:      domain.TriggerKindAPI,
			Actor:     auth.ActorFromContext(ctx, "anonymous"),
			Params:    input.Body.Params,
		}
		runID, err := h.svc.Start(ctx, trigger)
		if err != nil {
			return nil, h.handleError(err)
		}
		h.audit(ctx, "run.start", "run", runID, map[string]any{
			"target":     trigger.Target,
			"source_ref": trigger.SourceRef,
			"trigger":    trigger.Kind,
		})
		return &struct {
			Body StartRunResponse
		}{Body: StartRunResponse{RunID: runID, Status: string(domain.RunStatusPending), Target: trigger.Target}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/v1/runs",
		Summary:     "List runs, newest first",
		Tags:        []string{"runs"},
		Security:    []map[string][]string{{"bearerAuth": {}}},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Target string `query:"target" doc:"Target name or lock key"`
		Status string `query:"status" doc:"pending, running, succeeded, failed or aborted"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body RunListResponse
	}, error) {
		filter := ledger.ListFilter{Target: input.Target, Limit: input.Limit}
		if s := strings.TrimSpace(input.Status); s != "" {
			filter.Status = domain.NormalizeRunStatus(s)
			if filter.Status == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status "+s, nil)
			}
		}
		runs, err := h.svc.List(ctx, filter)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := RunListResponse{Runs: make([]RunResponse, 0, len(runs))}
		for _, run := range runs {
			out.Runs = append(out.Runs, runResponse(run))
		}
		return &struct {
			Body RunListResponse
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/v1/runs/{id}",
		Summary:     "Run status with stage attempts",
		Tags:        []string{"runs"},
		Security:    []map[string][]string{{"bearerAuth": {}}},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := h.svc.Status(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &runOutput{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-run",
		Method:        http.MethodPost,
		Path:          "/v1/runs/{id}/cancel",
		Summary:       "Request cancellation at the next stage boundary",
		Tags:          []string{"runs"},
		DefaultStatus: http.StatusAccepted,
		Security:      []map[string][]string{{"bearerAuth": {}}},
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*runOutput, error) {
		run, err := h.svc.Cancel(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		h.audit(ctx, "run.cancel", "run", run.ID, map[string]any{"target": run.Target.Key()})
		return &runOutput{Body: runResponse(run)}, nil
	})
}

func (h *handler) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/v1/admin/locks",
		Summary:     "Held target locks",
		Tags:        []string{"admin"},
		Security:    []map[string][]string{{"bearerAuth": {}}},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LockListResponse
	}, error) {
		locks, err := h.svc.Locks(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		out := LockListResponse{Locks: make([]LockResponse, 0, len(locks))}
		for _, l := range locks {
			out.Locks = append(out.Locks, lockResponse(l))
		}
		return &struct {
			Body LockListResponse
		}{Body: out}, nil
	})
}
