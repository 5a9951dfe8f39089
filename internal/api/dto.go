package api

import (
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
)

type StartRunRequest struct {
	SourceRef string            `json:"source_ref" example:"git:main@4f2a9c1"`
	Target    string            `json:"target" example:"web"`
	Params    map[string]string `json:"params,omitempty"`
}

type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Target string `json:"target"`
}

type TargetResponse struct {
	Name      string `json:"name"`
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace"`
	Workload  string `json:"workload"`
	Container string `json:"container,omitempty"`
}

type FailureResponse struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ArtifactResponse struct {
	Digest    string `json:"digest"`
	Tag       string `json:"tag,omitempty"`
	Location  string `json:"location,omitempty"`
	SourceRef string `json:"source_ref"`
}

type AttemptResponse struct {
	Stage        string            `json:"stage"`
	Attempt      int               `json:"attempt"`
	Status       string            `json:"status"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Artifact     *ArtifactResponse `json:"artifact,omitempty"`
	RecordedAt   time.Time         `json:"recorded_at"`
}

type RunResponse struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Target            TargetResponse    `json:"target"`
	SourceRef         string            `json:"source_ref"`
	TriggerKind       string            `json:"trigger_kind,omitempty"`
	Actor             string            `json:"actor,omitempty"`
	Params            map[string]string `json:"params,omitempty"`
	CurrentStage      string            `json:"current_stage,omitempty"`
	Failure           *FailureResponse  `json:"failure,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	CancelRequestedAt *time.Time        `json:"cancel_requested_at,omitempty"`
	Attempts          []AttemptResponse `json:"attempts,omitempty"`
}

type RunListResponse struct {
	Runs []RunResponse `json:"runs"`
}

type LockResponse struct {
	TargetKey  string    `json:"target_key"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type LockListResponse struct {
	Locks []LockResponse `json:"locks"`
}

func runResponse(run domain.Run) RunResponse {
	out := RunResponse{
		ID:     run.ID,
		Status: string(run.Status),
		Target: TargetResponse{
			Name:      run.Target.Name,
			Cluster:   run.Target.Cluster,
			Namespace: run.Target.Namespace,
			Workload:  run.Target.Workload,
			Container: run.Target.Container,
		},
		SourceRef:         run.Trigger.SourceRef,
		TriggerKind:       string(run.Trigger.Kind),
		Actor:             run.Trigger.Actor,
		Params:            run.Trigger.Params,
		CurrentStage:      string(run.CurrentStage),
		CreatedAt:         run.CreatedAt,
		StartedAt:         run.StartedAt,
		EndedAt:           run.EndedAt,
		CancelRequestedAt: run.CancelRequestedAt,
	}
	if f := run.Failure; f != nil {
		out.Failure = &FailureResponse{Stage: string(f.Stage), Kind: string(f.Kind), Message: f.Message}
	}
	for _, a := range run.Attempts {
		item := AttemptResponse{
			Stage:        string(a.Stage),
			Attempt:      a.Attempt,
			Status:       string(a.Status),
			ErrorKind:    string(a.ErrorKind),
			ErrorMessage: a.ErrorMessage,
			RecordedAt:   a.RecordedAt,
		}
		if ref := a.Artifact; ref != nil {
			item.Artifact = &ArtifactResponse{Digest: ref.Digest, Tag: ref.Tag, Location: ref.Location, SourceRef: ref.SourceRef}
		}
		out.Attempts = append(out.Attempts, item)
	}
	return out
}

func lockResponse(l ledger.Lock) LockResponse {
	return LockResponse{TargetKey: l.TargetKey, RunID: l.RunID, AcquiredAt: l.AcquiredAt}
}
