package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/auth"
)

// CIWebhookPayload is what a CI system posts once a commit is ready to ship.
type CIWebhookPayload struct {
	SourceRef string            `json:"source_ref"`
	Target    string            `json:"target"`
	Actor     string            `json:"actor,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

type webhookInput struct {
	Timestamp string `header:"X-Shipyard-Ts"`
	Signature string `header:"X-Shipyard-Sig"`
	RawBody   []byte
}

func (h *handler) registerWebhooks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "ci-webhook",
		Method:        http.MethodPost,
		Path:          "/v1/webhooks/ci",
		Summary:       "Start a run from a signed CI notification",
		Description:   "The X-Shipyard-Sig header carries base64url HMAC-SHA256 over ts, method and sha256(body).",
		Tags:          []string{"webhooks"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *webhookInput) (*struct {
		Body StartRunResponse
	}, error) {
		if strings.TrimSpace(h.cfg.WebhookSecret) == "" {
			return nil, newAPIError(http.StatusNotFound, "webhook_disabled", "ci webhook is not configured", nil)
		}
		if err := auth.VerifyTimestamp(input.Timestamp, h.now(), h.cfg.WebhookMaxSkew); err != nil {
			h.rejectWebhook(ctx, err.Error())
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", err.Error(), nil)
		}
		if err := auth.VerifyWebhookSignature(h.cfg.WebhookSecret, input.Timestamp, http.MethodPost, input.RawBody, input.Signature); err != nil {
			h.rejectWebhook(ctx, err.Error())
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", err.Error(), nil)
		}

		var payload CIWebhookPayload
		if err := json.Unmarshal(input.RawBody, &payload); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid webhook payload: "+err.Error(), nil)
		}
		actor := strings.TrimSpace(payload.Actor)
		if actor == "" {
			actor = "ci"
		}
		trigger := domain.Trigger{
			SourceRef: strings.TrimSpace(payload.SourceRef),
			Target:    strings.TrimSpace(payload.Target),
			Kind:      domain.TriggerKindWebhook,
			Actor:     actor,
			Params:    payload.Params,
		}
		ctx = auth.ContextWithIdentity(ctx, auth.Identity{Subject: actor, Source: "webhook"})
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
}

func (h *handler) rejectWebhook(ctx context.Context, reason string) {
	h.logger.Warn("ci webhook rejected", "reason", reason)
	h.audit(ctx, "webhook.rejected", "webhook", "ci", map[string]any{"reason": reason})
}
