// Package api exposes the orchestrator over HTTP: runs, cancellation, target
// locks and the signed CI webhook. Operations are registered with huma on a
// chi router, which also serves the OpenAPI document at /openapi.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
	"github.com/animus-labs/shipyard-go/internal/orchestrator"
	"github.com/animus-labs/shipyard-go/internal/platform/auditlog"
	"github.com/animus-labs/shipyard-go/internal/platform/auth"
	"github.com/animus-labs/shipyard-go/internal/platform/httpserver"
)

const serviceName = "shipyard"

// Service is the part of the orchestrator the API drives.
type Service interface {
	Start(ctx context.Context, trigger domain.Trigger) (string, error)
	Status(ctx context.Context, runID string) (domain.Run, error)
	List(ctx context.Context, filter ledger.ListFilter) ([]domain.Run, error)
	Cancel(ctx context.Context, runID string) (domain.Run, error)
	Locks(ctx context.Context) ([]ledger.Lock, error)
}

type Config struct {
	Service Service
	// Ledger receives audit events and backs the readiness check.
	Ledger ledger.Ledger
	Logger *slog.Logger
	// Authenticator guards every route except health, readiness, the
	// OpenAPI document and the webhook. Nil disables authentication.
	Authenticator  auth.Authenticator
	WebhookSecret  string
	WebhookMaxSkew time.Duration
	Readiness      []httpserver.ReadinessCheck

	now func() time.Time
}

type handler struct {
	svc    Service
	ledger ledger.Ledger
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// apiError is the error envelope returned by every operation.
type apiError struct {
	status  int
	Code    string         `json:"code" example:"target_locked"`
	Message string         `json:"message" example:"target prod/apps/web is locked by run 7f3c"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Code: code, Message: message, Details: details}
}

// New returns the HTTP handler. The caller wraps it with httpserver.Wrap for
// request ids, logging and panic recovery.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("service is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	now := cfg.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	h := &handler{svc: cfg.Service, ledger: cfg.Ledger, logger: cfg.Logger, cfg: cfg, now: now}

	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.Authenticator != nil {
		mw := auth.Middleware{
			Logger:        cfg.Logger,
			Authenticator: cfg.Authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				return cfg.Ledger.RecordAudit(ctx, auditlog.FromAuthDeny(serviceName, event))
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/openapi", "/v1/webhooks/"},
		}
		router.Use(mw.Wrap)
	}

	checks := append([]httpserver.ReadinessCheck{{
		Name:    "ledger",
		Timeout: 2 * time.Second,
		Check:   cfg.Ledger.Ping,
	}}, cfg.Readiness...)
	router.Get("/healthz", httpserver.Healthz(serviceName))
	router.Get("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))

	hcfg := huma.DefaultConfig("Shipyard API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	if hcfg.Components.SecuritySchemes == nil {
		hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	hcfg.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	api := humachi.New(router, hcfg)

	h.registerRuns(api)
	h.registerAdmin(api)
	h.registerWebhooks(api)

	return router, nil
}

func (h *handler) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "target_locked", err.Error(), map[string]any{
			"target":        conflict.TargetKey,
			"holder_run_id": conflict.HolderRunID,
		})
	}
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTrigger):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrTargetNotFound):
		return newAPIError(http.StatusNotFound, "target_not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, ledger.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrRunFinished):
		return newAPIError(http.StatusConflict, "run_finished", err.Error(), nil)
	}
	h.logger.Error("api request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// audit records an operator-visible event. Failures are logged, never
// returned: the action already happened.
func (h *handler) audit(ctx context.Context, action, resourceType, resourceID string, payload any) {
	requestID, _ := httpserver.RequestIDFromContext(ctx)
	event := auditlog.Event{
		OccurredAt:   h.now(),
		Actor:        auth.ActorFromContext(ctx, "anonymous"),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    requestID,
		Payload:      payload,
	}
	if err := h.ledger.RecordAudit(ctx, event); err != nil {
		h.logger.Warn("audit write failed", "action", action, "resource_id", resourceID, "error", err)
	}
}
