package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
	"github.com/animus-labs/shipyard-go/internal/orchestrator"
	"github.com/animus-labs/shipyard-go/internal/platform/auth"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeService struct {
	mu       sync.Mutex
	triggers []domain.Trigger
	runs     map[string]domain.Run
	startErr error
}

func (f *fakeService) Start(ctx context.Context, trigger domain.Trigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if trigger.SourceRef == "" {
		return "", orchestrator.ErrInvalidTrigger
	}
	f.triggers = append(f.triggers, trigger)
	return "run-" + strconv.Itoa(len(f.triggers)), nil
}

func (f *fakeService) Status(ctx context.Context, runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeService) List(ctx context.Context, filter ledger.ListFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Run
	for _, run := range f.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeService) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return domain.Run{}, domain.ErrRunFinished
	}
	at := fixedNow
	run.CancelRequestedAt = &at
	f.runs[runID] = run
	return run, nil
}

func (f *fakeService) Locks(ctx context.Context) ([]ledger.Lock, error) {
	return []ledger.Lock{{TargetKey: "prod/apps/web", RunID: "r1", AcquiredAt: fixedNow}}, nil
}

type staticAuth struct {
	identity auth.Identity
}

func (a staticAuth) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	if r.Header.Get("Authorization") == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return a.identity, nil
}

func sampleRun() domain.Run {
	started := fixedNow.Add(time.Second)
	return domain.Run{
		ID:           "r1",
		Trigger:      domain.Trigger{SourceRef: "git:main@abc123", Target: "web", Kind: domain.TriggerKindAPI, Actor: "alice"},
		Target:       domain.Target{Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web"},
		Status:       domain.RunStatusFailed,
		CurrentStage: domain.StageDeploy,
		Failure:      &domain.Failure{Stage: domain.StageDeploy, Kind: domain.ErrorKindPermanent, Message: "manifest rejected"},
		CreatedAt:    fixedNow,
		StartedAt:    &started,
		Attempts: []domain.StageAttempt{
			{Stage: domain.StagePublish, Attempt: 1, Status: domain.AttemptStatusSucceeded, Artifact: &domain.ArtifactRef{Digest: "sha256:abc123", Location: "registry.local/web", SourceRef: "git:main@abc123"}},
			{Stage: domain.StageDeploy, Attempt: 1, Status: domain.AttemptStatusFailed, ErrorKind: domain.ErrorKindPermanent, ErrorMessage: "manifest rejected"},
		},
	}
}

type testEnv struct {
	srv    *httptest.Server
	svc    *fakeService
	ledger *ledger.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	svc := &fakeService{runs: map[string]domain.Run{"r1": sampleRun()}}
	store := ledger.NewMemoryStore()
	cfg := Config{
		Service:       svc,
		Ledger:        store,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		WebhookSecret: "whsec",
		now:           func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: svc, ledger: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		if raw, err = json.Marshal(b); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

func TestStartRunAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	res, data := env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{SourceRef: "git:main@abc123", Target: "web", Params: map[string]string{"tag": "v1"}}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d body=%s, want 202", res.StatusCode, data)
	}
	out := decode[StartRunResponse](t, data)
	if out.RunID != "run-1" || out.Status != "pending" {
		t.Fatalf("response=%+v", out)
	}
	got := env.svc.triggers[0]
	if got.Kind != domain.TriggerKindAPI || got.Params["tag"] != "v1" || got.Actor != "anonymous" {
		t.Fatalf("trigger=%+v", got)
	}
	events := env.ledger.AuditEvents()
	if len(events) != 1 || events[0].Action != "run.start" || events[0].ResourceID != "run-1" {
		t.Fatalf("audit=%+v", events)
	}
}

func TestStartRunConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.startErr = &domain.ConflictError{TargetKey: "prod/apps/web", HolderRunID: "r1"}
	res, data := env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{SourceRef: "git:x", Target: "web"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d, want 409", res.StatusCode)
	}
	body := decode[map[string]any](t, data)
	if body["code"] != "target_locked" {
		t.Fatalf("body=%v", body)
	}
	details, _ := body["details"].(map[string]any)
	if details["holder_run_id"] != "r1" {
		t.Fatalf("details=%v", details)
	}
}

func TestStartRunErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	res, data := env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{Target: "web"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s, want 400", res.StatusCode, data)
	}
	env.svc.startErr = domain.ErrTargetNotFound
	res, data = env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{SourceRef: "git:x", Target: "nope"}, nil)
	if res.StatusCode != http.StatusNotFound || decode[map[string]any](t, data)["code"] != "target_not_found" {
		t.Fatalf("status=%d body=%s, want 404 target_not_found", res.StatusCode, data)
	}
	env.svc.startErr = errors.New("ledger exploded")
	res, data = env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{SourceRef: "git:x", Target: "web"}, nil)
	if res.StatusCode != http.StatusInternalServerError || bytes.Contains(data, []byte("exploded")) {
		t.Fatalf("status=%d body=%s, want opaque 500", res.StatusCode, data)
	}
}

func TestGetRunShowsFailureAndAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	res, data := env.do(t, http.MethodGet, "/v1/runs/r1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", res.StatusCode, data)
	}
	run := decode[RunResponse](t, data)
	if run.Failure == nil || run.Failure.Stage != "deploy" || run.Failure.Kind != "permanent" {
		t.Fatalf("failure=%+v", run.Failure)
	}
	if len(run.Attempts) != 2 || run.Attempts[0].Artifact == nil || run.Attempts[0].Artifact.Digest != "sha256:abc123" {
		t.Fatalf("attempts=%+v", run.Attempts)
	}

	res, _ = env.do(t, http.MethodGet, "/v1/runs/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status=%d, want 404", res.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	res, data := env.do(t, http.MethodGet, "/v1/runs?status=failed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", res.StatusCode, data)
	}
	if out := decode[RunListResponse](t, data); len(out.Runs) != 1 || out.Runs[0].ID != "r1" {
		t.Fatalf("runs=%+v", out.Runs)
	}
	res, _ = env.do(t, http.MethodGet, "/v1/runs?status=bogus", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status=%d, want 400", res.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, nil)
	run := sampleRun()
	run.ID, run.Status, run.Failure = "r2", domain.RunStatusRunning, nil
	env.svc.runs["r2"] = run

	res, data := env.do(t, http.MethodPost, "/v1/runs/r2/cancel", nil, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d body=%s, want 202", res.StatusCode, data)
	}
	if out := decode[RunResponse](t, data); out.CancelRequestedAt == nil {
		t.Fatalf("cancel_requested_at missing")
	}
	res, data = env.do(t, http.MethodPost, "/v1/runs/r1/cancel", nil, nil)
	if res.StatusCode != http.StatusConflict || decode[map[string]any](t, data)["code"] != "run_finished" {
		t.Fatalf("status=%d body=%s, want 409 run_finished", res.StatusCode, data)
	}
}

func TestLocks(t *testing.T) {
	env := newTestEnv(t, nil)
	res, data := env.do(t, http.MethodGet, "/v1/admin/locks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if out := decode[LockListResponse](t, data); len(out.Locks) != 1 || out.Locks[0].RunID != "r1" {
		t.Fatalf("locks=%+v", out.Locks)
	}
}

func TestHealthReadyAndOpenAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/healthz", "/readyz", "/openapi.json"} {
		res, data := env.do(t, http.MethodGet, path, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, res.StatusCode, data)
		}
	}
	_, data := env.do(t, http.MethodGet, "/openapi.json", nil, nil)
	if !bytes.Contains(data, []byte("/v1/runs/{id}/cancel")) {
		t.Fatalf("openapi document missing cancel route")
	}
}

func signed(t *testing.T, secret string, ts time.Time, body []byte) map[string]string {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := auth.SignWebhook(secret, stamp, http.MethodPost, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]string{auth.HeaderWebhookTimestamp: stamp, auth.HeaderWebhookSignature: sig}
}

func TestCIWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	body := []byte(`{"source_ref":"git:main@abc123","target":"web","actor":"ci-bot"}`)

	res, data := env.do(t, http.MethodPost, "/v1/webhooks/ci", body, signed(t, "whsec", fixedNow, body))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d body=%s, want 202", res.StatusCode, data)
	}
	got := env.svc.triggers[0]
	if got.Kind != domain.TriggerKindWebhook || got.Actor != "ci-bot" || got.SourceRef != "git:main@abc123" {
		t.Fatalf("trigger=%+v", got)
	}

	res, _ = env.do(t, http.MethodPost, "/v1/webhooks/ci", body, signed(t, "wrong", fixedNow, body))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status=%d, want 401", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodPost, "/v1/webhooks/ci", body, signed(t, "whsec", fixedNow.Add(-time.Hour), body))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale timestamp status=%d, want 401", res.StatusCode)
	}
	rejected := 0
	for _, ev := range env.ledger.AuditEvents() {
		if ev.Action == "webhook.rejected" {
			rejected++
		}
	}
	if rejected != 2 || len(env.svc.triggers) != 1 {
		t.Fatalf("rejected=%d triggers=%d, want 2 and 1", rejected, len(env.svc.triggers))
	}
}

func TestCIWebhookDisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WebhookSecret = "" })
	body := []byte(`{"source_ref":"git:x","target":"web"}`)
	res, _ := env.do(t, http.MethodPost, "/v1/webhooks/ci", body, signed(t, "whsec", fixedNow, body))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", res.StatusCode)
	}
}

func TestAuthRoles(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Authenticator = staticAuth{identity: auth.Identity{Subject: "bob", Roles: []string{auth.RoleViewer}}}
	})
	bearer := map[string]string{"Authorization": "Bearer t"}

	res, _ := env.do(t, http.MethodGet, "/v1/runs/r1", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d, want 401", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodGet, "/v1/runs/r1", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer read status=%d, want 200", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{SourceRef: "git:x", Target: "web"}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer start status=%d, want 403", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodGet, "/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d, want 200 without auth", res.StatusCode)
	}
	denies := 0
	for _, ev := range env.ledger.AuditEvents() {
		if ev.Action == "auth.unauthorized" || ev.Action == "auth.forbidden" {
			denies++
		}
	}
	if denies != 2 {
		t.Fatalf("audited denies=%d, want 2", denies)
	}
}

func TestStartRunRecordsAuthenticatedActor(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Authenticator = staticAuth{identity: auth.Identity{Subject: "carol", Roles: []string{auth.RoleEditor}}}
	})
	res, data := env.do(t, http.MethodPost, "/v1/runs", StartRunRequest{SourceRef: "git:x", Target: "web"}, map[string]string{"Authorization": "Bearer t"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", res.StatusCode, data)
	}
	if env.svc.triggers[0].Actor != "carol" {
		t.Fatalf("actor=%q, want carol", env.svc.triggers[0].Actor)
	}
}
