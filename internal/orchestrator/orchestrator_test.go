package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
	"github.com/animus-labs/shipyard-go/internal/verify"
)

const testDigest = "sha256:abc123"

type stageLog struct {
	mu     sync.Mutex
	stages []domain.Stage
}

func (l *stageLog) add(s domain.Stage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, s)
}

func (l *stageLog) list() []domain.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Stage(nil), l.stages...)
}

func (l *stageLog) count(s domain.Stage) int {
	n := 0
	for _, got := range l.list() {
		if got == s {
			n++
		}
	}
	return n
}

type fakeBuilder struct {
	log *stageLog
	fn  func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error)
}

func (f *fakeBuilder) Build(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
	f.log.add(domain.StageBuild)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return domain.ArtifactRef{Digest: testDigest, Tag: "v1", SourceRef: req.SourceRef}, nil
}

type fakeTester struct {
	log *stageLog
	fn  func(ctx context.Context, req domain.StageRequest) error
}

func (f *fakeTester) Test(ctx context.Context, req domain.StageRequest) error {
	f.log.add(domain.StageTest)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return nil
}

type fakePublisher struct {
	log *stageLog
	fn  func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error)
}

func (f *fakePublisher) Publish(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
	f.log.add(domain.StagePublish)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return domain.ArtifactRef{Digest: req.Artifact.Digest, Tag: "v1", Location: "registry.local/app", SourceRef: req.SourceRef}, nil
}

type fakeDeployer struct {
	log *stageLog
	fn  func(ctx context.Context, req domain.StageRequest) (domain.Acceptance, error)
}

func (f *fakeDeployer) Deploy(ctx context.Context, req domain.StageRequest) (domain.Acceptance, error) {
	f.log.add(domain.StageDeploy)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return domain.Acceptance{Revision: 2}, nil
}

type fakeVerifier struct {
	log *stageLog
	fn  func(ctx context.Context, ref domain.ArtifactRef) (domain.TelemetryCheckpoint, error)
}

func (f *fakeVerifier) Verify(ctx context.Context, target domain.Target, ref domain.ArtifactRef, deadline time.Time) (domain.TelemetryCheckpoint, error) {
	f.log.add(domain.StageVerify)
	if f.fn != nil {
		return f.fn(ctx, ref)
	}
	return domain.TelemetryCheckpoint{Digest: ref.Digest, Samples: 4, ObservedAt: time.Now().UTC()}, nil
}

type staticTargets map[string]domain.Target

func (s staticTargets) Target(name string) (domain.Target, error) {
	t, ok := s[name]
	if !ok {
		return domain.Target{}, domain.ErrTargetNotFound
	}
	return t, nil
}

type harness struct {
	ledger    ledger.Ledger
	log       *stageLog
	builder   *fakeBuilder
	tester    *fakeTester
	publisher *fakePublisher
	deployer  *fakeDeployer
	verifier  *fakeVerifier
	policy    Policy

	// verify replaces the fake verifier when set.
	verify Verifier
}

func newHarness() *harness {
	log := &stageLog{}
	return &harness{
		ledger:    ledger.NewMemoryStore(),
		log:       log,
		builder:   &fakeBuilder{log: log},
		tester:    &fakeTester{log: log},
		publisher: &fakePublisher{log: log},
		deployer:  &fakeDeployer{log: log},
		verifier:  &fakeVerifier{log: log},
		policy: Policy{
			MaxAttempts:        3,
			Backoff:            Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
			StageTimeout:       5 * time.Second,
			RunTimeout:         10 * time.Second,
			VerifyReadyTimeout: time.Second,
		},
	}
}

func (h *harness) start(t *testing.T) *Orchestrator {
	t.Helper()
	var verifier Verifier = h.verifier
	if h.verify != nil {
		verifier = h.verify
	}
	o, err := New(Options{
		Ledger: h.ledger,
		Targets: staticTargets{
			"web": {Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web", Container: "app"},
			"api": {Name: "api", Cluster: "prod", Namespace: "apps", Workload: "api", Container: "app"},
		},
		Adapters: Adapters{
			Builder:   h.builder,
			Tester:    h.tester,
			Publisher: h.publisher,
			Deployer:  h.deployer,
			Verifier:  verifier,
		},
		Policy: h.policy,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func wait(t *testing.T, o *Orchestrator, runID string) domain.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := o.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("wait %s: %v", runID, err)
	}
	return run
}

func trigger(target string) domain.Trigger {
	return domain.Trigger{SourceRef: "git:main@abc123", Target: target, Actor: "alice"}
}

func attemptsFor(run domain.Run, stage domain.Stage) []domain.StageAttempt {
	var out []domain.StageAttempt
	for _, a := range run.Attempts {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

func TestRunSucceedsThroughAllStages(t *testing.T) {
	h := newHarness()
	o := h.start(t)

	id, err := o.Start(context.Background(), trigger("web"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, o, id)
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s failure=%+v, want succeeded", run.Status, run.Failure)
	}
	got := h.log.list()
	if fmt.Sprint(got) != fmt.Sprint(domain.Stages) {
		t.Fatalf("stages=%v, want %v", got, domain.Stages)
	}
	for _, a := range run.Attempts {
		if a.Status != domain.AttemptStatusSucceeded || a.Attempt != 1 {
			t.Fatalf("attempt %+v, want single succeeded attempt", a)
		}
	}
	cp, err := h.ledger.GetCheckpoint(context.Background(), "prod/apps/web", testDigest)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.RunID != id {
		t.Fatalf("checkpoint run=%s, want %s", cp.RunID, id)
	}
	art, err := h.ledger.GetArtifact(context.Background(), testDigest)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if art.SourceRef != "git:main@abc123" {
		t.Fatalf("artifact source=%s", art.SourceRef)
	}
	locks, _ := o.Locks(context.Background())
	if len(locks) != 0 {
		t.Fatalf("locks=%v, want released", locks)
	}
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	h.builder.fn = func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
		<-release
		return domain.ArtifactRef{Digest: testDigest, SourceRef: req.SourceRef}, nil
	}
	o := h.start(t)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ids       []string
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := o.Start(context.Background(), trigger("web"))
			mu.Lock()
			defer mu.Unlock()
			var conflict *domain.ConflictError
			switch {
			case err == nil:
				ids = append(ids, id)
			case errors.As(err, &conflict):
				conflicts++
			default:
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(ids) != 1 || conflicts != n-1 {
		t.Fatalf("winners=%d conflicts=%d, want 1 and %d", len(ids), conflicts, n-1)
	}

	// A different target is not blocked.
	other, err := o.Start(context.Background(), trigger("api"))
	if err != nil {
		t.Fatalf("start other target: %v", err)
	}
	close(release)
	if run := wait(t, o, ids[0]); run.Status != domain.RunStatusSucceeded {
		t.Fatalf("winner status=%s", run.Status)
	}
	if run := wait(t, o, other); run.Status != domain.RunStatusSucceeded {
		t.Fatalf("other status=%s", run.Status)
	}

	runs, err := o.List(context.Background(), ledger.ListFilter{Target: "web"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs for web=%d, want 1", len(runs))
	}

	// The target is free again once the winner finishes.
	again, err := o.Start(context.Background(), trigger("web"))
	if err != nil {
		t.Fatalf("start after finish: %v", err)
	}
	wait(t, o, again)
}

func TestStartRejectsInvalidTriggerAndUnknownTarget(t *testing.T) {
	o := newHarness().start(t)
	if _, err := o.Start(context.Background(), domain.Trigger{Target: "web"}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("err=%v, want ErrInvalidTrigger", err)
	}
	if _, err := o.Start(context.Background(), trigger("nope")); !errors.Is(err, domain.ErrTargetNotFound) {
		t.Fatalf("err=%v, want ErrTargetNotFound", err)
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	h := newHarness()
	calls := 0
	h.publisher.fn = func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
		calls++
		if calls < 3 {
			return domain.ArtifactRef{}, domain.Transientf("registry unavailable")
		}
		return domain.ArtifactRef{Digest: req.Artifact.Digest, Location: "registry.local/app", SourceRef: req.SourceRef}, nil
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s failure=%+v", run.Status, run.Failure)
	}
	publish := attemptsFor(run, domain.StagePublish)
	if len(publish) != 3 {
		t.Fatalf("publish attempts=%d, want 3", len(publish))
	}
	for i, a := range publish[:2] {
		if a.Status != domain.AttemptStatusFailed || a.ErrorKind != domain.ErrorKindTransient || a.Attempt != i+1 {
			t.Fatalf("attempt %d=%+v, want transient failure", i+1, a)
		}
	}
	if h.log.count(domain.StageBuild) != 1 {
		t.Fatalf("build ran %d times, want 1", h.log.count(domain.StageBuild))
	}
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	h := newHarness()
	h.deployer.fn = func(ctx context.Context, req domain.StageRequest) (domain.Acceptance, error) {
		return domain.Acceptance{}, domain.Transientf("apiserver 503")
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Status != domain.RunStatusFailed || run.Failure == nil {
		t.Fatalf("status=%s, want failed", run.Status)
	}
	if run.Failure.Kind != domain.ErrorKindRetriesExhausted || run.Failure.Stage != domain.StageDeploy {
		t.Fatalf("failure=%+v, want retries_exhausted at deploy", run.Failure)
	}
	if got := h.log.count(domain.StageDeploy); got != 3 {
		t.Fatalf("deploy calls=%d, want 3", got)
	}
	if h.log.count(domain.StageVerify) != 0 {
		t.Fatalf("verify ran after deploy failure")
	}
}

func TestPermanentDeployFailureKeepsPublishedArtifact(t *testing.T) {
	h := newHarness()
	h.deployer.fn = func(ctx context.Context, req domain.StageRequest) (domain.Acceptance, error) {
		return domain.Acceptance{}, domain.Permanentf("manifest rejected")
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Failure == nil || run.Failure.Kind != domain.ErrorKindPermanent || run.Failure.Stage != domain.StageDeploy {
		t.Fatalf("failure=%+v, want permanent at deploy", run.Failure)
	}
	if h.log.count(domain.StageDeploy) != 1 {
		t.Fatalf("permanent failure was retried")
	}
	publish := attemptsFor(run, domain.StagePublish)
	if len(publish) != 1 || publish[0].Artifact == nil || publish[0].Artifact.Location != "registry.local/app" {
		t.Fatalf("publish attempts=%+v, want recorded artifact", publish)
	}
	if _, err := h.ledger.GetArtifact(context.Background(), testDigest); err != nil {
		t.Fatalf("published artifact missing: %v", err)
	}
}

func TestUntypedAdapterErrorIsPermanent(t *testing.T) {
	h := newHarness()
	h.tester.fn = func(ctx context.Context, req domain.StageRequest) error {
		return errors.New("3 tests failed")
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Failure == nil || run.Failure.Kind != domain.ErrorKindPermanent || run.Failure.Stage != domain.StageTest {
		t.Fatalf("failure=%+v, want permanent at test", run.Failure)
	}
}

func TestVerifyFailureKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"telemetry silent", fmt.Errorf("web: %w", domain.ErrTelemetrySilent), domain.ErrorKindTelemetrySilent},
		{"verification timeout", fmt.Errorf("web: %w", domain.ErrVerificationTimeout), domain.ErrorKindVerificationTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.verifier.fn = func(ctx context.Context, ref domain.ArtifactRef) (domain.TelemetryCheckpoint, error) {
				return domain.TelemetryCheckpoint{}, tc.err
			}
			o := h.start(t)

			id, _ := o.Start(context.Background(), trigger("web"))
			run := wait(t, o, id)
			if run.Status != domain.RunStatusFailed || run.Failure.Kind != tc.want || run.Failure.Stage != domain.StageVerify {
				t.Fatalf("status=%s failure=%+v, want %s at verify", run.Status, run.Failure, tc.want)
			}
			if h.log.count(domain.StageVerify) != 1 {
				t.Fatalf("verify retried on %s", tc.want)
			}
		})
	}
}

type readiness bool

func (r readiness) Ready(ctx context.Context, target domain.Target, ref domain.ArtifactRef) (bool, string, error) {
	return bool(r), "rolling", nil
}

type noSamples struct{}

func (noSamples) Samples(ctx context.Context, target domain.Target, digest string, since time.Time) (float64, error) {
	return 0, nil
}

func TestShortVerifyStageTimeoutKeepsVerifyKinds(t *testing.T) {
	cases := []struct {
		name  string
		ready bool
		want  domain.ErrorKind
	}{
		{"never ready", false, domain.ErrorKindVerificationTimeout},
		{"ready without samples", true, domain.ErrorKindTelemetrySilent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.policy.StageTimeouts = map[domain.Stage]time.Duration{domain.StageVerify: 150 * time.Millisecond}
			h.verify = &verify.Verifier{
				Probe:           readiness(tc.ready),
				Telemetry:       noSamples{},
				Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
				PollInterval:    20 * time.Millisecond,
				TelemetryWindow: time.Second,
			}
			o := h.start(t)

			id, _ := o.Start(context.Background(), trigger("web"))
			run := wait(t, o, id)
			if run.Status != domain.RunStatusFailed || run.Failure.Kind != tc.want || run.Failure.Stage != domain.StageVerify {
				t.Fatalf("status=%s failure=%+v, want %s at verify", run.Status, run.Failure, tc.want)
			}
			attempts := attemptsFor(run, domain.StageVerify)
			if len(attempts) != 1 || attempts[0].ErrorKind != tc.want {
				t.Fatalf("verify attempts=%+v, want a single %s attempt", attempts, tc.want)
			}
		})
	}
}

// droppingLedger loses checkpoints so the success gate has nothing to find.
type droppingLedger struct {
	ledger.Ledger
}

func (droppingLedger) RecordCheckpoint(ctx context.Context, cp domain.TelemetryCheckpoint) error {
	return nil
}

func TestSuccessRequiresCheckpointFromThisRun(t *testing.T) {
	h := newHarness()
	h.ledger = droppingLedger{Ledger: ledger.NewMemoryStore()}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Status != domain.RunStatusFailed || run.Failure.Kind != domain.ErrorKindTelemetrySilent {
		t.Fatalf("status=%s failure=%+v, want telemetry_silent", run.Status, run.Failure)
	}
}

func TestCheckpointFromAnotherRunDoesNotCount(t *testing.T) {
	h := newHarness()
	mem := ledger.NewMemoryStore()
	h.ledger = droppingLedger{Ledger: mem}
	o := h.start(t)

	// An earlier run left a checkpoint for the same digest.
	ctx := context.Background()
	prior := domain.Run{ID: "prior", Trigger: trigger("web"), Target: domain.Target{Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web"}, CreatedAt: time.Now()}
	if _, err := mem.CreateRun(ctx, prior); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := mem.RecordCheckpoint(ctx, domain.TelemetryCheckpoint{TargetKey: "prod/apps/web", Digest: testDigest, RunID: "prior", ObservedAt: time.Now()}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	if _, err := mem.FinishRun(ctx, "prior", domain.RunStatusSucceeded, nil, time.Now()); err != nil {
		t.Fatalf("finish prior: %v", err)
	}

	id, err := o.Start(ctx, trigger("web"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, o, id)
	if run.Status != domain.RunStatusFailed || run.Failure.Kind != domain.ErrorKindTelemetrySilent {
		t.Fatalf("status=%s failure=%+v, want telemetry_silent", run.Status, run.Failure)
	}
}

func TestSuccessIgnoresNewerCheckpointFromAnotherRun(t *testing.T) {
	h := newHarness()
	mem := ledger.NewMemoryStore()
	h.ledger = mem
	o := h.start(t)

	// A prior run's checkpoint carries a later observed_at than this run will.
	ctx := context.Background()
	prior := domain.Run{ID: "prior", Trigger: trigger("web"), Target: domain.Target{Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web"}, CreatedAt: time.Now()}
	if _, err := mem.CreateRun(ctx, prior); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := mem.RecordCheckpoint(ctx, domain.TelemetryCheckpoint{TargetKey: "prod/apps/web", Digest: testDigest, RunID: "prior", ObservedAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	if _, err := mem.FinishRun(ctx, "prior", domain.RunStatusSucceeded, nil, time.Now()); err != nil {
		t.Fatalf("finish prior: %v", err)
	}

	id, err := o.Start(ctx, trigger("web"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run := wait(t, o, id)
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s failure=%+v, want succeeded", run.Status, run.Failure)
	}
}

func TestCancelStopsAtStageBoundary(t *testing.T) {
	h := newHarness()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.builder.fn = func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
		close(entered)
		<-release
		return domain.ArtifactRef{Digest: testDigest, SourceRef: req.SourceRef}, nil
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	<-entered
	if _, err := o.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	run := wait(t, o, id)
	if run.Status != domain.RunStatusAborted {
		t.Fatalf("status=%s, want aborted", run.Status)
	}
	if h.log.count(domain.StageTest) != 0 {
		t.Fatalf("test stage ran after cancel")
	}
	// The in-flight build finished and its outcome was recorded.
	build := attemptsFor(run, domain.StageBuild)
	if len(build) != 1 || build[0].Status != domain.AttemptStatusSucceeded {
		t.Fatalf("build attempts=%+v", build)
	}
	if _, err := o.Cancel(context.Background(), id); !errors.Is(err, domain.ErrRunFinished) {
		t.Fatalf("cancel finished run err=%v, want ErrRunFinished", err)
	}
}

func TestCancelInterruptsBackoff(t *testing.T) {
	h := newHarness()
	h.policy.Backoff = Backoff{Base: time.Minute, Max: time.Minute}
	failed := make(chan struct{}, 1)
	h.builder.fn = func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
		failed <- struct{}{}
		return domain.ArtifactRef{}, domain.Transientf("daemon busy")
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	<-failed
	if _, err := o.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	run := wait(t, o, id)
	if run.Status != domain.RunStatusAborted {
		t.Fatalf("status=%s, want aborted", run.Status)
	}
	if h.log.count(domain.StageBuild) != 1 {
		t.Fatalf("build retried after cancel")
	}
}

func TestRunTimeout(t *testing.T) {
	h := newHarness()
	h.policy.RunTimeout = 50 * time.Millisecond
	h.builder.fn = func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
		<-ctx.Done()
		return domain.ArtifactRef{}, ctx.Err()
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Status != domain.RunStatusFailed || run.Failure.Kind != domain.ErrorKindRunTimeout {
		t.Fatalf("status=%s failure=%+v, want run_timeout", run.Status, run.Failure)
	}
}

func TestStageTimeoutIsTransient(t *testing.T) {
	h := newHarness()
	h.policy.StageTimeouts = map[domain.Stage]time.Duration{domain.StageTest: 20 * time.Millisecond}
	calls := 0
	h.tester.fn = func(ctx context.Context, req domain.StageRequest) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	run := wait(t, o, id)
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s failure=%+v", run.Status, run.Failure)
	}
	test := attemptsFor(run, domain.StageTest)
	if len(test) != 2 || test[0].ErrorKind != domain.ErrorKindTransient {
		t.Fatalf("test attempts=%+v, want timeout then success", test)
	}
}

func TestIntegrityConflictFailsRun(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.ledger.RecordArtifact(ctx, domain.ArtifactRef{Digest: testDigest, SourceRef: "git:other"}); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	o := h.start(t)

	id, _ := o.Start(ctx, trigger("web"))
	run := wait(t, o, id)
	if run.Failure == nil || run.Failure.Kind != domain.ErrorKindIntegrity || run.Failure.Stage != domain.StageBuild {
		t.Fatalf("failure=%+v, want integrity at build", run.Failure)
	}
}

func TestResumeSkipsCompletedStagesAndCorrectsInterrupted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	l := h.ledger
	target := domain.Target{Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web", Container: "app"}
	now := time.Now().UTC()
	if _, err := l.CreateRun(ctx, domain.Run{ID: "r1", Trigger: trigger("web"), Target: target, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.MarkRunning(ctx, "r1", now); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	built := &domain.ArtifactRef{Digest: testDigest, SourceRef: "git:main@abc123", RunID: "r1", Stage: domain.StageBuild}
	seed := []domain.StageAttempt{
		{Stage: domain.StageBuild, Attempt: 1, Status: domain.AttemptStatusRunning},
		{Stage: domain.StageBuild, Attempt: 1, Status: domain.AttemptStatusSucceeded, Artifact: built},
		{Stage: domain.StageTest, Attempt: 1, Status: domain.AttemptStatusRunning},
		{Stage: domain.StageTest, Attempt: 1, Status: domain.AttemptStatusSucceeded, Artifact: built},
		{Stage: domain.StagePublish, Attempt: 1, Status: domain.AttemptStatusRunning},
		{Stage: domain.StagePublish, Attempt: 1, Status: domain.AttemptStatusFailed, ErrorKind: domain.ErrorKindTransient, ErrorMessage: "registry 502"},
		{Stage: domain.StagePublish, Attempt: 2, Status: domain.AttemptStatusRunning},
	}
	for _, a := range seed {
		a.RunID = "r1"
		a.RecordedAt = now
		if _, _, err := l.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("seed %+v: %v", a, err)
		}
	}

	o := h.start(t)
	n, err := o.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume n=%d err=%v, want 1", n, err)
	}
	run := wait(t, o, "r1")
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s failure=%+v", run.Status, run.Failure)
	}
	if h.log.count(domain.StageBuild) != 0 || h.log.count(domain.StageTest) != 0 {
		t.Fatalf("completed stages re-ran: %v", h.log.list())
	}
	publish := attemptsFor(run, domain.StagePublish)
	if len(publish) != 3 {
		t.Fatalf("publish attempts=%+v, want 3", publish)
	}
	if publish[1].ErrorKind != domain.ErrorKindInterrupted {
		t.Fatalf("attempt 2=%+v, want interrupted", publish[1])
	}
	if publish[2].Attempt != 3 || publish[2].Status != domain.AttemptStatusSucceeded {
		t.Fatalf("attempt 3=%+v, want succeeded", publish[2])
	}
}

func TestResumeHonorsRetryCeilingAcrossRestarts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	target := domain.Target{Name: "web", Cluster: "prod", Namespace: "apps", Workload: "web"}
	now := time.Now().UTC()
	if _, err := h.ledger.CreateRun(ctx, domain.Run{ID: "r2", Trigger: trigger("web"), Target: target, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 3; i++ {
		for _, status := range []domain.AttemptStatus{domain.AttemptStatusRunning, domain.AttemptStatusFailed} {
			a := domain.StageAttempt{RunID: "r2", Stage: domain.StageBuild, Attempt: i, Status: status, RecordedAt: now}
			if status == domain.AttemptStatusFailed {
				a.ErrorKind = domain.ErrorKindTransient
				a.ErrorMessage = "daemon down"
			}
			if _, _, err := h.ledger.AppendAttempt(ctx, a); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}
	o := h.start(t)
	if _, err := o.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	run := wait(t, o, "r2")
	if run.Failure == nil || run.Failure.Kind != domain.ErrorKindRetriesExhausted {
		t.Fatalf("failure=%+v, want retries_exhausted", run.Failure)
	}
	if h.log.count(domain.StageBuild) != 0 {
		t.Fatalf("build dispatched past the retry ceiling")
	}
}

func TestShutdownLeavesRunResumable(t *testing.T) {
	h := newHarness()
	entered := make(chan struct{})
	h.builder.fn = func(ctx context.Context, req domain.StageRequest) (domain.ArtifactRef, error) {
		close(entered)
		<-ctx.Done()
		return domain.ArtifactRef{}, ctx.Err()
	}
	o := h.start(t)

	id, _ := o.Start(context.Background(), trigger("web"))
	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	run, err := h.ledger.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != domain.RunStatusRunning {
		t.Fatalf("status=%s, want running", run.Status)
	}
	build := ledger.Derive(run.Attempts)[domain.StageBuild]
	if !build.Dangling() {
		t.Fatalf("build state=%+v, want dangling attempt", build)
	}
	if _, err := o.Start(context.Background(), trigger("api")); err == nil {
		t.Fatalf("start after shutdown succeeded")
	}

	// A fresh process picks the run up where it stopped.
	h.builder.fn = nil
	next := h.start(t)
	if n, err := next.Resume(context.Background()); err != nil || n != 1 {
		t.Fatalf("resume n=%d err=%v", n, err)
	}
	if final := wait(t, next, id); final.Status != domain.RunStatusSucceeded {
		t.Fatalf("status=%s failure=%+v", final.Status, final.Failure)
	}
}
