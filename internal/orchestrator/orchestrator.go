// Package orchestrator drives pipeline runs through Build, Test, Publish,
// Deploy and Verify. All progress is written to the ledger before it is acted
// on, so a restarted process resumes where the last one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/shipyard-go/internal/build"
	"github.com/animus-labs/shipyard-go/internal/deploy"
	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
	"github.com/animus-labs/shipyard-go/internal/publish"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// Tester runs the test stage. A nil Tester passes the stage through.
type Tester interface {
	Test(ctx context.Context, req domain.StageRequest) error
}

// Verifier confirms readiness and live telemetry for a deployed artifact.
type Verifier interface {
	Verify(ctx context.Context, target domain.Target, ref domain.ArtifactRef, deadline time.Time) (domain.TelemetryCheckpoint, error)
}

type Adapters struct {
	Builder   build.Builder
	Tester    Tester
	Publisher publish.Publisher
	Deployer  deploy.Deployer
	Verifier  Verifier
}

func (a Adapters) validate() error {
	var missing []string
	if a.Builder == nil {
		missing = append(missing, "builder")
	}
	if a.Publisher == nil {
		missing = append(missing, "publisher")
	}
	if a.Deployer == nil {
		missing = append(missing, "deployer")
	}
	if a.Verifier == nil {
		missing = append(missing, "verifier")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing adapters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TargetResolver maps a trigger's target name to a deployable target.
type TargetResolver interface {
	Target(name string) (domain.Target, error)
}

type Policy struct {
	// MaxAttempts is the number of transient failures a stage may take
	// before the run fails with retries_exhausted.
	MaxAttempts        int
	Backoff            Backoff
	StageTimeout       time.Duration
	StageTimeouts      map[domain.Stage]time.Duration
	RunTimeout         time.Duration
	VerifyReadyTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		Backoff:            Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.5},
		StageTimeout:       10 * time.Minute,
		RunTimeout:         time.Hour,
		VerifyReadyTimeout: 5 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Backoff.Base <= 0 {
		p.Backoff = def.Backoff
	}
	if p.StageTimeout <= 0 {
		p.StageTimeout = def.StageTimeout
	}
	if p.RunTimeout <= 0 {
		p.RunTimeout = def.RunTimeout
	}
	if p.VerifyReadyTimeout <= 0 {
		p.VerifyReadyTimeout = def.VerifyReadyTimeout
	}
	return p
}

func (p Policy) stageTimeout(stage domain.Stage) time.Duration {
	if d, ok := p.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return p.StageTimeout
}

type Options struct {
	Ledger   ledger.Ledger
	Targets  TargetResolver
	Adapters Adapters
	Policy   Policy
	Logger   *slog.Logger
}

type runHandle struct {
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (h *runHandle) signalCancel() {
	h.once.Do(func() { close(h.cancel) })
}

type Orchestrator struct {
	ledger   ledger.Ledger
	targets  TargetResolver
	adapters Adapters
	policy   Policy
	logger   *slog.Logger
	locks    *LockTable

	now   func() time.Time
	newID func() string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*runHandle
	closed  bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Targets == nil {
		return nil, errors.New("target resolver is required")
	}
	if err := opts.Adapters.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		ledger:   opts.Ledger,
		targets:  opts.Targets,
		adapters: opts.Adapters,
		policy:   opts.Policy.withDefaults(),
		logger:   logger,
		locks:    NewLockTable(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		baseCtx:  baseCtx,
		stop:     stop,
		handles:  map[string]*runHandle{},
	}, nil
}

// Start creates a run for trigger and begins executing it in the background.
// A target already held by another run yields *domain.ConflictError.
func (o *Orchestrator) Start(ctx context.Context, trigger domain.Trigger) (string, error) {
	if err := trigger.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	target, err := o.targets.Target(strings.TrimSpace(trigger.Target))
	if err != nil {
		return "", err
	}
	if err := target.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if trigger.Kind == "" {
		trigger.Kind = domain.TriggerKindAPI
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", errors.New("orchestrator is shutting down")
	}

	runID := o.newID()
	key := target.Key()
	if holder, ok := o.locks.TryAcquire(key, runID); !ok {
		return "", &domain.ConflictError{TargetKey: key, HolderRunID: holder}
	}

	run, err := o.ledger.CreateRun(ctx, domain.Run{
		ID:        runID,
		Trigger:   trigger,
		Target:    target,
		CreatedAt: o.now(),
	})
	if err != nil {
		o.locks.Release(key, runID)
		return "", err
	}

	o.logger.Info("run created",
		"run_id", run.ID,
		"target", key,
		"source_ref", trigger.SourceRef,
		"trigger", trigger.Kind,
	)
	o.launch(run)
	return run.ID, nil
}

// Status returns the ledger's view of a run with one entry per attempt.
func (o *Orchestrator) Status(ctx context.Context, runID string) (domain.Run, error) {
	run, err := o.ledger.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	run.Attempts = ledger.Collapse(run.Attempts)
	return run, nil
}

func (o *Orchestrator) List(ctx context.Context, filter ledger.ListFilter) ([]domain.Run, error) {
	return o.ledger.ListRuns(ctx, filter)
}

func (o *Orchestrator) Locks(ctx context.Context) ([]ledger.Lock, error) {
	return o.ledger.ListLocks(ctx)
}

// Cancel records a cancellation request. The run stops at its next stage or
// retry boundary; an in-flight stage call is allowed to finish.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	run, err := o.ledger.RequestCancel(ctx, runID, o.now())
	if err != nil {
		return domain.Run{}, err
	}
	o.mu.Lock()
	h := o.handles[runID]
	o.mu.Unlock()
	if h != nil {
		h.signalCancel()
	}
	o.logger.Info("run cancel requested", "run_id", runID, "target", run.Target.Key())
	return run, nil
}

// Resume restarts every pending or running run found in the ledger. It is
// meant to be called once at process start.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	runs, err := o.ledger.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	resumed := 0
	for _, run := range runs {
		o.mu.Lock()
		_, looping := o.handles[run.ID]
		o.mu.Unlock()
		if looping {
			continue
		}
		if holder, ok := o.locks.TryAcquire(run.Target.Key(), run.ID); !ok {
			o.logger.Warn("skipping resume: target held in process", "run_id", run.ID, "holder", holder)
			continue
		}
		o.logger.Info("resuming run", "run_id", run.ID, "target", run.Target.Key(), "status", run.Status)
		o.launch(run)
		resumed++
	}
	return resumed, nil
}

// Wait blocks until runID is terminal or ctx ends and returns the final
// snapshot.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (domain.Run, error) {
	o.mu.Lock()
	h := o.handles[runID]
	o.mu.Unlock()
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		}
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := o.Status(ctx, runID)
		if err != nil || run.Status.Terminal() {
			return run, err
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops all run loops at their next suspension point without
// changing run status, then waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) launch(run domain.Run) {
	h := &runHandle{cancel: make(chan struct{}), done: make(chan struct{})}
	o.mu.Lock()
	o.handles[run.ID] = h
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.locks.Release(run.Target.Key(), run.ID)
			o.mu.Lock()
			delete(o.handles, run.ID)
			o.mu.Unlock()
			close(h.done)
		}()
		o.drive(o.baseCtx, run, h)
	}()
}
