package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/ledger"
)

// errStopped means the process is shutting down. The run is left as is so
// a later Resume can pick it up.
var errStopped = errors.New("orchestrator stopped")

// outcome ends a run. A nil failure with status failed never happens.
type outcome struct {
	status  domain.RunStatus
	failure *domain.Failure
}

func failed(stage domain.Stage, kind domain.ErrorKind, msg string) *outcome {
	return &outcome{status: domain.RunStatusFailed, failure: &domain.Failure{Stage: stage, Kind: kind, Message: msg}}
}

var aborted = &outcome{status: domain.RunStatusAborted}

func (o *Orchestrator) drive(ctx context.Context, run domain.Run, h *runHandle) {
	logger := o.logger.With("run_id", run.ID, "target", run.Target.Key())

	if err := o.ledger.MarkRunning(ctx, run.ID, o.now()); err != nil {
		if !errors.Is(err, domain.ErrRunFinished) && ctx.Err() == nil {
			logger.Error("mark run running", "error", err)
		}
		return
	}
	started := o.now()
	if fresh, err := o.ledger.GetRun(ctx, run.ID); err == nil {
		run = fresh
		if run.StartedAt != nil {
			started = *run.StartedAt
		}
	}
	runCtx, cancel := context.WithDeadline(ctx, started.Add(o.policy.RunTimeout))
	defer cancel()

	end, err := o.execute(ctx, runCtx, run, h, logger)
	if errors.Is(err, errStopped) || errors.Is(err, domain.ErrRunFinished) || ctx.Err() != nil {
		logger.Info("run loop stopped; run left for resume")
		return
	}
	if err != nil {
		// Ledger failures leave the run active; Resume retries it.
		logger.Error("run loop aborted by ledger error", "error", err)
		return
	}
	o.finish(ctx, run, end, logger)
}

func (o *Orchestrator) finish(ctx context.Context, run domain.Run, end *outcome, logger *slog.Logger) {
	finished, err := o.ledger.FinishRun(ctx, run.ID, end.status, end.failure, o.now())
	if err != nil {
		if !errors.Is(err, domain.ErrRunFinished) {
			logger.Error("finish run", "status", end.status, "error", err)
		}
		return
	}
	o.locks.Release(run.Target.Key(), run.ID)

	attrs := []any{"status", finished.Status}
	if f := finished.Failure; f != nil {
		attrs = append(attrs, "stage", f.Stage, "error_kind", f.Kind, "error", f.Message)
	}
	logger.Info("run finished", attrs...)
}

// execute walks the stages from the ledger's resume point and returns how the
// run ended. A non-nil error means the run could not be driven further.
func (o *Orchestrator) execute(ctx, runCtx context.Context, run domain.Run, h *runHandle, logger *slog.Logger) (*outcome, error) {
	entries, err := o.ledger.ListAttempts(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	states := ledger.Derive(entries)

	for _, stage := range domain.Stages {
		st := states[stage]
		if !st.Dangling() {
			continue
		}
		_, _, err := o.ledger.AppendAttempt(ctx, domain.StageAttempt{
			RunID:        run.ID,
			Stage:        stage,
			Attempt:      st.Attempts,
			Status:       domain.AttemptStatusFailed,
			ErrorKind:    domain.ErrorKindInterrupted,
			ErrorMessage: "attempt interrupted before recording an outcome",
			RecordedAt:   o.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("record interrupted %s attempt: %w", stage, err)
		}
		st.Status = domain.AttemptStatusFailed
		st.ErrorKind = domain.ErrorKindInterrupted
		states[stage] = st
		logger.Warn("interrupted attempt corrected", "stage", stage, "attempt", st.Attempts)
	}

	start, artifact := ledger.ResumePoint(states)
	if start > 0 {
		logger.Info("resuming after completed stages", "next_stage", stageAt(start))
	}

	for i := start; i < len(domain.Stages); i++ {
		stage := domain.Stages[i]
		st := states[stage]

		switch {
		case st.Status == domain.AttemptStatusFailed && !st.ErrorKind.Retryable():
			return failed(stage, st.ErrorKind, st.ErrorMessage), nil
		case st.TransientFailures >= o.policy.MaxAttempts:
			return failed(stage, domain.ErrorKindRetriesExhausted, st.ErrorMessage), nil
		}

		if err := o.ledger.SetCurrentStage(ctx, run.ID, stage); err != nil {
			if errors.Is(err, domain.ErrRunFinished) {
				return nil, errStopped
			}
			return nil, fmt.Errorf("set current stage: %w", err)
		}

		ref, end, err := o.runStage(ctx, runCtx, run, stage, st, artifact, h, logger)
		if err != nil || end != nil {
			return end, err
		}
		if ref != nil {
			artifact = ref
		}
	}

	return o.gateSuccess(ctx, run, artifact)
}

// gateSuccess allows success only when a checkpoint from this run exists for
// the target and the deployed digest.
func (o *Orchestrator) gateSuccess(ctx context.Context, run domain.Run, artifact *domain.ArtifactRef) (*outcome, error) {
	if artifact == nil {
		return failed(domain.StageVerify, domain.ErrorKindPermanent, "no artifact reached verification"), nil
	}
	_, err := o.ledger.GetRunCheckpoint(ctx, run.Target.Key(), artifact.Digest, run.ID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return failed(domain.StageVerify, domain.ErrorKindTelemetrySilent, "no telemetry checkpoint recorded by this run for "+artifact.Digest), nil
	case err != nil:
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &outcome{status: domain.RunStatusSucceeded}, nil
}

// runStage dispatches stage until it succeeds or the run must end. On success
// it returns the artifact the stage produced or passed through.
func (o *Orchestrator) runStage(ctx, runCtx context.Context, run domain.Run, stage domain.Stage, st ledger.StageState, artifact *domain.ArtifactRef, h *runHandle, logger *slog.Logger) (*domain.ArtifactRef, *outcome, error) {
	attempt := st.Attempts
	transient := st.TransientFailures
	lastMessage := st.ErrorMessage
	backoff := o.policy.Backoff.Sequence()

	for {
		// Stage and retry boundary.
		if end, err := o.boundary(ctx, runCtx, run.ID, stage, lastMessage); end != nil || err != nil {
			return nil, end, err
		}

		attempt++
		attemptLog := logger.With("stage", stage, "attempt", attempt)
		if _, _, err := o.ledger.AppendAttempt(ctx, domain.StageAttempt{
			RunID:      run.ID,
			Stage:      stage,
			Attempt:    attempt,
			Status:     domain.AttemptStatusRunning,
			RecordedAt: o.now(),
		}); err != nil {
			return nil, nil, fmt.Errorf("record %s attempt %d: %w", stage, attempt, err)
		}
		attemptLog.Info("stage dispatched")

		req := domain.StageRequest{
			RunID:     run.ID,
			Stage:     stage,
			Attempt:   attempt,
			Target:    run.Target,
			SourceRef: run.Trigger.SourceRef,
			Params:    run.Trigger.Params,
			Artifact:  artifact,
		}
		ref, err := o.dispatch(ctx, runCtx, req)
		if err == nil {
			if _, _, err := o.ledger.AppendAttempt(ctx, domain.StageAttempt{
				RunID:      run.ID,
				Stage:      stage,
				Attempt:    attempt,
				Status:     domain.AttemptStatusSucceeded,
				Artifact:   ref,
				RecordedAt: o.now(),
			}); err != nil {
				return nil, nil, fmt.Errorf("record %s success: %w", stage, err)
			}
			attemptLog.Info("stage succeeded")
			return ref, nil, nil
		}

		if ctx.Err() != nil {
			// Leave the running entry dangling; Resume marks it interrupted.
			return nil, nil, errStopped
		}
		kind := domain.Classify(err)
		if runCtx.Err() != nil {
			kind = domain.ErrorKindRunTimeout
		}
		lastMessage = err.Error()
		if _, _, appendErr := o.ledger.AppendAttempt(ctx, domain.StageAttempt{
			RunID:        run.ID,
			Stage:        stage,
			Attempt:      attempt,
			Status:       domain.AttemptStatusFailed,
			ErrorKind:    kind,
			ErrorMessage: lastMessage,
			RecordedAt:   o.now(),
		}); appendErr != nil {
			return nil, nil, fmt.Errorf("record %s failure: %w", stage, appendErr)
		}
		attemptLog.Warn("stage failed", "error_kind", kind, "error", err)

		if kind != domain.ErrorKindTransient {
			return nil, failed(stage, kind, lastMessage), nil
		}
		transient++
		if transient >= o.policy.MaxAttempts {
			return nil, failed(stage, domain.ErrorKindRetriesExhausted, lastMessage), nil
		}

		delay := backoff.Next()
		attemptLog.Info("stage retry scheduled", "delay", delay, "transient_failures", transient)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-h.cancel:
			timer.Stop()
		case <-runCtx.Done():
			timer.Stop()
		}
	}
}

// boundary checks the conditions that end a run between stage calls.
func (o *Orchestrator) boundary(ctx, runCtx context.Context, runID string, stage domain.Stage, lastMessage string) (*outcome, error) {
	if ctx.Err() != nil {
		return nil, errStopped
	}
	if runCtx.Err() != nil {
		msg := "run exceeded its deadline"
		if lastMessage != "" {
			msg += ": " + lastMessage
		}
		return failed(stage, domain.ErrorKindRunTimeout, msg), nil
	}
	current, err := o.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reload run: %w", err)
	}
	if current.Status.Terminal() {
		return nil, errStopped
	}
	if current.CancelRequested() {
		return aborted, nil
	}
	return nil, nil
}

// dispatch calls the adapter for req.Stage under the stage timeout, which is
// itself bounded by the run deadline through runCtx.
func (o *Orchestrator) dispatch(ctx, runCtx context.Context, req domain.StageRequest) (*domain.ArtifactRef, error) {
	stageCtx, cancel := context.WithTimeout(runCtx, o.policy.stageTimeout(req.Stage))
	defer cancel()

	switch req.Stage {
	case domain.StageBuild:
		ref, err := o.adapters.Builder.Build(stageCtx, req)
		if err != nil {
			return nil, err
		}
		return o.recordArtifact(ctx, req, ref)

	case domain.StageTest:
		if o.adapters.Tester != nil {
			if err := o.adapters.Tester.Test(stageCtx, req); err != nil {
				return nil, err
			}
		}
		return req.Artifact, nil

	case domain.StagePublish:
		if req.Artifact == nil {
			return nil, domain.Permanent(errors.New("no build artifact to publish"))
		}
		ref, err := o.adapters.Publisher.Publish(stageCtx, req)
		if err != nil {
			return nil, err
		}
		return o.recordArtifact(ctx, req, ref)

	case domain.StageDeploy:
		if req.Artifact == nil {
			return nil, domain.Permanent(errors.New("no published artifact to deploy"))
		}
		acc, err := o.adapters.Deployer.Deploy(stageCtx, req)
		if err != nil {
			return nil, err
		}
		o.logger.Info("deploy accepted", "run_id", req.RunID, "target", req.Target.Key(), "revision", acc.Revision, "message", acc.Message)
		return req.Artifact, nil

	case domain.StageVerify:
		if req.Artifact == nil {
			return nil, domain.Permanent(errors.New("no deployed artifact to verify"))
		}
		deadline := o.now().Add(o.policy.VerifyReadyTimeout)
		if d, ok := stageCtx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		cp, err := o.adapters.Verifier.Verify(stageCtx, req.Target, *req.Artifact, deadline)
		if err != nil {
			return nil, err
		}
		if cp.Digest != req.Artifact.Digest {
			return nil, domain.Permanentf("verifier observed digest %s, deployed %s", cp.Digest, req.Artifact.Digest)
		}
		cp.TargetKey = req.Target.Key()
		cp.RunID = req.RunID
		if cp.ObservedAt.IsZero() {
			cp.ObservedAt = o.now()
		}
		if err := o.ledger.RecordCheckpoint(ctx, cp); err != nil {
			return nil, domain.Transient(fmt.Errorf("record checkpoint: %w", err))
		}
		return req.Artifact, nil
	}
	return nil, domain.Permanentf("unknown stage %q", req.Stage)
}

// recordArtifact stores ref in the ledger, which refuses a digest already
// produced from a different source.
func (o *Orchestrator) recordArtifact(ctx context.Context, req domain.StageRequest, ref domain.ArtifactRef) (*domain.ArtifactRef, error) {
	ref.RunID = req.RunID
	ref.Stage = req.Stage
	if ref.SourceRef == "" {
		ref.SourceRef = req.SourceRef
	}
	if ref.RecordedAt.IsZero() {
		ref.RecordedAt = o.now()
	}
	if _, err := o.ledger.RecordArtifact(ctx, ref); err != nil {
		var integrity *domain.IntegrityError
		if errors.As(err, &integrity) {
			return nil, err
		}
		return nil, domain.Transient(fmt.Errorf("record artifact: %w", err))
	}
	return &ref, nil
}

func stageAt(i int) domain.Stage {
	if i < 0 || i >= len(domain.Stages) {
		return ""
	}
	return domain.Stages[i]
}
