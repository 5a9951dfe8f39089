// Package ledger is the durable, append-only record of pipeline runs: run
// rows, stage attempt entries, artifacts, telemetry checkpoints and target
// locks. Orchestration state is always reconstructible from it.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/auditlog"
)

var ErrNotFound = errors.New("not found")

type ListFilter struct {
	Target string
	Status domain.RunStatus
	Limit  int
}

// Lock is a held target lock.
type Lock struct {
	TargetKey  string
	RunID      string
	AcquiredAt time.Time
}

type Ledger interface {
	// CreateRun persists a pending run and takes the durable lock for its
	// target in one step. A held lock yields *domain.ConflictError and
	// nothing is written.
	CreateRun(ctx context.Context, run domain.Run) (domain.Run, error)
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]domain.Run, error)
	ListActiveRuns(ctx context.Context) ([]domain.Run, error)

	MarkRunning(ctx context.Context, runID string, at time.Time) error
	SetCurrentStage(ctx context.Context, runID string, stage domain.Stage) error
	RequestCancel(ctx context.Context, runID string, at time.Time) (domain.Run, error)
	// FinishRun moves the run to a terminal status and releases its lock.
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, failure *domain.Failure, at time.Time) (domain.Run, error)

	// AppendAttempt is idempotent per (run, stage, attempt, status). The bool
	// reports whether a new entry was written.
	AppendAttempt(ctx context.Context, attempt domain.StageAttempt) (domain.StageAttempt, bool, error)
	ListAttempts(ctx context.Context, runID string) ([]domain.StageAttempt, error)

	RecordArtifact(ctx context.Context, ref domain.ArtifactRef) (domain.ArtifactRef, error)
	GetArtifact(ctx context.Context, digest string) (domain.ArtifactRef, error)

	RecordCheckpoint(ctx context.Context, cp domain.TelemetryCheckpoint) error
	// GetCheckpoint returns the newest checkpoint for the digest on the
	// target across runs. GetRunCheckpoint is scoped to a single run.
	GetCheckpoint(ctx context.Context, targetKey, digest string) (domain.TelemetryCheckpoint, error)
	GetRunCheckpoint(ctx context.Context, targetKey, digest, runID string) (domain.TelemetryCheckpoint, error)

	ListLocks(ctx context.Context) ([]Lock, error)
	RecordAudit(ctx context.Context, event auditlog.Event) error
	Ping(ctx context.Context) error
}
