package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/auditlog"
)

type attemptKey struct {
	runID   string
	stage   domain.Stage
	attempt int
	status  domain.AttemptStatus
}

// MemoryStore is a process-local Ledger with the same semantics as SQLStore.
type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	runs        map[string]domain.Run
	attempts    map[string][]domain.StageAttempt
	attemptKeys map[attemptKey]domain.StageAttempt
	artifacts   map[string]domain.ArtifactRef
	checkpoints []domain.TelemetryCheckpoint
	locks       map[string]Lock
	audit       []auditlog.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        map[string]domain.Run{},
		attempts:    map[string][]domain.StageAttempt{},
		attemptKeys: map[attemptKey]domain.StageAttempt{},
		artifacts:   map[string]domain.ArtifactRef{},
		locks:       map[string]Lock{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	if err := validateNewRun(run); err != nil {
		return domain.Run{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return domain.Run{}, fmt.Errorf("run %s already exists", run.ID)
	}
	key := run.Target.Key()
	if held, ok := m.locks[key]; ok {
		if holder, ok := m.runs[held.RunID]; ok && !holder.Status.Terminal() {
			return domain.Run{}, &domain.ConflictError{TargetKey: key, HolderRunID: held.RunID}
		}
	}
	run.Status = domain.RunStatusPending
	run.CreatedAt = normalizeTime(run.CreatedAt)
	run.Attempts = nil
	m.locks[key] = Lock{TargetKey: key, RunID: run.ID, AcquiredAt: run.CreatedAt}
	m.runs[run.ID] = run
	return run, nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRunLocked(runID)
}

func (m *MemoryStore) getRunLocked(runID string) (domain.Run, error) {
	run, ok := m.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	run.Attempts = append([]domain.StageAttempt(nil), m.attempts[run.ID]...)
	return run, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter ListFilter) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Run, 0)
	for _, run := range m.runs {
		if t := strings.TrimSpace(filter.Target); t != "" && run.Target.Name != t && run.Target.Key() != t {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Run, 0)
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) mutate(runID string, fn func(*domain.Run) error) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return domain.Run{}, domain.ErrRunFinished
	}
	if err := fn(&run); err != nil {
		return domain.Run{}, err
	}
	m.runs[runID] = run
	return m.getRunLocked(runID)
}

func (m *MemoryStore) MarkRunning(ctx context.Context, runID string, at time.Time) error {
	_, err := m.mutate(runID, func(run *domain.Run) error {
		if run.Status == domain.RunStatusPending {
			run.Status = domain.RunStatusRunning
			run.StartedAt = timePtr(normalizeTime(at))
		}
		return nil
	})
	return err
}

func (m *MemoryStore) SetCurrentStage(ctx context.Context, runID string, stage domain.Stage) error {
	_, err := m.mutate(runID, func(run *domain.Run) error {
		run.CurrentStage = stage
		return nil
	})
	return err
}

func (m *MemoryStore) RequestCancel(ctx context.Context, runID string, at time.Time) (domain.Run, error) {
	return m.mutate(runID, func(run *domain.Run) error {
		if run.CancelRequestedAt == nil {
			run.CancelRequestedAt = timePtr(normalizeTime(at))
		}
		return nil
	})
}

func (m *MemoryStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus, failure *domain.Failure, at time.Time) (domain.Run, error) {
	if !status.Terminal() {
		return domain.Run{}, fmt.Errorf("finish requires a terminal status (got %q)", status)
	}
	if status == domain.RunStatusFailed && failure == nil {
		return domain.Run{}, errors.New("failed runs require a failure")
	}
	run, err := m.mutate(runID, func(run *domain.Run) error {
		run.Status = status
		if failure != nil {
			f := *failure
			run.Failure = &f
		}
		run.EndedAt = timePtr(normalizeTime(at))
		return nil
	})
	if err != nil {
		return domain.Run{}, err
	}

	m.mu.Lock()
	if held, ok := m.locks[run.Target.Key()]; ok && held.RunID == runID {
		delete(m.locks, run.Target.Key())
	}
	m.mu.Unlock()
	return run, nil
}

func (m *MemoryStore) AppendAttempt(ctx context.Context, attempt domain.StageAttempt) (domain.StageAttempt, bool, error) {
	attempt.RunID = strings.TrimSpace(attempt.RunID)
	if err := attempt.Validate(); err != nil {
		return domain.StageAttempt{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[attempt.RunID]
	if !ok {
		return domain.StageAttempt{}, false, domain.ErrRunNotFound
	}
	if run.Status.Terminal() {
		return domain.StageAttempt{}, false, domain.ErrRunFinished
	}
	key := attemptKey{runID: attempt.RunID, stage: attempt.Stage, attempt: attempt.Attempt, status: attempt.Status}
	if existing, ok := m.attemptKeys[key]; ok {
		return existing, false, nil
	}
	if attempt.Status.Terminal() {
		for _, other := range []domain.AttemptStatus{domain.AttemptStatusSucceeded, domain.AttemptStatusFailed} {
			if other == attempt.Status {
				continue
			}
			if _, ok := m.attemptKeys[attemptKey{runID: key.runID, stage: key.stage, attempt: key.attempt, status: other}]; ok {
				return domain.StageAttempt{}, false, fmt.Errorf("%s attempt %d already ended as %s", attempt.Stage, attempt.Attempt, other)
			}
		}
	}

	m.seq++
	attempt.Seq = m.seq
	attempt.RecordedAt = normalizeTime(attempt.RecordedAt)
	if attempt.Artifact != nil {
		ref := *attempt.Artifact
		attempt.Artifact = &ref
	}
	m.attemptKeys[key] = attempt
	m.attempts[attempt.RunID] = append(m.attempts[attempt.RunID], attempt)
	return attempt, true, nil
}

func (m *MemoryStore) ListAttempts(ctx context.Context, runID string) ([]domain.StageAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StageAttempt{}, m.attempts[strings.TrimSpace(runID)]...), nil
}

func (m *MemoryStore) RecordArtifact(ctx context.Context, ref domain.ArtifactRef) (domain.ArtifactRef, error) {
	if err := ref.Validate(); err != nil {
		return domain.ArtifactRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.artifacts[ref.Digest]; ok {
		if err := domain.EnsureArtifactConsistent(existing, ref); err != nil {
			return domain.ArtifactRef{}, err
		}
		return existing, nil
	}
	ref.RecordedAt = normalizeTime(ref.RecordedAt)
	m.artifacts[ref.Digest] = ref
	return ref, nil
}

func (m *MemoryStore) GetArtifact(ctx context.Context, digest string) (domain.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.artifacts[strings.TrimSpace(digest)]
	if !ok {
		return domain.ArtifactRef{}, ErrNotFound
	}
	return ref, nil
}

func (m *MemoryStore) RecordCheckpoint(ctx context.Context, cp domain.TelemetryCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[cp.RunID]; !ok {
		return domain.ErrRunNotFound
	}
	for _, existing := range m.checkpoints {
		if existing.TargetKey == cp.TargetKey && existing.Digest == cp.Digest && existing.RunID == cp.RunID {
			return nil
		}
	}
	if cp.ReadyAt.IsZero() {
		cp.ReadyAt = cp.ObservedAt
	}
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, targetKey, digest string) (domain.TelemetryCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best  domain.TelemetryCheckpoint
		found bool
	)
	for _, cp := range m.checkpoints {
		if cp.TargetKey != targetKey || cp.Digest != digest {
			continue
		}
		if !found || cp.ObservedAt.After(best.ObservedAt) {
			best, found = cp, true
		}
	}
	if !found {
		return domain.TelemetryCheckpoint{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) GetRunCheckpoint(ctx context.Context, targetKey, digest, runID string) (domain.TelemetryCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cp := range m.checkpoints {
		if cp.TargetKey == targetKey && cp.Digest == digest && cp.RunID == runID {
			return cp, nil
		}
	}
	return domain.TelemetryCheckpoint{}, ErrNotFound
}

func (m *MemoryStore) ListLocks(ctx context.Context) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetKey < out[j].TargetKey })
	return out, nil
}

func (m *MemoryStore) RecordAudit(ctx context.Context, event auditlog.Event) error {
	event, _, err := event.Normalize()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	return nil
}

// AuditEvents returns recorded audit events in insertion order.
func (m *MemoryStore) AuditEvents() []auditlog.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auditlog.Event(nil), m.audit...)
}
