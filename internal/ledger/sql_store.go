package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/shipyard-go/internal/domain"
	"github.com/animus-labs/shipyard-go/internal/platform/auditlog"
	"github.com/animus-labs/shipyard-go/internal/platform/migrate"
)

// SQLStore implements Ledger on PostgreSQL (pgx) or SQLite (modernc).
// Queries are written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect migrate.Dialect
}

const runColumns = `run_id, target_name, cluster, namespace, workload, container, source_ref,
	trigger_kind, actor, params, status, current_stage, failure_stage, failure_kind,
	failure_message, created_at, started_at, ended_at, cancel_requested_at`

const (
	insertRunQuery = `INSERT INTO runs (
		run_id, target_name, target_key, cluster, namespace, workload, container, source_ref,
		trigger_kind, actor, params, status, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM runs WHERE run_id = ?`

	acquireLockQuery = `INSERT INTO target_locks (target_key, run_id, acquired_at)
	VALUES (?,?,?)
	ON CONFLICT (target_key) DO NOTHING`

	selectLockHolderQuery = `SELECT l.run_id, r.status
	FROM target_locks l LEFT JOIN runs r ON r.run_id = l.run_id
	WHERE l.target_key = ?`

	takeOverLockQuery = `UPDATE target_locks SET run_id = ?, acquired_at = ?
	WHERE target_key = ? AND run_id = ?`

	releaseLockQuery = `DELETE FROM target_locks WHERE target_key = ? AND run_id = ?`

	markRunningQuery = `UPDATE runs SET status = 'running', started_at = ?
	WHERE run_id = ? AND status = 'pending'`

	setStageQuery = `UPDATE runs SET current_stage = ?
	WHERE run_id = ? AND status IN ('pending', 'running')`

	requestCancelQuery = `UPDATE runs SET cancel_requested_at = COALESCE(cancel_requested_at, ?)
	WHERE run_id = ? AND status IN ('pending', 'running')`

	finishRunQuery = `UPDATE runs SET status = ?, failure_stage = ?, failure_kind = ?, failure_message = ?, ended_at = ?
	WHERE run_id = ? AND status IN ('pending', 'running')`

	listLocksQuery = `SELECT target_key, run_id, acquired_at FROM target_locks ORDER BY target_key`
)

func NewSQLStore(db *sql.DB, dialect migrate.Dialect) *SQLStore {
	if db == nil {
		return nil
	}
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *SQLStore) ready() error {
	if s == nil || s.db == nil {
		return errors.New("ledger store not initialized")
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	if err := s.ready(); err != nil {
		return domain.Run{}, err
	}
	if err := validateNewRun(run); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatusPending
	run.CreatedAt = normalizeTime(run.CreatedAt)
	params, err := encodeParams(run.Trigger.Params)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode params: %w", err)
	}
	key := run.Target.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.acquireLock(ctx, tx, key, run.ID, run.CreatedAt); err != nil {
		return domain.Run{}, err
	}

	_, err = tx.ExecContext(ctx, s.q(insertRunQuery),
		run.ID,
		run.Target.Name,
		key,
		run.Target.Cluster,
		run.Target.Namespace,
		run.Target.Workload,
		nullIfEmpty(run.Target.Container),
		strings.TrimSpace(run.Trigger.SourceRef),
		string(run.Trigger.Kind),
		nullIfEmpty(run.Trigger.Actor),
		params,
		string(run.Status),
		run.CreatedAt,
	)
	if err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, fmt.Errorf("commit run: %w", err)
	}
	return run, nil
}

// acquireLock inserts the lock row, or takes it over when the holder is
// already terminal or gone.
func (s *SQLStore) acquireLock(ctx context.Context, tx *sql.Tx, key, runID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, s.q(acquireLockQuery), key, runID, at)
	if err != nil {
		return fmt.Errorf("acquire target lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var holder string
	var holderStatus sql.NullString
	if err := tx.QueryRowContext(ctx, s.q(selectLockHolderQuery), key).Scan(&holder, &holderStatus); err != nil {
		return fmt.Errorf("read target lock: %w", err)
	}
	if holderStatus.Valid && !domain.RunStatus(holderStatus.String).Terminal() {
		return &domain.ConflictError{TargetKey: key, HolderRunID: holder}
	}

	res, err = tx.ExecContext(ctx, s.q(takeOverLockQuery), runID, at, key, holder)
	if err != nil {
		return fmt.Errorf("take over target lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return &domain.ConflictError{TargetKey: key, HolderRunID: holder}
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if err := s.ready(); err != nil {
		return domain.Run{}, err
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, s.q(selectRunQuery), strings.TrimSpace(runID)))
	if err != nil {
		return domain.Run{}, handleNotFound(err, domain.ErrRunNotFound)
	}
	attempts, err := s.ListAttempts(ctx, run.ID)
	if err != nil {
		return domain.Run{}, err
	}
	run.Attempts = attempts
	return run, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter ListFilter) ([]domain.Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if t := strings.TrimSpace(filter.Target); t != "" {
		where = append(where, "(target_name = ? OR target_key = ?)")
		args = append(args, t, t)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, run_id DESC LIMIT %d`, limit)
	return s.queryRuns(ctx, query, args...)
}

func (s *SQLStore) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN ('pending', 'running') ORDER BY created_at ASC`)
}

func (s *SQLStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *SQLStore) MarkRunning(ctx context.Context, runID string, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(markRunningQuery), normalizeTime(at), runID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	run, err := s.getRunRow(ctx, runID)
	if err == nil && run.Status == domain.RunStatusRunning {
		return nil
	}
	return finishedOrMissing(run, err)
}

func (s *SQLStore) SetCurrentStage(ctx context.Context, runID string, stage domain.Stage) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(setStageQuery), string(stage), runID)
	if err != nil {
		return fmt.Errorf("set current stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return finishedOrMissing(s.getRunRow(ctx, runID))
}

func (s *SQLStore) RequestCancel(ctx context.Context, runID string, at time.Time) (domain.Run, error) {
	if err := s.ready(); err != nil {
		return domain.Run{}, err
	}
	res, err := s.db.ExecContext(ctx, s.q(requestCancelQuery), normalizeTime(at), runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("request cancel: %w", err)
	}
	run, getErr := s.getRunRow(ctx, runID)
	if n, _ := res.RowsAffected(); n == 1 && getErr == nil {
		return run, nil
	}
	return domain.Run{}, finishedOrMissing(run, getErr)
}

func (s *SQLStore) FinishRun(ctx context.Context, runID string, status domain.RunStatus, failure *domain.Failure, at time.Time) (domain.Run, error) {
	if err := s.ready(); err != nil {
		return domain.Run{}, err
	}
	if !status.Terminal() {
		return domain.Run{}, fmt.Errorf("finish requires a terminal status (got %q)", status)
	}
	if status == domain.RunStatusFailed && failure == nil {
		return domain.Run{}, errors.New("failed runs require a failure")
	}
	var fStage, fKind, fMsg sql.NullString
	if failure != nil {
		fStage = nullIfEmpty(string(failure.Stage))
		fKind = nullIfEmpty(string(failure.Kind))
		fMsg = nullIfEmpty(failure.Message)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	run, err := scanRun(tx.QueryRowContext(ctx, s.q(selectRunQuery), runID))
	if err != nil {
		return domain.Run{}, handleNotFound(err, domain.ErrRunNotFound)
	}
	res, err := tx.ExecContext(ctx, s.q(finishRunQuery), string(status), fStage, fKind, fMsg, normalizeTime(at), runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Run{}, finishedOrMissing(run, nil)
	}
	if _, err := tx.ExecContext(ctx, s.q(releaseLockQuery), run.Target.Key(), runID); err != nil {
		return domain.Run{}, fmt.Errorf("release target lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, fmt.Errorf("commit finish: %w", err)
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLStore) ListLocks(ctx context.Context) ([]Lock, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, listLocksQuery)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var out []Lock
	for rows.Next() {
		var l Lock
		var at nullTime
		if err := rows.Scan(&l.TargetKey, &l.RunID, &at); err != nil {
			return nil, err
		}
		l.AcquiredAt = at.Time
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordAudit(ctx context.Context, event auditlog.Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := auditlog.Insert(ctx, s.db, s.dialect, event)
	return err
}

func (s *SQLStore) getRunRow(ctx context.Context, runID string) (domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, s.q(selectRunQuery), runID))
	if err != nil {
		return domain.Run{}, handleNotFound(err, domain.ErrRunNotFound)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (domain.Run, error) {
	var (
		run                                 domain.Run
		container, actor, currentStage      sql.NullString
		failureStage, failureKind, failMsg  sql.NullString
		triggerKind, status                 string
		params                              []byte
		createdAt, startedAt, endedAt, canc nullTime
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Target.Name,
		&run.Target.Cluster,
		&run.Target.Namespace,
		&run.Target.Workload,
		&container,
		&run.Trigger.SourceRef,
		&triggerKind,
		&actor,
		&params,
		&status,
		&currentStage,
		&failureStage,
		&failureKind,
		&failMsg,
		&createdAt,
		&startedAt,
		&endedAt,
		&canc,
	); err != nil {
		return domain.Run{}, err
	}

	decoded, err := decodeParams(params)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode params: %w", err)
	}
	run.Target.Container = container.String
	run.Trigger.Target = run.Target.Name
	run.Trigger.Kind = domain.TriggerKind(triggerKind)
	run.Trigger.Actor = actor.String
	run.Trigger.Params = decoded
	run.Status = domain.RunStatus(status)
	run.CurrentStage = domain.Stage(currentStage.String)
	if failureKind.Valid {
		run.Failure = &domain.Failure{
			Stage:   domain.Stage(failureStage.String),
			Kind:    domain.ErrorKind(failureKind.String),
			Message: failMsg.String,
		}
	}
	run.CreatedAt = createdAt.Time
	run.StartedAt = startedAt.Ptr()
	run.EndedAt = endedAt.Ptr()
	run.CancelRequestedAt = canc.Ptr()
	return run, nil
}
