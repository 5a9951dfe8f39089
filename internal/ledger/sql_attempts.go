package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/shipyard-go/internal/domain"
)

const (
	attemptColumns = `seq, run_id, stage, attempt, status, error_kind, error_message, artifact, recorded_at`

	insertAttemptQuery = `INSERT INTO stage_attempts (run_id, stage, attempt, status, error_kind, error_message, artifact, recorded_at)
	VALUES (?,?,?,?,?,?,?,?)
	ON CONFLICT (run_id, stage, attempt, status) DO NOTHING
	RETURNING ` + attemptColumns

	selectAttemptQuery = `SELECT ` + attemptColumns + ` FROM stage_attempts
	WHERE run_id = ? AND stage = ? AND attempt = ? AND status = ?`

	selectOtherTerminalQuery = `SELECT status FROM stage_attempts
	WHERE run_id = ? AND stage = ? AND attempt = ? AND status <> 'running' AND status <> ?`

	listAttemptsQuery = `SELECT ` + attemptColumns + ` FROM stage_attempts WHERE run_id = ? ORDER BY seq ASC`

	selectRunStatusQuery = `SELECT status FROM runs WHERE run_id = ?`

	artifactColumns = `digest, source_ref, tag, location, run_id, stage, recorded_at`

	selectArtifactQuery = `SELECT ` + artifactColumns + ` FROM artifacts WHERE digest = ?`

	insertArtifactQuery = `INSERT INTO artifacts (` + artifactColumns + `)
	VALUES (?,?,?,?,?,?,?)
	ON CONFLICT (digest) DO NOTHING`

	insertCheckpointQuery = `INSERT INTO telemetry_checkpoints (target_key, digest, run_id, ready_at, observed_at, samples)
	VALUES (?,?,?,?,?,?)
	ON CONFLICT (target_key, digest, run_id) DO NOTHING`

	selectCheckpointQuery = `SELECT target_key, digest, run_id, ready_at, observed_at, samples
	FROM telemetry_checkpoints
	WHERE target_key = ? AND digest = ?
	ORDER BY observed_at DESC
	LIMIT 1`

	selectRunCheckpointQuery = `SELECT target_key, digest, run_id, ready_at, observed_at, samples
	FROM telemetry_checkpoints
	WHERE target_key = ? AND digest = ? AND run_id = ?`
)

func (s *SQLStore) AppendAttempt(ctx context.Context, attempt domain.StageAttempt) (domain.StageAttempt, bool, error) {
	if err := s.ready(); err != nil {
		return domain.StageAttempt{}, false, err
	}
	attempt.RunID = strings.TrimSpace(attempt.RunID)
	if err := attempt.Validate(); err != nil {
		return domain.StageAttempt{}, false, err
	}
	attempt.RecordedAt = normalizeTime(attempt.RecordedAt)
	artifact, err := encodeArtifact(attempt.Artifact)
	if err != nil {
		return domain.StageAttempt{}, false, fmt.Errorf("encode artifact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageAttempt{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var runStatus string
	if err := tx.QueryRowContext(ctx, s.q(selectRunStatusQuery), attempt.RunID).Scan(&runStatus); err != nil {
		return domain.StageAttempt{}, false, handleNotFound(err, domain.ErrRunNotFound)
	}
	if domain.RunStatus(runStatus).Terminal() {
		return domain.StageAttempt{}, false, domain.ErrRunFinished
	}

	if attempt.Status.Terminal() {
		var other string
		err := tx.QueryRowContext(ctx, s.q(selectOtherTerminalQuery), attempt.RunID, string(attempt.Stage), attempt.Attempt, string(attempt.Status)).Scan(&other)
		if err == nil {
			return domain.StageAttempt{}, false, fmt.Errorf("%s attempt %d already ended as %s", attempt.Stage, attempt.Attempt, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StageAttempt{}, false, fmt.Errorf("check terminal attempt: %w", err)
		}
	}

	inserted, err := scanAttempt(tx.QueryRowContext(ctx, s.q(insertAttemptQuery),
		attempt.RunID,
		string(attempt.Stage),
		attempt.Attempt,
		string(attempt.Status),
		nullIfEmpty(string(attempt.ErrorKind)),
		nullIfEmpty(attempt.ErrorMessage),
		artifact,
		attempt.RecordedAt,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StageAttempt{}, false, fmt.Errorf("insert stage attempt: %w", err)
		}
		existing, err := scanAttempt(tx.QueryRowContext(ctx, s.q(selectAttemptQuery), attempt.RunID, string(attempt.Stage), attempt.Attempt, string(attempt.Status)))
		if err != nil {
			return domain.StageAttempt{}, false, fmt.Errorf("read stage attempt: %w", err)
		}
		return existing, false, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.StageAttempt{}, false, fmt.Errorf("commit stage attempt: %w", err)
	}
	return inserted, true, nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, runID string) ([]domain.StageAttempt, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(listAttemptsQuery), strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StageAttempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	return out, nil
}

func scanAttempt(scanner rowScanner) (domain.StageAttempt, error) {
	var (
		a                   domain.StageAttempt
		stage, status       string
		errKind, errMessage sql.NullString
		artifact            []byte
		recordedAt          nullTime
	)
	if err := scanner.Scan(&a.Seq, &a.RunID, &stage, &a.Attempt, &status, &errKind, &errMessage, &artifact, &recordedAt); err != nil {
		return domain.StageAttempt{}, err
	}
	ref, err := decodeArtifact(artifact)
	if err != nil {
		return domain.StageAttempt{}, fmt.Errorf("decode artifact: %w", err)
	}
	a.Stage = domain.Stage(stage)
	a.Status = domain.AttemptStatus(status)
	a.ErrorKind = domain.ErrorKind(errKind.String)
	a.ErrorMessage = errMessage.String
	a.Artifact = ref
	a.RecordedAt = recordedAt.Time
	return a, nil
}

func (s *SQLStore) RecordArtifact(ctx context.Context, ref domain.ArtifactRef) (domain.ArtifactRef, error) {
	if err := s.ready(); err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := ref.Validate(); err != nil {
		return domain.ArtifactRef{}, err
	}
	ref.RecordedAt = normalizeTime(ref.RecordedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanArtifact(tx.QueryRowContext(ctx, s.q(selectArtifactQuery), ref.Digest))
	switch {
	case err == nil:
		if err := domain.EnsureArtifactConsistent(existing, ref); err != nil {
			return domain.ArtifactRef{}, err
		}
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.ArtifactRef{}, fmt.Errorf("read artifact: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(insertArtifactQuery),
		ref.Digest,
		strings.TrimSpace(ref.SourceRef),
		nullIfEmpty(ref.Tag),
		nullIfEmpty(ref.Location),
		ref.RunID,
		string(ref.Stage),
		ref.RecordedAt,
	)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("insert artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a race with a concurrent writer: re-check against its row
		existing, err := scanArtifact(tx.QueryRowContext(ctx, s.q(selectArtifactQuery), ref.Digest))
		if err != nil {
			return domain.ArtifactRef{}, fmt.Errorf("read artifact: %w", err)
		}
		if err := domain.EnsureArtifactConsistent(existing, ref); err != nil {
			return domain.ArtifactRef{}, err
		}
		return existing, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("commit artifact: %w", err)
	}
	return ref, nil
}

func (s *SQLStore) GetArtifact(ctx context.Context, digest string) (domain.ArtifactRef, error) {
	if err := s.ready(); err != nil {
		return domain.ArtifactRef{}, err
	}
	ref, err := scanArtifact(s.db.QueryRowContext(ctx, s.q(selectArtifactQuery), strings.TrimSpace(digest)))
	if err != nil {
		return domain.ArtifactRef{}, handleNotFound(err, ErrNotFound)
	}
	return ref, nil
}

func scanArtifact(scanner rowScanner) (domain.ArtifactRef, error) {
	var (
		ref           domain.ArtifactRef
		tag, location sql.NullString
		stage         string
		recordedAt    nullTime
	)
	if err := scanner.Scan(&ref.Digest, &ref.SourceRef, &tag, &location, &ref.RunID, &stage, &recordedAt); err != nil {
		return domain.ArtifactRef{}, err
	}
	ref.Tag = tag.String
	ref.Location = location.String
	ref.Stage = domain.Stage(stage)
	ref.RecordedAt = recordedAt.Time
	return ref, nil
}

func (s *SQLStore) RecordCheckpoint(ctx context.Context, cp domain.TelemetryCheckpoint) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	readyAt := cp.ReadyAt
	if readyAt.IsZero() {
		readyAt = cp.ObservedAt
	}
	_, err := s.db.ExecContext(ctx, s.q(insertCheckpointQuery),
		cp.TargetKey,
		cp.Digest,
		cp.RunID,
		readyAt.UTC(),
		cp.ObservedAt.UTC(),
		cp.Samples,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, targetKey, digest string) (domain.TelemetryCheckpoint, error) {
	if err := s.ready(); err != nil {
		return domain.TelemetryCheckpoint{}, err
	}
	return scanCheckpoint(s.db.QueryRowContext(ctx, s.q(selectCheckpointQuery), targetKey, digest))
}

func (s *SQLStore) GetRunCheckpoint(ctx context.Context, targetKey, digest, runID string) (domain.TelemetryCheckpoint, error) {
	if err := s.ready(); err != nil {
		return domain.TelemetryCheckpoint{}, err
	}
	return scanCheckpoint(s.db.QueryRowContext(ctx, s.q(selectRunCheckpointQuery), targetKey, digest, runID))
}

func scanCheckpoint(row *sql.Row) (domain.TelemetryCheckpoint, error) {
	var (
		cp                  domain.TelemetryCheckpoint
		readyAt, observedAt nullTime
	)
	err := row.Scan(&cp.TargetKey, &cp.Digest, &cp.RunID, &readyAt, &observedAt, &cp.Samples)
	if err != nil {
		return domain.TelemetryCheckpoint{}, handleNotFound(err, ErrNotFound)
	}
	cp.ReadyAt = readyAt.Time
	cp.ObservedAt = observedAt.Time
	return cp, nil
}
