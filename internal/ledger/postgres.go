package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgresStore.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RegisterBatch creates the batch and its entries in one transaction. A
// non-rerun registration that matches an open batch for the same origin
// returns that batch unchanged, so redelivered intake tasks cannot register
// the same bundle twice.
func (s *PostgresStore) RegisterBatch(ctx context.Context, origin string, entries []string, notifyEmail string, rerun bool) (*Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin register batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &Batch{
		OriginFileName: origin,
		CreatedAt:      time.Now().UTC(),
		TotalEntries:   len(entries),
		Remaining:      len(entries),
		NotifyEmail:    notifyEmail,
	}

	var existing Batch
	err = tx.QueryRow(ctx, `
		SELECT batch_id, created_at, retry_count, total_entries, remaining, COALESCE(notify_email,'')
		FROM batches WHERE origin_file_name = $1
		ORDER BY created_at DESC LIMIT 1
	`, origin).Scan(&existing.BatchID, &existing.CreatedAt, &existing.RetryCount, &existing.TotalEntries, &existing.Remaining, &existing.NotifyEmail)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup batch by origin: %w", err)
	}
	if err == nil {
		switch {
		case rerun:
			// Rerun of a known origin: bump the retry count and replace the
			// old entries and staged rows so none of the prior attempt leaks
			// into this one.
			batch.BatchID = existing.BatchID
			batch.RetryCount = existing.RetryCount + 1
			batch.CreatedAt = existing.CreatedAt
			if _, err := tx.Exec(ctx, `DELETE FROM staged_rows WHERE batch_id = $1`, existing.BatchID); err != nil {
				return nil, fmt.Errorf("purge staged rows: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM file_entries WHERE batch_id = $1`, existing.BatchID); err != nil {
				return nil, fmt.Errorf("purge file entries: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE batches
				SET retry_count = $1, total_entries = $2, remaining = $2, notify_email = $3
				WHERE batch_id = $4
			`, batch.RetryCount, batch.TotalEntries, notifyEmail, existing.BatchID); err != nil {
				return nil, fmt.Errorf("update batch for rerun: %w", err)
			}
		case existing.Remaining > 0:
			// A redelivered registration for a batch still in flight keeps
			// the original, so an intake retry cannot orphan it with a
			// remaining-count that never drains.
			same, err := s.entriesEqual(ctx, tx, existing.BatchID, entries)
			if err != nil {
				return nil, err
			}
			if same {
				existing.OriginFileName = origin
				cp := existing
				return &cp, nil
			}
		}
	}
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
		if rerun {
			// Rerun marker on an origin never seen before still records the
			// intent.
			batch.RetryCount = 1
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO batches (batch_id, origin_file_name, created_at, retry_count, total_entries, remaining, notify_email)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, batch.BatchID, origin, batch.CreatedAt, batch.RetryCount, batch.TotalEntries, batch.Remaining, notifyEmail); err != nil {
			return nil, fmt.Errorf("insert batch: %w", err)
		}
	}

	for _, name := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO file_entries (batch_id, file_name, extracted, finished, outcome, error_message)
			VALUES ($1,$2,TRUE,FALSE,$3,'')
		`, batch.BatchID, name, OutcomePending); err != nil {
			return nil, fmt.Errorf("insert file entry %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit register batch: %w", err)
	}
	return batch, nil
}

// entriesEqual reports whether the batch's recorded entry names are exactly
// the given set.
func (s *PostgresStore) entriesEqual(ctx context.Context, tx pgx.Tx, batchID string, names []string) (bool, error) {
	rows, err := tx.Query(ctx, `SELECT file_name FROM file_entries WHERE batch_id = $1`, batchID)
	if err != nil {
		return false, fmt.Errorf("select entry names: %w", err)
	}
	defer rows.Close()
	recorded := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("scan entry name: %w", err)
		}
		recorded[name] = true
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate entry names: %w", err)
	}
	if len(recorded) != len(names) {
		return false, nil
	}
	for _, name := range names {
		if !recorded[name] {
			return false, nil
		}
	}
	return true, nil
}

// Batch returns a batch by id.
func (s *PostgresStore) Batch(ctx context.Context, batchID string) (*Batch, error) {
	return s.scanBatch(ctx, `
		SELECT batch_id, origin_file_name, created_at, retry_count, total_entries, remaining, COALESCE(notify_email,'')
		FROM batches WHERE batch_id = $1
	`, batchID)
}

// BatchByOrigin returns the most recent batch registered for origin.
func (s *PostgresStore) BatchByOrigin(ctx context.Context, origin string) (*Batch, error) {
	return s.scanBatch(ctx, `
		SELECT batch_id, origin_file_name, created_at, retry_count, total_entries, remaining, COALESCE(notify_email,'')
		FROM batches WHERE origin_file_name = $1
		ORDER BY created_at DESC LIMIT 1
	`, origin)
}

func (s *PostgresStore) scanBatch(ctx context.Context, query string, arg any) (*Batch, error) {
	var b Batch
	row := s.pool.QueryRow(ctx, query, arg)
	if err := row.Scan(&b.BatchID, &b.OriginFileName, &b.CreatedAt, &b.RetryCount, &b.TotalEntries, &b.Remaining, &b.NotifyEmail); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select batch: %w", err)
	}
	return &b, nil
}

// Entry returns one file entry.
func (s *PostgresStore) Entry(ctx context.Context, batchID, fileName string) (*FileEntry, error) {
	var e FileEntry
	row := s.pool.QueryRow(ctx, `
		SELECT batch_id, file_name, extracted, finished, outcome, COALESCE(error_message,''), finished_at
		FROM file_entries WHERE batch_id = $1 AND file_name = $2
	`, batchID, fileName)
	if err := row.Scan(&e.BatchID, &e.FileName, &e.Extracted, &e.Finished, &e.Outcome, &e.ErrorMessage, &e.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select file entry: %w", err)
	}
	return &e, nil
}

// Entries returns all entries of a batch, ordered by file name.
func (s *PostgresStore) Entries(ctx context.Context, batchID string) ([]FileEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, file_name, extracted, finished, outcome, COALESCE(error_message,''), finished_at
		FROM file_entries WHERE batch_id = $1
		ORDER BY file_name
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select file entries: %w", err)
	}
	defer rows.Close()
	var out []FileEntry
	for rows.Next() {
		var e FileEntry
		if err := rows.Scan(&e.BatchID, &e.FileName, &e.Extracted, &e.Finished, &e.Outcome, &e.ErrorMessage, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan file entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file entries: %w", err)
	}
	return out, nil
}

// MarkTerminal finishes an entry and decrements the batch's remaining-count
// in a single statement. The CTE only produces a row when this call is the
// one that flips finished, so concurrent finishers and redeliveries each see
// a distinct post-decrement count and the zero-crossing happens in exactly
// one of them.
func (s *PostgresStore) MarkTerminal(ctx context.Context, batchID, fileName string, outcome Outcome, errMsg string) (TerminalMark, error) {
	var mark TerminalMark
	row := s.pool.QueryRow(ctx, `
		WITH marked AS (
			UPDATE file_entries
			SET finished = TRUE, outcome = $3, error_message = $4, finished_at = now()
			WHERE batch_id = $1 AND file_name = $2 AND finished = FALSE
			RETURNING batch_id
		)
		UPDATE batches b
		SET remaining = b.remaining - 1
		FROM marked m
		WHERE b.batch_id = m.batch_id
		RETURNING b.remaining, b.total_entries
	`, batchID, fileName, outcome, errMsg)
	err := row.Scan(&mark.Remaining, &mark.Total)
	if err == nil {
		mark.Marked = true
		return mark, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TerminalMark{}, fmt.Errorf("mark terminal: %w", err)
	}

	// No row updated: either the entry is unknown or it was already
	// finished by an earlier delivery.
	if _, err := s.Entry(ctx, batchID, fileName); err != nil {
		return TerminalMark{}, err
	}
	batch, err := s.Batch(ctx, batchID)
	if err != nil {
		return TerminalMark{}, err
	}
	return TerminalMark{Marked: false, Remaining: batch.Remaining, Total: batch.TotalEntries}, nil
}

// RecordStaged notes staged transformed output for an entry.
func (s *PostgresStore) RecordStaged(ctx context.Context, batchID, fileName, jobID string, attempt int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staged_rows (batch_id, file_name, job_id, attempt, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (batch_id, file_name) DO UPDATE
		SET job_id = EXCLUDED.job_id, attempt = EXCLUDED.attempt, created_at = now()
	`, batchID, fileName, jobID, attempt)
	if err != nil {
		return fmt.Errorf("record staged row: %w", err)
	}
	return nil
}

// StagedJob returns the job id recorded for an entry.
func (s *PostgresStore) StagedJob(ctx context.Context, batchID, fileName string) (string, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM staged_rows WHERE batch_id = $1 AND file_name = $2
	`, batchID, fileName).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("select staged row: %w", err)
	}
	return jobID, nil
}

// PurgeStaged removes all staged rows for a batch.
func (s *PostgresStore) PurgeStaged(ctx context.Context, batchID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM staged_rows WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, fmt.Errorf("purge staged rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeStagedBefore removes staged rows from attempts earlier than attempt.
func (s *PostgresStore) PurgeStagedBefore(ctx context.Context, batchID string, attempt int) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM staged_rows WHERE batch_id = $1 AND attempt < $2`, batchID, attempt)
	if err != nil {
		return 0, fmt.Errorf("purge stale staged rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
