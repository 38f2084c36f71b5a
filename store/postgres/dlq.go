package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/id"
)

const deadLetterColumns = `
	id, item_id, work_type, payload, error, retry_count, max_retries,
	failed_at, requeued_at, created_at`

// PushEntry adds a terminally failed item to the archive.
func (s *Store) PushEntry(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			id, item_id, work_type, payload, error, retry_count,
			max_retries, failed_at, requeued_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.ItemID.String(), entry.WorkType,
		entry.Payload, entry.Error, entry.RetryCount,
		entry.MaxRetries, entry.FailedAt, entry.RequeuedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: push dead letter: %w", err)
	}
	return nil
}

// GetEntry retrieves a dead letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("worldqueue/postgres: get dead letter: %w", err)
	}
	return entry, nil
}

// ListEntries returns entries matching the given options, newest
// failures first.
func (s *Store) ListEntries(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.WorkType != "" {
		query += fmt.Sprintf(" AND work_type = $%d", argIdx)
		args = append(args, opts.WorkType)
		argIdx++
	}

	query += " ORDER BY failed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("worldqueue/postgres: scan dead letter row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// MarkRequeued stamps RequeuedAt on an entry.
func (s *Store) MarkRequeued(ctx context.Context, entryID id.DeadLetterID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET requeued_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: mark dead letter requeued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worldqueue.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeEntries removes entries with FailedAt before the given time.
func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letters WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("worldqueue/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountEntries returns the total number of archived entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("worldqueue/postgres: count dead letters: %w", err)
	}
	return count, nil
}

// scanDeadLetter scans a single dead letter row.
func scanDeadLetter(row pgx.Row) (*dlq.Entry, error) {
	var (
		entry     dlq.Entry
		idStr     string
		itemIDStr string
	)
	err := row.Scan(
		&idStr, &itemIDStr, &entry.WorkType, &entry.Payload,
		&entry.Error, &entry.RetryCount, &entry.MaxRetries,
		&entry.FailedAt, &entry.RequeuedAt, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDeadLetterID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/postgres: parse dead letter id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	parsedItemID, parseErr := id.ParseWorkItemID(itemIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/postgres: parse item id %q: %w", itemIDStr, parseErr)
	}
	entry.ItemID = parsedItemID

	return &entry, nil
}
