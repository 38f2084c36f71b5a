package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/dlq"
	"github.com/emberhollow/worldqueue/id"
)

const deadLetterColumns = `
	id, item_id, work_type, payload, error, retry_count, max_retries,
	failed_at, requeued_at, created_at`

// PushEntry adds a terminally failed item to the archive.
func (s *Store) PushEntry(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, item_id, work_type, payload, error, retry_count,
			max_retries, failed_at, requeued_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.ItemID.String(), entry.WorkType,
		entry.Payload, entry.Error, entry.RetryCount,
		entry.MaxRetries, ns(entry.FailedAt), nsPtr(entry.RequeuedAt), ns(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: push dead letter: %w", err)
	}
	return nil
}

// GetEntry retrieves a dead letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.DeadLetterID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`,
		entryID.String(),
	)

	entry, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("worldqueue/sqlite: get dead letter: %w", err)
	}
	return entry, nil
}

// ListEntries returns entries matching the given options, newest
// failures first.
func (s *Store) ListEntries(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1=1`
	args := []any{}

	if opts.WorkType != "" {
		query += " AND work_type = ?"
		args = append(args, opts.WorkType)
	}

	query += " ORDER BY failed_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("worldqueue/sqlite: scan dead letter row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// MarkRequeued stamps RequeuedAt on an entry.
func (s *Store) MarkRequeued(ctx context.Context, entryID id.DeadLetterID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET requeued_at = ? WHERE id = ?`,
		ns(time.Now().UTC()), entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: mark dead letter requeued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: mark requeued rows affected: %w", err)
	}
	if affected == 0 {
		return worldqueue.ErrDeadLetterNotFound
	}
	return nil
}

// PurgeEntries removes entries with FailedAt before the given time.
func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE failed_at < ?`,
		ns(before),
	)
	if err != nil {
		return 0, fmt.Errorf("worldqueue/sqlite: purge dead letters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("worldqueue/sqlite: purge rows affected: %w", err)
	}
	return affected, nil
}

// CountEntries returns the total number of archived entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("worldqueue/sqlite: count dead letters: %w", err)
	}
	return count, nil
}

// scanDeadLetter scans a single dead letter row.
func scanDeadLetter(row scanner) (*dlq.Entry, error) {
	var (
		entry      dlq.Entry
		idStr      string
		itemIDStr  string
		failedAt   int64
		requeuedAt sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(
		&idStr, &itemIDStr, &entry.WorkType, &entry.Payload,
		&entry.Error, &entry.RetryCount, &entry.MaxRetries,
		&failedAt, &requeuedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	entry.FailedAt = fromNs(failedAt)
	entry.RequeuedAt = fromNsPtr(requeuedAt)
	entry.CreatedAt = fromNs(createdAt)

	parsedID, parseErr := id.ParseDeadLetterID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: parse dead letter id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	parsedItemID, parseErr := id.ParseWorkItemID(itemIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: parse item id %q: %w", itemIDStr, parseErr)
	}
	entry.ItemID = parsedItemID

	return &entry, nil
}
