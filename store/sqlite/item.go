package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/work"
)

const itemColumns = `
	id, work_type, payload, status, version, max_retries, retry_count,
	last_error, claimed_by, claimed_at, run_at, started_at, completed_at,
	timeout_ns, created_at, updated_at`

// EnqueueItem persists a new item in pending state.
func (s *Store) EnqueueItem(ctx context.Context, it *work.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (
			id, work_type, payload, status, version, max_retries, retry_count,
			last_error, claimed_by, claimed_at, run_at, started_at, completed_at,
			timeout_ns, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID.String(), it.WorkType, it.Payload, string(it.Status),
		it.Version, it.MaxRetries, it.RetryCount,
		it.LastError, it.ClaimedBy.String(), nsPtr(it.ClaimedAt),
		ns(it.RunAt), nsPtr(it.StartedAt), nsPtr(it.CompletedAt),
		it.Timeout.Nanoseconds(), ns(it.CreatedAt), ns(it.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return worldqueue.ErrItemAlreadyExists
		}
		return fmt.Errorf("worldqueue/sqlite: enqueue item: %w", err)
	}
	return nil
}

// ClaimNextItem atomically claims the oldest eligible pending item.
// SQLite serializes writers, so the UPDATE-with-subquery cannot race
// another claimer.
func (s *Store) ClaimNextItem(ctx context.Context, workTypes []string, claimant id.WorkerID) (*work.Item, error) {
	now := time.Now().UTC()

	typeFilter := ""
	args := []any{claimant.String(), ns(now), ns(now), ns(now), ns(now)}
	if len(workTypes) > 0 {
		typeFilter = " AND work_type IN (?" + strings.Repeat(", ?", len(workTypes)-1) + ")"
		for _, wt := range workTypes {
			args = append(args, wt)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE work_items
		SET status = 'running',
		    claimed_by = ?,
		    claimed_at = ?,
		    started_at = COALESCE(started_at, ?),
		    version = version + 1,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = 'pending' AND run_at <= ?`+typeFilter+`
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING `+itemColumns,
		args...,
	)

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worldqueue/sqlite: claim item: %w", err)
	}
	return it, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID id.WorkItemID) (*work.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE id = ?`,
		itemID.String(),
	)

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrItemNotFound
		}
		return nil, fmt.Errorf("worldqueue/sqlite: get item: %w", err)
	}
	return it, nil
}

// UpdateItem persists changes to an item, conditional on it.Version.
func (s *Store) UpdateItem(ctx context.Context, it *work.Item) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET
			work_type = ?, payload = ?, status = ?,
			max_retries = ?, retry_count = ?, last_error = ?,
			claimed_by = ?, claimed_at = ?, run_at = ?,
			started_at = ?, completed_at = ?, timeout_ns = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		it.WorkType, it.Payload, string(it.Status),
		it.MaxRetries, it.RetryCount, it.LastError,
		it.ClaimedBy.String(), nsPtr(it.ClaimedAt), ns(it.RunAt),
		nsPtr(it.StartedAt), nsPtr(it.CompletedAt), it.Timeout.Nanoseconds(),
		ns(time.Now().UTC()),
		it.ID.String(), it.Version,
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: update item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: update item rows affected: %w", err)
	}
	if affected == 0 {
		return s.itemWriteFailure(ctx, it.ID)
	}

	it.Version++
	return nil
}

// itemWriteFailure distinguishes a missing row from a stale version.
func (s *Store) itemWriteFailure(ctx context.Context, itemID id.WorkItemID) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM work_items WHERE id = ?)`,
		itemID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: check item: %w", err)
	}
	if !exists {
		return worldqueue.ErrItemNotFound
	}
	return worldqueue.ErrVersionConflict
}

// CancelItem transitions a pending item to cancelled.
func (s *Store) CancelItem(ctx context.Context, itemID id.WorkItemID) (*work.Item, error) {
	now := ns(time.Now().UTC())

	row := s.db.QueryRowContext(ctx, `
		UPDATE work_items
		SET status = 'cancelled',
		    completed_at = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+itemColumns,
		now, now, itemID.String(),
	)

	it, err := scanItem(row)
	if err == nil {
		return it, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("worldqueue/sqlite: cancel item: %w", err)
	}

	// Either the item does not exist or it has moved past pending.
	if _, getErr := s.GetItem(ctx, itemID); getErr != nil {
		return nil, getErr
	}
	return nil, worldqueue.ErrNotCancellable
}

// RequeueStuckItems returns running items with expired claims to
// pending. The crashed attempt counts against the budget: items with
// no attempts left go straight to failed so they are never claimed
// again.
func (s *Store) RequeueStuckItems(ctx context.Context, threshold time.Duration) ([]*work.Item, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	failRows, err := s.db.QueryContext(ctx, `
		UPDATE work_items
		SET status = 'failed',
		    last_error = 'claim expired',
		    completed_at = ?,
		    claimed_by = '',
		    claimed_at = NULL,
		    version = version + 1,
		    updated_at = ?
		WHERE status = 'running'
		  AND claimed_at IS NOT NULL
		  AND claimed_at <= ?
		  AND retry_count + 1 >= max_retries
		RETURNING `+itemColumns,
		ns(now), ns(now), ns(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: fail stuck items: %w", err)
	}
	failed, err := collectItems(failRows)
	failRows.Close()
	if err != nil {
		return nil, err
	}

	retryRows, err := s.db.QueryContext(ctx, `
		UPDATE work_items
		SET status = 'pending',
		    last_error = 'claim expired',
		    retry_count = retry_count + 1,
		    run_at = ?,
		    claimed_by = '',
		    claimed_at = NULL,
		    version = version + 1,
		    updated_at = ?
		WHERE status = 'running'
		  AND claimed_at IS NOT NULL
		  AND claimed_at <= ?
		RETURNING `+itemColumns,
		ns(now), ns(now), ns(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: requeue stuck items: %w", err)
	}
	requeued, err := collectItems(retryRows)
	retryRows.Close()
	if err != nil {
		return nil, err
	}

	return append(failed, requeued...), nil
}

// ListItemsByStatus returns items matching the given status, oldest first.
func (s *Store) ListItemsByStatus(ctx context.Context, status work.Status, opts work.ListOpts) ([]*work.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE status = ?`
	args := []any{string(status)}

	if opts.WorkType != "" {
		query += " AND work_type = ?"
		args = append(args, opts.WorkType)
	}

	query += " ORDER BY created_at ASC"

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
		return nil, fmt.Errorf("worldqueue/sqlite: list items by status: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// CountItems returns the number of items matching the given options.
func (s *Store) CountItems(ctx context.Context, opts work.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM work_items WHERE 1=1`
	args := []any{}

	if opts.WorkType != "" {
		query += " AND work_type = ?"
		args = append(args, opts.WorkType)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("worldqueue/sqlite: count items: %w", err)
	}
	return count, nil
}

// DeleteItem removes an item by ID.
func (s *Store) DeleteItem(ctx context.Context, itemID id.WorkItemID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, itemID.String())
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: delete item rows affected: %w", err)
	}
	if affected == 0 {
		return worldqueue.ErrItemNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanItem scans a single work item row.
func scanItem(row scanner) (*work.Item, error) {
	var (
		it          work.Item
		idStr       string
		statusStr   string
		claimedStr  string
		claimedAt   sql.NullInt64
		runAt       int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		timeoutNs   int64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&idStr, &it.WorkType, &it.Payload, &statusStr,
		&it.Version, &it.MaxRetries, &it.RetryCount,
		&it.LastError, &claimedStr, &claimedAt,
		&runAt, &startedAt, &completedAt,
		&timeoutNs, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	it.Status = work.Status(statusStr)
	it.Timeout = time.Duration(timeoutNs)
	it.ClaimedAt = fromNsPtr(claimedAt)
	it.RunAt = fromNs(runAt)
	it.StartedAt = fromNsPtr(startedAt)
	it.CompletedAt = fromNsPtr(completedAt)
	it.CreatedAt = fromNs(createdAt)
	it.UpdatedAt = fromNs(updatedAt)

	parsedID, parseErr := id.ParseWorkItemID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: parse item id %q: %w", idStr, parseErr)
	}
	it.ID = parsedID

	if claimedStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(claimedStr); workerErr == nil {
			it.ClaimedBy = parsedWorker
		}
	}

	return &it, nil
}

// collectItems collects all items from query rows.
func collectItems(rows *sql.Rows) ([]*work.Item, error) {
	var items []*work.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("worldqueue/sqlite: scan item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: iterate item rows: %w", err)
	}
	return items, nil
}
