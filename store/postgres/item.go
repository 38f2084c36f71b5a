package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_items (
			id, work_type, payload, status, version, max_retries, retry_count,
			last_error, claimed_by, claimed_at, run_at, started_at, completed_at,
			timeout_ns, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16
		)`,
		it.ID.String(), it.WorkType, it.Payload, string(it.Status),
		it.Version, it.MaxRetries, it.RetryCount,
		it.LastError, it.ClaimedBy.String(), it.ClaimedAt,
		it.RunAt, it.StartedAt, it.CompletedAt,
		it.Timeout.Nanoseconds(), it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return worldqueue.ErrItemAlreadyExists
		}
		return fmt.Errorf("worldqueue/postgres: enqueue item: %w", err)
	}
	return nil
}

// ClaimNextItem atomically claims the oldest eligible pending item.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from blocking on each
// other; the version bump happens in the same statement, so the claim
// itself can never race.
func (s *Store) ClaimNextItem(ctx context.Context, workTypes []string, claimant id.WorkerID) (*work.Item, error) {
	if workTypes == nil {
		workTypes = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET status = 'running',
		    claimed_by = $1,
		    claimed_at = NOW(),
		    started_at = COALESCE(started_at, NOW()),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = 'pending'
			  AND run_at <= NOW()
			  AND (cardinality($2::text[]) = 0 OR work_type = ANY($2))
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+itemColumns,
		claimant.String(), workTypes,
	)

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("worldqueue/postgres: claim item: %w", err)
	}
	return it, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID id.WorkItemID) (*work.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE id = $1`,
		itemID.String(),
	)

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrItemNotFound
		}
		return nil, fmt.Errorf("worldqueue/postgres: get item: %w", err)
	}
	return it, nil
}

// UpdateItem persists changes to an item, conditional on it.Version.
func (s *Store) UpdateItem(ctx context.Context, it *work.Item) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET
			work_type = $3, payload = $4, status = $5,
			max_retries = $6, retry_count = $7, last_error = $8,
			claimed_by = $9, claimed_at = $10, run_at = $11,
			started_at = $12, completed_at = $13, timeout_ns = $14,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		it.ID.String(), it.Version,
		it.WorkType, it.Payload, string(it.Status),
		it.MaxRetries, it.RetryCount, it.LastError,
		it.ClaimedBy.String(), it.ClaimedAt, it.RunAt,
		it.StartedAt, it.CompletedAt, it.Timeout.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.itemWriteFailure(ctx, it.ID)
	}

	it.Version++
	return nil
}

// itemWriteFailure distinguishes a missing row from a stale version.
func (s *Store) itemWriteFailure(ctx context.Context, itemID id.WorkItemID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM work_items WHERE id = $1)`,
		itemID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: check item: %w", err)
	}
	if !exists {
		return worldqueue.ErrItemNotFound
	}
	return worldqueue.ErrVersionConflict
}

// CancelItem transitions a pending item to cancelled.
func (s *Store) CancelItem(ctx context.Context, itemID id.WorkItemID) (*work.Item, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET status = 'cancelled',
		    completed_at = NOW(),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+itemColumns,
		itemID.String(),
	)

	it, err := scanItem(row)
	if err == nil {
		return it, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("worldqueue/postgres: cancel item: %w", err)
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
	cutoff := time.Now().UTC().Add(-threshold)

	failRows, err := s.pool.Query(ctx, `
		UPDATE work_items
		SET status = 'failed',
		    last_error = 'claim expired',
		    completed_at = NOW(),
		    claimed_by = '',
		    claimed_at = NULL,
		    version = version + 1,
		    updated_at = NOW()
		WHERE status = 'running'
		  AND claimed_at IS NOT NULL
		  AND claimed_at <= $1
		  AND retry_count + 1 >= max_retries
		RETURNING `+itemColumns,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: fail stuck items: %w", err)
	}
	failed, err := collectItems(failRows)
	failRows.Close()
	if err != nil {
		return nil, err
	}

	retryRows, err := s.pool.Query(ctx, `
		UPDATE work_items
		SET status = 'pending',
		    last_error = 'claim expired',
		    retry_count = retry_count + 1,
		    run_at = NOW(),
		    claimed_by = '',
		    claimed_at = NULL,
		    version = version + 1,
		    updated_at = NOW()
		WHERE status = 'running'
		  AND claimed_at IS NOT NULL
		  AND claimed_at <= $1
		RETURNING `+itemColumns,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: requeue stuck items: %w", err)
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
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.WorkType != "" {
		query += fmt.Sprintf(" AND work_type = $%d", argIdx)
		args = append(args, opts.WorkType)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

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
		return nil, fmt.Errorf("worldqueue/postgres: list items by status: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// CountItems returns the number of items matching the given options.
func (s *Store) CountItems(ctx context.Context, opts work.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM work_items WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.WorkType != "" {
		query += fmt.Sprintf(" AND work_type = $%d", argIdx)
		args = append(args, opts.WorkType)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("worldqueue/postgres: count items: %w", err)
	}
	return count, nil
}

// DeleteItem removes an item by ID.
func (s *Store) DeleteItem(ctx context.Context, itemID id.WorkItemID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM work_items WHERE id = $1`, itemID.String())
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worldqueue.ErrItemNotFound
	}
	return nil
}

// scanItem scans a single work item row.
func scanItem(row pgx.Row) (*work.Item, error) {
	var (
		it         work.Item
		idStr      string
		statusStr  string
		claimedStr string
		timeoutNs  int64
	)
	err := row.Scan(
		&idStr, &it.WorkType, &it.Payload, &statusStr,
		&it.Version, &it.MaxRetries, &it.RetryCount,
		&it.LastError, &claimedStr, &it.ClaimedAt,
		&it.RunAt, &it.StartedAt, &it.CompletedAt,
		&timeoutNs, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	it.Status = work.Status(statusStr)
	it.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseWorkItemID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/postgres: parse item id %q: %w", idStr, parseErr)
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
func collectItems(rows pgx.Rows) ([]*work.Item, error) {
	var items []*work.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("worldqueue/postgres: scan item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: iterate item rows: %w", err)
	}
	return items, nil
}
