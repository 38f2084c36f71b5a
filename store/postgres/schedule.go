package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/schedule"
)

const scheduleColumns = `
	id, name, spec, work_type, payload, last_run_at, next_run_at,
	locked_by, locked_until, enabled, created_at, updated_at`

// CreateSchedule persists a new schedule entry.
func (s *Store) CreateSchedule(ctx context.Context, entry *schedule.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (
			id, name, spec, work_type, payload, last_run_at, next_run_at,
			locked_by, locked_until, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID.String(), entry.Name, entry.Spec, entry.WorkType,
		entry.Payload, entry.LastRunAt, entry.NextRunAt,
		entry.LockedBy.String(), entry.LockedUntil, entry.Enabled,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return worldqueue.ErrDuplicateSchedule
		}
		return fmt.Errorf("worldqueue/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("worldqueue/postgres: get schedule: %w", err)
	}
	return entry, nil
}

// ListSchedules returns all schedule entries.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*schedule.Entry
	for rows.Next() {
		entry, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("worldqueue/postgres: scan schedule row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: iterate schedule rows: %w", err)
	}
	return entries, nil
}

// AcquireScheduleLock attempts to lock an entry for firing. The lock is
// taken in a single conditional UPDATE, so concurrent schedulers cannot
// both acquire it.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET locked_by = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (locked_until IS NULL OR locked_until <= NOW() OR locked_by = $2)`,
		entryID.String(), workerID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("worldqueue/postgres: acquire schedule lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseScheduleLock releases the lock held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET locked_by = '', locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: release schedule lock: %w", err)
	}
	return nil
}

// UpdateSchedule updates a schedule entry.
func (s *Store) UpdateSchedule(ctx context.Context, entry *schedule.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			name = $2, spec = $3, work_type = $4, payload = $5,
			last_run_at = $6, next_run_at = $7, enabled = $8,
			updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Name, entry.Spec, entry.WorkType,
		entry.Payload, entry.LastRunAt, entry.NextRunAt, entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worldqueue.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worldqueue.ErrScheduleNotFound
	}
	return nil
}

// scanSchedule scans a single schedule row.
func scanSchedule(row pgx.Row) (*schedule.Entry, error) {
	var (
		entry     schedule.Entry
		idStr     string
		lockedStr string
	)
	err := row.Scan(
		&idStr, &entry.Name, &entry.Spec, &entry.WorkType, &entry.Payload,
		&entry.LastRunAt, &entry.NextRunAt, &lockedStr, &entry.LockedUntil,
		&entry.Enabled, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseScheduleID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/postgres: parse schedule id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	if lockedStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(lockedStr); workerErr == nil {
			entry.LockedBy = parsedWorker
		}
	}

	return &entry, nil
}
