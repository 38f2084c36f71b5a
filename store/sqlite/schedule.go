package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/schedule"
)

const scheduleColumns = `
	id, name, spec, work_type, payload, last_run_at, next_run_at,
	locked_by, locked_until, enabled, created_at, updated_at`

// CreateSchedule persists a new schedule entry.
func (s *Store) CreateSchedule(ctx context.Context, entry *schedule.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, name, spec, work_type, payload, last_run_at, next_run_at,
			locked_by, locked_until, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Name, entry.Spec, entry.WorkType,
		entry.Payload, nsPtr(entry.LastRunAt), nsPtr(entry.NextRunAt),
		entry.LockedBy.String(), nsPtr(entry.LockedUntil), entry.Enabled,
		ns(entry.CreatedAt), ns(entry.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return worldqueue.ErrDuplicateSchedule
		}
		return fmt.Errorf("worldqueue/sqlite: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`,
		entryID.String(),
	)

	entry, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("worldqueue/sqlite: get schedule: %w", err)
	}
	return entry, nil
}

// ListSchedules returns all schedule entries.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*schedule.Entry
	for rows.Next() {
		entry, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("worldqueue/sqlite: scan schedule row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: iterate schedule rows: %w", err)
	}
	return entries, nil
}

// AcquireScheduleLock attempts to lock an entry for firing.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET locked_by = ?, locked_until = ?, updated_at = ?
		WHERE id = ?
		  AND (locked_until IS NULL OR locked_until <= ? OR locked_by = ?)`,
		workerID.String(), ns(until), ns(now),
		entryID.String(), ns(now), workerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("worldqueue/sqlite: acquire schedule lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("worldqueue/sqlite: acquire lock rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseScheduleLock releases the lock held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET locked_by = '', locked_until = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ?`,
		ns(time.Now().UTC()), entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: release schedule lock: %w", err)
	}
	return nil
}

// UpdateSchedule updates a schedule entry.
func (s *Store) UpdateSchedule(ctx context.Context, entry *schedule.Entry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			name = ?, spec = ?, work_type = ?, payload = ?,
			last_run_at = ?, next_run_at = ?, enabled = ?,
			updated_at = ?
		WHERE id = ?`,
		entry.Name, entry.Spec, entry.WorkType, entry.Payload,
		nsPtr(entry.LastRunAt), nsPtr(entry.NextRunAt), entry.Enabled,
		ns(time.Now().UTC()), entry.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: update schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: update schedule rows affected: %w", err)
	}
	if affected == 0 {
		return worldqueue.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, entryID.String())
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: delete schedule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: delete schedule rows affected: %w", err)
	}
	if affected == 0 {
		return worldqueue.ErrScheduleNotFound
	}
	return nil
}

// scanSchedule scans a single schedule row.
func scanSchedule(row scanner) (*schedule.Entry, error) {
	var (
		entry       schedule.Entry
		idStr       string
		lockedStr   string
		lastRunAt   sql.NullInt64
		nextRunAt   sql.NullInt64
		lockedUntil sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&idStr, &entry.Name, &entry.Spec, &entry.WorkType, &entry.Payload,
		&lastRunAt, &nextRunAt, &lockedStr, &lockedUntil,
		&entry.Enabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.LastRunAt = fromNsPtr(lastRunAt)
	entry.NextRunAt = fromNsPtr(nextRunAt)
	entry.LockedUntil = fromNsPtr(lockedUntil)
	entry.CreatedAt = fromNs(createdAt)
	entry.UpdatedAt = fromNs(updatedAt)

	parsedID, parseErr := id.ParseScheduleID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: parse schedule id %q: %w", idStr, parseErr)
	}
	entry.ID = parsedID

	if lockedStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(lockedStr); workerErr == nil {
			entry.LockedBy = parsedWorker
		}
	}

	return &entry, nil
}
