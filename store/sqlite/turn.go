package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/turn"
)

const turnJobColumns = `
	id, government_id, government_name, turn_date, status, error_message,
	version, created_at, updated_at`

// CreateTurnJob persists a new turn job.
func (s *Store) CreateTurnJob(ctx context.Context, j *turn.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dominion_turn_jobs (
			id, government_id, government_name, turn_date, status,
			error_message, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.GovernmentID, j.GovernmentName, ns(j.TurnDate),
		string(j.Status), j.ErrorMessage, j.Version, ns(j.CreatedAt), ns(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: create turn job: %w", err)
	}
	return nil
}

// GetTurnJob retrieves a turn job by ID.
func (s *Store) GetTurnJob(ctx context.Context, jobID id.TurnJobID) (*turn.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+turnJobColumns+` FROM dominion_turn_jobs WHERE id = ?`,
		jobID.String(),
	)

	j, err := scanTurnJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrTurnJobNotFound
		}
		return nil, fmt.Errorf("worldqueue/sqlite: get turn job: %w", err)
	}
	return j, nil
}

// UpdateTurnJob persists changes to a turn job, conditional on j.Version.
func (s *Store) UpdateTurnJob(ctx context.Context, j *turn.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dominion_turn_jobs SET
			government_id = ?, government_name = ?, turn_date = ?,
			status = ?, error_message = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		j.GovernmentID, j.GovernmentName, ns(j.TurnDate),
		string(j.Status), j.ErrorMessage, ns(time.Now().UTC()),
		j.ID.String(), j.Version,
	)
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: update turn job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: update turn job rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM dominion_turn_jobs WHERE id = ?)`,
			j.ID.String(),
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("worldqueue/sqlite: check turn job: %w", checkErr)
		}
		if !exists {
			return worldqueue.ErrTurnJobNotFound
		}
		return worldqueue.ErrVersionConflict
	}

	j.Version++
	return nil
}

// ListTurnJobs returns turn jobs matching the filter, newest first.
func (s *Store) ListTurnJobs(ctx context.Context, f turn.Filter) ([]*turn.Job, error) {
	query := `SELECT ` + turnJobColumns + ` FROM dominion_turn_jobs WHERE 1=1`
	args := []any{}

	if f.GovernmentID != "" {
		query += " AND government_id = ?"
		args = append(args, f.GovernmentID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.TurnDateFrom.IsZero() {
		query += " AND turn_date >= ?"
		args = append(args, ns(f.TurnDateFrom))
	}
	if !f.TurnDateTo.IsZero() {
		query += " AND turn_date < ?"
		args = append(args, ns(f.TurnDateTo))
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: list turn jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*turn.Job
	for rows.Next() {
		j, scanErr := scanTurnJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("worldqueue/sqlite: scan turn job row: %w", scanErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: iterate turn job rows: %w", err)
	}
	return jobs, nil
}

// DeleteTurnJob removes a turn job by ID.
func (s *Store) DeleteTurnJob(ctx context.Context, jobID id.TurnJobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dominion_turn_jobs WHERE id = ?`, jobID.String())
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: delete turn job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worldqueue/sqlite: delete turn job rows affected: %w", err)
	}
	if affected == 0 {
		return worldqueue.ErrTurnJobNotFound
	}
	return nil
}

// scanTurnJob scans a single turn job row.
func scanTurnJob(row scanner) (*turn.Job, error) {
	var (
		j         turn.Job
		idStr     string
		statusStr string
		turnDate  int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&idStr, &j.GovernmentID, &j.GovernmentName, &turnDate,
		&statusStr, &j.ErrorMessage, &j.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = turn.Status(statusStr)
	j.TurnDate = fromNs(turnDate)
	j.CreatedAt = fromNs(createdAt)
	j.UpdatedAt = fromNs(updatedAt)

	parsedID, parseErr := id.ParseTurnJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/sqlite: parse turn job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	return &j, nil
}
