package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/emberhollow/worldqueue"
	"github.com/emberhollow/worldqueue/id"
	"github.com/emberhollow/worldqueue/turn"
)

const turnJobColumns = `
	id, government_id, government_name, turn_date, status, error_message,
	version, created_at, updated_at`

// CreateTurnJob persists a new turn job.
func (s *Store) CreateTurnJob(ctx context.Context, j *turn.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dominion_turn_jobs (
			id, government_id, government_name, turn_date, status,
			error_message, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID.String(), j.GovernmentID, j.GovernmentName, j.TurnDate,
		string(j.Status), j.ErrorMessage, j.Version, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: create turn job: %w", err)
	}
	return nil
}

// GetTurnJob retrieves a turn job by ID.
func (s *Store) GetTurnJob(ctx context.Context, jobID id.TurnJobID) (*turn.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+turnJobColumns+` FROM dominion_turn_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanTurnJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, worldqueue.ErrTurnJobNotFound
		}
		return nil, fmt.Errorf("worldqueue/postgres: get turn job: %w", err)
	}
	return j, nil
}

// UpdateTurnJob persists changes to a turn job, conditional on j.Version.
func (s *Store) UpdateTurnJob(ctx context.Context, j *turn.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dominion_turn_jobs SET
			government_id = $3, government_name = $4, turn_date = $5,
			status = $6, error_message = $7,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`,
		j.ID.String(), j.Version,
		j.GovernmentID, j.GovernmentName, j.TurnDate,
		string(j.Status), j.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: update turn job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM dominion_turn_jobs WHERE id = $1)`,
			j.ID.String(),
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("worldqueue/postgres: check turn job: %w", checkErr)
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
	argIdx := 1

	if f.GovernmentID != "" {
		query += fmt.Sprintf(" AND government_id = $%d", argIdx)
		args = append(args, f.GovernmentID)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if !f.TurnDateFrom.IsZero() {
		query += fmt.Sprintf(" AND turn_date >= $%d", argIdx)
		args = append(args, f.TurnDateFrom)
		argIdx++
	}
	if !f.TurnDateTo.IsZero() {
		query += fmt.Sprintf(" AND turn_date < $%d", argIdx)
		args = append(args, f.TurnDateTo)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: list turn jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*turn.Job
	for rows.Next() {
		j, scanErr := scanTurnJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("worldqueue/postgres: scan turn job row: %w", scanErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worldqueue/postgres: iterate turn job rows: %w", err)
	}
	return jobs, nil
}

// DeleteTurnJob removes a turn job by ID.
func (s *Store) DeleteTurnJob(ctx context.Context, jobID id.TurnJobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dominion_turn_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("worldqueue/postgres: delete turn job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return worldqueue.ErrTurnJobNotFound
	}
	return nil
}

// scanTurnJob scans a single turn job row.
func scanTurnJob(row pgx.Row) (*turn.Job, error) {
	var (
		j         turn.Job
		idStr     string
		statusStr string
	)
	err := row.Scan(
		&idStr, &j.GovernmentID, &j.GovernmentName, &j.TurnDate,
		&statusStr, &j.ErrorMessage, &j.Version, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = turn.Status(statusStr)

	parsedID, parseErr := id.ParseTurnJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("worldqueue/postgres: parse turn job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	return &j, nil
}
