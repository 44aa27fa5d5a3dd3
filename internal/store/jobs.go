package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/troupe/pkg/models"
)

// CreateScheduledJob inserts a job. ID, status, and timestamps are
// filled when empty.
func (s *Store) CreateScheduledJob(ctx context.Context, j *models.ScheduledJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = models.JobPending
	}
	now := s.now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO scheduled_jobs
			(id, user_id, role_id, description, schedule_type, run_at, status,
			 last_run_at, last_error, hold_until, run_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.RoleID, j.Description, string(j.ScheduleType),
		nullTime(j.RunAt), string(j.Status),
		nullTime(j.LastRunAt), nullString(j.LastError), nullTime(j.HoldUntil),
		j.RunCount, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}
	return nil
}

// GetScheduledJob looks a job up by id.
func (s *Store) GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, selectJob+" WHERE id = ?", id)
	return scanJob(row)
}

// ListScheduledJobs returns the user's jobs, newest first.
func (s *Store) ListScheduledJobs(ctx context.Context, userID string) ([]models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJob+" WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetDueOnceJobs returns pending one-shot jobs whose runAt has passed.
func (s *Store) GetDueOnceJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE schedule_type = ? AND status = ? AND run_at IS NOT NULL AND run_at <= ?
		ORDER BY run_at, id`,
		string(models.ScheduleOnce), string(models.JobPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due once jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetPendingRecurringJobs returns recurring jobs eligible to run now:
// pending, and not held back by holdUntil.
func (s *Store) GetPendingRecurringJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE schedule_type = ? AND status = ?
		  AND (hold_until IS NULL OR hold_until <= ?)
		ORDER BY created_at, id`,
		string(models.ScheduleRecurring), string(models.JobPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("pending recurring jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// TransitionJob moves a job from one of the given statuses to the next.
// The guard makes pickup race-free: of two runners only one sees a row
// change. The return reports whether this call performed the move.
func (s *Store) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition job: empty source status set")
	}
	placeholders := strings.Repeat("?, ", len(from)-1) + "?"
	args := []any{string(to), s.now().UTC(), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.exec(ctx,
		"UPDATE scheduled_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN ("+placeholders+")",
		args...)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return n > 0, nil
}

// JobRunResult is the post-execution bookkeeping applied atomically with
// the closing status transition.
type JobRunResult struct {
	Status    models.JobStatus
	LastRunAt time.Time
	LastError string
	HoldUntil *time.Time
	// ClearRunAt drops the one-shot trigger after it fired.
	ClearRunAt bool
	// CountRun increments runCount on successful executions.
	CountRun bool
}

// FinishJobRun records a run's outcome, guarded on the job still being in
// fromStatus so a cancellation that landed mid-run wins.
func (s *Store) FinishJobRun(ctx context.Context, id string, fromStatus models.JobStatus, result JobRunResult) (bool, error) {
	sets := []string{"status = ?", "last_run_at = ?", "last_error = ?", "hold_until = ?", "updated_at = ?"}
	args := []any{
		string(result.Status),
		result.LastRunAt.UTC(),
		nullString(result.LastError),
		nullTime(result.HoldUntil),
		s.now().UTC(),
	}
	if result.ClearRunAt {
		sets = append(sets, "run_at = NULL")
	}
	if result.CountRun {
		sets = append(sets, "run_count = run_count + 1")
	}
	args = append(args, id, string(fromStatus))

	res, err := s.exec(ctx,
		"UPDATE scheduled_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?",
		args...)
	if err != nil {
		return false, fmt.Errorf("finish job run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish job run: %w", err)
	}
	return n > 0, nil
}

// RequeueRunningJobs flips jobs stuck in running back to pending. Called
// at boot: with a single runner per process, any running row is left over
// from an interrupted execution.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int, error) {
	res, err := s.exec(ctx,
		"UPDATE scheduled_jobs SET status = ?, updated_at = ? WHERE status = ?",
		string(models.JobPending), s.now().UTC(), string(models.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	return int(n), nil
}

// DeleteScheduledJob removes a job row outright.
func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM scheduled_jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectJob = `
	SELECT id, user_id, role_id, description, schedule_type, run_at, status,
	       last_run_at, last_error, hold_until, run_count, created_at, updated_at
	FROM scheduled_jobs`

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row jobScanner) (*models.ScheduledJob, error) {
	var (
		j                          models.ScheduledJob
		scheduleType, status       string
		runAt, lastRunAt, holdTill sql.NullTime
		lastError                  sql.NullString
	)
	err := row.Scan(&j.ID, &j.UserID, &j.RoleID, &j.Description, &scheduleType, &runAt, &status,
		&lastRunAt, &lastError, &holdTill, &j.RunCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan scheduled job: %w", err)
	}
	j.ScheduleType = models.ScheduleType(scheduleType)
	j.Status = models.JobStatus(status)
	j.RunAt = timePtr(runAt)
	j.LastRunAt = timePtr(lastRunAt)
	j.LastError = lastError.String
	j.HoldUntil = timePtr(holdTill)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]models.ScheduledJob, error) {
	var out []models.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
