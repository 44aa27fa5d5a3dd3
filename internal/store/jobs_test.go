package store

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/troupe/pkg/models"
)

func TestGetDueOnceJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	jobs := []*models.ScheduledJob{
		{ID: "due", UserID: "u1", RoleID: "r1", Description: "due job", ScheduleType: models.ScheduleOnce, RunAt: &past},
		{ID: "later", UserID: "u1", RoleID: "r1", Description: "later job", ScheduleType: models.ScheduleOnce, RunAt: &future},
		{ID: "recurring", UserID: "u1", RoleID: "r1", Description: "[every 1h] poll", ScheduleType: models.ScheduleRecurring},
	}
	for _, j := range jobs {
		if err := s.CreateScheduledJob(ctx, j); err != nil {
			t.Fatalf("CreateScheduledJob(%s) error = %v", j.ID, err)
		}
	}

	due, err := s.GetDueOnceJobs(ctx, now)
	if err != nil {
		t.Fatalf("GetDueOnceJobs() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Errorf("due = %+v, want only the past-due once job", due)
	}
}

func TestGetPendingRecurringJobsHoldUntil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	held := now.Add(30 * time.Minute)
	released := now.Add(-time.Minute)
	jobs := []*models.ScheduledJob{
		{ID: "free", UserID: "u1", RoleID: "r1", Description: "[every 1h] a", ScheduleType: models.ScheduleRecurring},
		{ID: "held", UserID: "u1", RoleID: "r1", Description: "[every 1h] b", ScheduleType: models.ScheduleRecurring, HoldUntil: &held},
		{ID: "released", UserID: "u1", RoleID: "r1", Description: "[every 1h] c", ScheduleType: models.ScheduleRecurring, HoldUntil: &released},
	}
	for _, j := range jobs {
		if err := s.CreateScheduledJob(ctx, j); err != nil {
			t.Fatalf("CreateScheduledJob(%s) error = %v", j.ID, err)
		}
	}

	pending, err := s.GetPendingRecurringJobs(ctx, now)
	if err != nil {
		t.Fatalf("GetPendingRecurringJobs() error = %v", err)
	}
	got := map[string]bool{}
	for _, j := range pending {
		got[j.ID] = true
	}
	if !got["free"] || !got["released"] || got["held"] {
		t.Errorf("pending = %v, want free+released without held", got)
	}
}

func TestTransitionJobGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &models.ScheduledJob{UserID: "u1", RoleID: "r1", Description: "x", ScheduleType: models.ScheduleOnce}
	if err := s.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("CreateScheduledJob() error = %v", err)
	}

	won, err := s.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobRunning)
	if err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}
	if !won {
		t.Fatal("first transition should win")
	}

	// A second pickup must lose: the job is no longer pending.
	won, err = s.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobRunning)
	if err != nil {
		t.Fatalf("TransitionJob() second error = %v", err)
	}
	if won {
		t.Error("second transition should be a no-op")
	}

	// A from-set that omits running must not catch a running job.
	won, err = s.TransitionJob(ctx, job.ID,
		[]models.JobStatus{models.JobPending, models.JobFailed}, models.JobCancelled)
	if err != nil {
		t.Fatalf("TransitionJob() cancel error = %v", err)
	}
	if won {
		t.Error("cancel of a running job should not apply")
	}
}

func TestFinishJobRunRecurring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := &models.ScheduledJob{UserID: "u1", RoleID: "r1", Description: "[every 2h] sync", ScheduleType: models.ScheduleRecurring}
	if err := s.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("CreateScheduledJob() error = %v", err)
	}
	if _, err := s.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobRunning); err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}

	hold := now.Add(2 * time.Hour)
	applied, err := s.FinishJobRun(ctx, job.ID, models.JobRunning, JobRunResult{
		Status:    models.JobPending,
		LastRunAt: now,
		HoldUntil: &hold,
		CountRun:  true,
	})
	if err != nil {
		t.Fatalf("FinishJobRun() error = %v", err)
	}
	if !applied {
		t.Fatal("FinishJobRun() should apply while running")
	}

	got, err := s.GetScheduledJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetScheduledJob() error = %v", err)
	}
	if got.Status != models.JobPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if got.HoldUntil == nil || !got.HoldUntil.Equal(hold) {
		t.Errorf("HoldUntil = %v, want %v", got.HoldUntil, hold)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, now)
	}
}

func TestRequeueRunningJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobs := []*models.ScheduledJob{
		{ID: "stuck", UserID: "u1", RoleID: "r1", Description: "x", ScheduleType: models.ScheduleOnce},
		{ID: "done", UserID: "u1", RoleID: "r1", Description: "y", ScheduleType: models.ScheduleOnce},
	}
	for _, j := range jobs {
		if err := s.CreateScheduledJob(ctx, j); err != nil {
			t.Fatalf("CreateScheduledJob(%s) error = %v", j.ID, err)
		}
	}
	if _, err := s.TransitionJob(ctx, "stuck", []models.JobStatus{models.JobPending}, models.JobRunning); err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}
	if _, err := s.TransitionJob(ctx, "done", []models.JobStatus{models.JobPending}, models.JobCompleted); err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}

	n, err := s.RequeueRunningJobs(ctx)
	if err != nil {
		t.Fatalf("RequeueRunningJobs() error = %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	stuck, err := s.GetScheduledJob(ctx, "stuck")
	if err != nil {
		t.Fatalf("GetScheduledJob() error = %v", err)
	}
	if stuck.Status != models.JobPending {
		t.Errorf("stuck Status = %v, want pending", stuck.Status)
	}
	done, err := s.GetScheduledJob(ctx, "done")
	if err != nil {
		t.Fatalf("GetScheduledJob() error = %v", err)
	}
	if done.Status != models.JobCompleted {
		t.Errorf("completed Status = %v, want untouched", done.Status)
	}
}

func TestFinishJobRunLosesToCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &models.ScheduledJob{UserID: "u1", RoleID: "r1", Description: "x", ScheduleType: models.ScheduleOnce}
	if err := s.CreateScheduledJob(ctx, job); err != nil {
		t.Fatalf("CreateScheduledJob() error = %v", err)
	}

	// Job was cancelled while the runner thought it was running.
	if _, err := s.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobCancelled); err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}

	applied, err := s.FinishJobRun(ctx, job.ID, models.JobRunning, JobRunResult{
		Status: models.JobCompleted, LastRunAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("FinishJobRun() error = %v", err)
	}
	if applied {
		t.Error("FinishJobRun() must not overwrite a cancellation")
	}
}
