package web

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/haasonsaas/troupe/pkg/models"
)

func (f *webFixture) createJob(userID, roleID, description string) *models.ScheduledJob {
	f.t.Helper()
	runAt := time.Now().Add(time.Hour).UTC()
	job := &models.ScheduledJob{
		UserID:       userID,
		RoleID:       roleID,
		Description:  description,
		ScheduleType: models.ScheduleOnce,
		RunAt:        &runAt,
	}
	if err := f.store.CreateScheduledJob(context.Background(), job); err != nil {
		f.t.Fatalf("create job: %v", err)
	}
	return job
}

func TestScheduledJobsList(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")
	f.createJob(user.ID, role.ID, "remind me to stand up")

	rec := f.do(http.MethodGet, "/api/scheduled-jobs", nil, session)
	jobs := wantSuccess(t, rec)["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	job := jobs[0].(map[string]any)
	if job["status"] != "pending" {
		t.Errorf("status = %v, want pending", job["status"])
	}
	if job["description"] != "remind me to stand up" {
		t.Errorf("description = %v", job["description"])
	}
}

func TestCancelScheduledJob(t *testing.T) {
	f := newWebFixture(t)
	user, session := f.signup("ada@example.com")
	role := f.createRole(user.ID, "Concierge")
	job := f.createJob(user.ID, role.ID, "send the weekly digest")

	rec := f.do(http.MethodDelete, "/api/scheduled-jobs/"+job.ID, nil, session)
	if data := wantSuccess(t, rec); data["cancelled"] != true {
		t.Errorf("cancelled = %v, want true", data["cancelled"])
	}

	stored, err := f.store.GetScheduledJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != models.JobCancelled {
		t.Errorf("status = %s, want %s", stored.Status, models.JobCancelled)
	}

	// A second delete finds the job in a terminal state and removes the
	// row entirely.
	rec = f.do(http.MethodDelete, "/api/scheduled-jobs/"+job.ID, nil, session)
	if data := wantSuccess(t, rec); data["deleted"] != true {
		t.Errorf("deleted = %v, want true", data["deleted"])
	}

	rec = f.do(http.MethodGet, "/api/scheduled-jobs", nil, session)
	if jobs := wantSuccess(t, rec)["jobs"].([]any); len(jobs) != 0 {
		t.Errorf("jobs after delete = %d, want 0", len(jobs))
	}
}

func TestDeleteForeignJobReadsAsMissing(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")
	other, _ := f.signup("bob@example.com")
	role := f.createRole(other.ID, "Bob's role")
	job := f.createJob(other.ID, role.ID, "bob's reminder")

	rec := f.do(http.MethodDelete, "/api/scheduled-jobs/"+job.ID, nil, session)
	if msg := wantFailure(t, rec); msg != "job not found" {
		t.Errorf("message = %q", msg)
	}

	// Bob's job is untouched.
	stored, err := f.store.GetScheduledJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != models.JobPending {
		t.Errorf("status = %s, want %s", stored.Status, models.JobPending)
	}
}

func TestDeleteMissingJob(t *testing.T) {
	f := newWebFixture(t)
	_, session := f.signup("ada@example.com")

	rec := f.do(http.MethodDelete, "/api/scheduled-jobs/nope", nil, session)
	if msg := wantFailure(t, rec); msg != "job not found" {
		t.Errorf("message = %q", msg)
	}
}
