package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

type fakeTurns struct {
	mu    sync.Mutex
	calls []*chat.Turn
	text  string
	err   error
	onRun func(turn *chat.Turn)
}

func (f *fakeTurns) RunHeadless(ctx context.Context, turn *chat.Turn) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, turn)
	onRun := f.onRun
	text, err := f.text, f.err
	f.mu.Unlock()

	if onRun != nil {
		onRun(turn)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (f *fakeTurns) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type runnerFixture struct {
	t      *testing.T
	store  *store.Store
	turns  *fakeTurns
	runner *Runner
	now    time.Time
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		t:     t,
		now:   time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		turns: &fakeTurns{text: "all done"},
	}
	clock := func() time.Time { return f.now }
	s, err := store.Open(":memory:", store.WithNow(clock))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f.store = s
	f.runner = NewRunner(s, f.turns, config.JobsConfig{}, WithNow(clock))
	return f
}

func (f *runnerFixture) createJob(j *models.ScheduledJob) *models.ScheduledJob {
	f.t.Helper()
	if j.UserID == "" {
		j.UserID = "u1"
	}
	if j.RoleID == "" {
		j.RoleID = "r1"
	}
	if err := f.store.CreateScheduledJob(context.Background(), j); err != nil {
		f.t.Fatalf("CreateScheduledJob() error = %v", err)
	}
	return j
}

func (f *runnerFixture) job(id string) *models.ScheduledJob {
	f.t.Helper()
	j, err := f.store.GetScheduledJob(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetScheduledJob(%s) error = %v", id, err)
	}
	return j
}

func TestRunOnceExecutesDueOnceJob(t *testing.T) {
	f := newRunnerFixture(t)
	runAt := f.now.Add(-time.Minute)
	job := f.createJob(&models.ScheduledJob{
		Description: "send the weekly report", ScheduleType: models.ScheduleOnce, RunAt: &runAt,
	})

	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	if f.turns.callCount() != 1 {
		t.Fatalf("RunHeadless calls = %d, want 1", f.turns.callCount())
	}
	turn := f.turns.calls[0]
	if turn.UserID != "u1" || turn.RoleID != "r1" {
		t.Errorf("turn routed to %s/%s, want u1/r1", turn.UserID, turn.RoleID)
	}
	if len(turn.Messages) != 1 || turn.Messages[0].Content != "send the weekly report" {
		t.Errorf("turn messages = %+v, want the description as one user message", turn.Messages)
	}
	if turn.Messages[0].Role != models.MessageRoleUser {
		t.Errorf("message role = %q, want user", turn.Messages[0].Role)
	}

	got := f.job(job.ID)
	if got.Status != models.JobCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if got.RunAt != nil {
		t.Errorf("RunAt = %v, want cleared", got.RunAt)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(f.now) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, f.now)
	}
}

func TestRunOnceSkipsFutureAndHeldJobs(t *testing.T) {
	f := newRunnerFixture(t)
	future := f.now.Add(time.Hour)
	f.createJob(&models.ScheduledJob{
		Description: "later", ScheduleType: models.ScheduleOnce, RunAt: &future,
	})
	hold := f.now.Add(30 * time.Minute)
	f.createJob(&models.ScheduledJob{
		Description: "[every 1h] held back", ScheduleType: models.ScheduleRecurring, HoldUntil: &hold,
	})

	if n := f.runner.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce() = %d, want 0", n)
	}
	if f.turns.callCount() != 0 {
		t.Errorf("RunHeadless calls = %d, want 0", f.turns.callCount())
	}
}

func TestRunOnceReschedulesRecurring(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.createJob(&models.ScheduledJob{
		Description: "[every 2h] sync the calendar", ScheduleType: models.ScheduleRecurring,
	})

	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	if got := f.turns.calls[0].Messages[0].Content; got != "sync the calendar" {
		t.Errorf("instruction = %q, want the cadence directive stripped", got)
	}

	got := f.job(job.ID)
	if got.Status != models.JobPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
	if got.HoldUntil == nil || !got.HoldUntil.Equal(f.now.Add(2*time.Hour)) {
		t.Errorf("HoldUntil = %v, want %v", got.HoldUntil, f.now.Add(2*time.Hour))
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}

	// Held until the next slot: an immediate pass must not re-run it.
	if n := f.runner.RunOnce(context.Background()); n != 0 {
		t.Errorf("second RunOnce() = %d, want 0", n)
	}
}

func TestRunOnceFailureBacksOffAndRecovers(t *testing.T) {
	f := newRunnerFixture(t)
	f.turns.err = errors.New("upstream exploded")
	job := f.createJob(&models.ScheduledJob{
		Description: "[every 10m] poll feeds", ScheduleType: models.ScheduleRecurring,
	})

	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	got := f.job(job.ID)
	if got.Status != models.JobPending {
		t.Fatalf("Status = %v, want pending", got.Status)
	}
	if !strings.Contains(got.LastError, "upstream exploded") {
		t.Errorf("LastError = %q, want the run error", got.LastError)
	}
	if got.HoldUntil == nil || !got.HoldUntil.Equal(f.now.Add(time.Minute)) {
		t.Errorf("HoldUntil = %v, want %v", got.HoldUntil, f.now.Add(time.Minute))
	}
	if got.RunCount != 0 {
		t.Errorf("RunCount = %d, want 0", got.RunCount)
	}

	// A second failure doubles the hold.
	f.now = f.now.Add(2 * time.Minute)
	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("second RunOnce() = %d, want 1", n)
	}
	got = f.job(job.ID)
	if got.HoldUntil == nil || !got.HoldUntil.Equal(f.now.Add(2*time.Minute)) {
		t.Errorf("HoldUntil after second failure = %v, want %v", got.HoldUntil, f.now.Add(2*time.Minute))
	}

	// Success clears the error, reschedules on cadence, and resets the
	// failure streak.
	f.turns.err = nil
	f.now = f.now.Add(3 * time.Minute)
	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("third RunOnce() = %d, want 1", n)
	}
	got = f.job(job.ID)
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}
	if got.HoldUntil == nil || !got.HoldUntil.Equal(f.now.Add(10*time.Minute)) {
		t.Errorf("HoldUntil after success = %v, want cadence slot %v", got.HoldUntil, f.now.Add(10*time.Minute))
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
}

func TestRunOnceOnceJobFailsForGood(t *testing.T) {
	f := newRunnerFixture(t)
	f.turns.err = errors.New("no provider configured")
	runAt := f.now.Add(-time.Second)
	job := f.createJob(&models.ScheduledJob{
		Description: "remind me to file taxes", ScheduleType: models.ScheduleOnce, RunAt: &runAt,
	})

	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	got := f.job(job.ID)
	if got.Status != models.JobFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("LastError should be recorded")
	}

	// Failed once jobs are never picked up again.
	f.now = f.now.Add(time.Hour)
	if n := f.runner.RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce() after failure = %d, want 0", n)
	}
}

func TestRunOnceUnparseableCadenceFails(t *testing.T) {
	f := newRunnerFixture(t)
	job := f.createJob(&models.ScheduledJob{
		Description: "whenever you feel like it, tidy up", ScheduleType: models.ScheduleRecurring,
	})

	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	if f.turns.callCount() != 0 {
		t.Errorf("RunHeadless calls = %d, want 0", f.turns.callCount())
	}
	got := f.job(job.ID)
	if got.Status != models.JobFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("LastError should name the cadence problem")
	}
}

func TestCancelPendingJob(t *testing.T) {
	f := newRunnerFixture(t)
	runAt := f.now.Add(-time.Second)
	job := f.createJob(&models.ScheduledJob{
		Description: "cancel me", ScheduleType: models.ScheduleOnce, RunAt: &runAt,
	})

	ok, err := f.runner.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !ok {
		t.Fatal("Cancel() should apply to a pending job")
	}
	if got := f.job(job.ID); got.Status != models.JobCancelled {
		t.Errorf("Status = %v, want cancelled", got.Status)
	}
	if n := f.runner.RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce() after cancel = %d, want 0", n)
	}
}

func TestCancelMidRunDiscardsOutcome(t *testing.T) {
	f := newRunnerFixture(t)
	runAt := f.now.Add(-time.Second)
	job := f.createJob(&models.ScheduledJob{
		Description: "long haul", ScheduleType: models.ScheduleOnce, RunAt: &runAt,
	})
	f.turns.onRun = func(*chat.Turn) {
		if _, err := f.runner.Cancel(context.Background(), job.ID); err != nil {
			t.Errorf("Cancel() error = %v", err)
		}
	}

	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	got := f.job(job.ID)
	if got.Status != models.JobCancelled {
		t.Errorf("Status = %v, want the cancellation to survive the finished run", got.Status)
	}
	if got.RunCount != 0 {
		t.Errorf("RunCount = %d, want 0", got.RunCount)
	}
}

func TestRoleBusyDefersJob(t *testing.T) {
	f := newRunnerFixture(t)
	f.turns.err = chat.NewError(chat.KindRoleBusy, "")
	runAt := f.now.Add(-time.Second)
	job := f.createJob(&models.ScheduledJob{
		Description: "remind me to stretch", ScheduleType: models.ScheduleOnce, RunAt: &runAt,
	})

	if n := f.runner.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce() = %d, want 0 for a deferred job", n)
	}
	got := f.job(job.ID)
	if got.Status != models.JobPending {
		t.Fatalf("Status = %v, want pending", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want empty", got.LastError)
	}

	// The role freed up: the next pass runs the job.
	f.turns.err = nil
	if n := f.runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("second RunOnce() = %d, want 1", n)
	}
	if got := f.job(job.ID); got.Status != models.JobCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}
}

func TestStartRequeuesInterruptedJobs(t *testing.T) {
	f := newRunnerFixture(t)
	runAt := f.now.Add(-time.Second)
	job := f.createJob(&models.ScheduledJob{
		Description: "was mid-flight", ScheduleType: models.ScheduleOnce, RunAt: &runAt,
	})
	if _, err := f.store.TransitionJob(context.Background(), job.ID,
		[]models.JobStatus{models.JobPending}, models.JobRunning); err != nil {
		t.Fatalf("TransitionJob() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Requeue happens synchronously in Start; the default 30s tick
	// cannot fire before this look.
	if got := f.job(job.ID); got.Status != models.JobPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}
	cancel()
	if err := f.runner.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
