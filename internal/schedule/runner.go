package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/troupe/internal/backoff"
	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/observability"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/pkg/models"
)

// TurnRunner executes a synthesized turn without a client connection and
// returns the assistant's final text.
type TurnRunner interface {
	RunHeadless(ctx context.Context, turn *chat.Turn) (string, error)
}

// Runner drains due scheduled jobs from the store and executes each as a
// headless turn. One instance runs per process; the conditional status
// transitions in the store keep a restarted or duplicate instance from
// double-executing a job.
type Runner struct {
	store   *store.Store
	turns   TurnRunner
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	now     func() time.Time

	tickInterval time.Duration
	maxRuntime   time.Duration
	retryPolicy  backoff.Policy

	mu       sync.Mutex
	started  bool
	failures map[string]int // consecutive failures per recurring job
	wg       sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTickInterval overrides how often the runner checks for due jobs.
func WithTickInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tickInterval = d
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer attaches OpenTelemetry tracing.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner builds a job runner executing turns through turns.
func NewRunner(st *store.Store, turns TurnRunner, cfg config.JobsConfig, opts ...Option) *Runner {
	r := &Runner{
		store:        st,
		turns:        turns,
		logger:       slog.Default().With("component", "schedule"),
		now:          time.Now,
		tickInterval: cfg.TickInterval,
		maxRuntime:   cfg.MaxRuntime,
		retryPolicy:  backoff.Policy{Initial: time.Minute, Max: time.Hour},
		failures:     make(map[string]int),
	}
	if r.tickInterval <= 0 {
		r.tickInterval = 30 * time.Second
	}
	if r.maxRuntime <= 0 {
		r.maxRuntime = 15 * time.Minute
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start requeues jobs interrupted by a previous shutdown, then ticks
// until the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if n, err := r.store.RequeueRunningJobs(ctx); err != nil {
		r.logger.Error("requeue interrupted jobs failed", "error", err)
	} else if n > 0 {
		r.logger.Info("requeued interrupted jobs", "count", n)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop, and any job in flight, to finish.
func (r *Runner) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one pickup pass immediately (primarily for tests) and
// returns the number of jobs executed.
func (r *Runner) RunOnce(ctx context.Context) int {
	if r == nil {
		return 0
	}
	return r.runDue(ctx)
}

// Cancel stops a job. Pending and failed jobs flip to cancelled
// immediately; a running job keeps executing, but the guarded finish
// discards its outcome. The return reports whether a transition applied.
func (r *Runner) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.TransitionJob(ctx, id,
		[]models.JobStatus{models.JobPending, models.JobFailed, models.JobRunning},
		models.JobCancelled)
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		delete(r.failures, id)
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *Runner) runDue(ctx context.Context) int {
	now := r.now()
	count := 0

	once, err := r.store.GetDueOnceJobs(ctx, now)
	if err != nil {
		r.logger.Error("due job query failed", "error", err)
	}
	recurring, err := r.store.GetPendingRecurringJobs(ctx, now)
	if err != nil {
		r.logger.Error("recurring job query failed", "error", err)
	}

	for i := range once {
		if r.runJob(ctx, &once[i]) {
			count++
		}
	}
	for i := range recurring {
		if r.runJob(ctx, &recurring[i]) {
			count++
		}
	}
	return count
}

// runJob picks up one job, executes it, and records the outcome. The
// return reports whether the job actually ran.
func (r *Runner) runJob(ctx context.Context, job *models.ScheduledJob) bool {
	picked, err := r.store.TransitionJob(ctx, job.ID,
		[]models.JobStatus{models.JobPending}, models.JobRunning)
	if err != nil {
		r.logger.Error("job pickup failed", "job", job.ID, "error", err)
		return false
	}
	if !picked {
		return false
	}

	instruction := job.Description
	var cadence Cadence
	if job.ScheduleType == models.ScheduleRecurring {
		cadence, instruction, err = SplitCadence(job.Description)
		if err != nil {
			r.logger.Warn("recurring job has unusable cadence", "job", job.ID, "error", err)
			r.finish(ctx, job.ID, store.JobRunResult{
				Status:    models.JobFailed,
				LastRunAt: r.now(),
				LastError: err.Error(),
			})
			r.record(job, "failed", 0)
			return true
		}
		if instruction == "" {
			instruction = job.Description
		}
	}

	runStart := r.now()
	jobCtx := ctx
	var span trace.Span
	if r.tracer != nil {
		jobCtx, span = r.tracer.TraceJobRun(ctx, job.ID, string(job.ScheduleType))
		defer span.End()
	}

	text, runErr := r.execute(jobCtx, job, instruction)
	finished := r.now()
	seconds := finished.Sub(runStart).Seconds()

	if isRoleBusy(runErr) {
		// The role is mid-conversation. Put the job back in the queue
		// for the next tick instead of burning the attempt.
		if _, err := r.store.TransitionJob(ctx, job.ID,
			[]models.JobStatus{models.JobRunning}, models.JobPending); err != nil {
			r.logger.Error("job requeue failed", "job", job.ID, "error", err)
		}
		r.record(job, "deferred", seconds)
		return false
	}

	if runErr != nil {
		if r.tracer != nil {
			r.tracer.RecordError(span, runErr)
		}
		r.logger.Warn("scheduled job failed", "job", job.ID, "error", runErr)
		r.finish(ctx, job.ID, r.failureResult(job, runErr, finished))
		r.record(job, "failed", seconds)
		return true
	}

	r.logger.Info("scheduled job completed", "job", job.ID, "chars", len(text))
	r.finish(ctx, job.ID, r.successResult(job, cadence, finished))
	r.record(job, "completed", seconds)
	return true
}

// execute replays the job's instruction as a headless user turn under
// the runtime ceiling.
func (r *Runner) execute(ctx context.Context, job *models.ScheduledJob, instruction string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.maxRuntime)
	defer cancel()

	return r.turns.RunHeadless(runCtx, &chat.Turn{
		UserID: job.UserID,
		RoleID: job.RoleID,
		Messages: []models.Message{{
			UserID:  job.UserID,
			RoleID:  job.RoleID,
			Role:    models.MessageRoleUser,
			Content: instruction,
		}},
	})
}

func (r *Runner) successResult(job *models.ScheduledJob, cadence Cadence, finished time.Time) store.JobRunResult {
	r.mu.Lock()
	delete(r.failures, job.ID)
	r.mu.Unlock()

	if job.ScheduleType == models.ScheduleOnce {
		return store.JobRunResult{
			Status:     models.JobCompleted,
			LastRunAt:  finished,
			ClearRunAt: true,
			CountRun:   true,
		}
	}
	hold := cadence.Next(finished)
	return store.JobRunResult{
		Status:    models.JobPending,
		LastRunAt: finished,
		HoldUntil: &hold,
		CountRun:  true,
	}
}

// failureResult leaves recurring jobs queued with a backoff hold so a
// flaky dependency does not fire them every tick; once jobs fail for
// good.
func (r *Runner) failureResult(job *models.ScheduledJob, runErr error, finished time.Time) store.JobRunResult {
	if job.ScheduleType == models.ScheduleOnce {
		return store.JobRunResult{
			Status:    models.JobFailed,
			LastRunAt: finished,
			LastError: runErr.Error(),
		}
	}

	r.mu.Lock()
	r.failures[job.ID]++
	streak := r.failures[job.ID]
	r.mu.Unlock()

	hold := finished.Add(r.retryPolicy.Delay(streak))
	return store.JobRunResult{
		Status:    models.JobPending,
		LastRunAt: finished,
		LastError: runErr.Error(),
		HoldUntil: &hold,
	}
}

// finish closes out a run. A false return means a cancellation landed
// while the job ran; its outcome is discarded.
func (r *Runner) finish(ctx context.Context, jobID string, result store.JobRunResult) {
	applied, err := r.store.FinishJobRun(ctx, jobID, models.JobRunning, result)
	if err != nil {
		r.logger.Error("job bookkeeping failed", "job", jobID, "error", err)
		return
	}
	if !applied {
		r.logger.Info("job cancelled mid-run, outcome discarded", "job", jobID)
	}
}

func (r *Runner) record(job *models.ScheduledJob, status string, seconds float64) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordJobRun(string(job.ScheduleType), status, seconds)
}

func isRoleBusy(err error) bool {
	var ce *chat.Error
	return errors.As(err, &ce) && ce.Kind == chat.KindRoleBusy
}
