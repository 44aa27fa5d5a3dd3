package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/troupe/internal/schedule/cadence"
	"github.com/haasonsaas/troupe/pkg/models"
)

type jobCreator interface {
	CreateScheduledJob(ctx context.Context, j *models.ScheduledJob) error
}

type jobLister interface {
	ListScheduledJobs(ctx context.Context, userID string) ([]models.ScheduledJob, error)
}

// ScheduleJob creates a scheduled job from the conversation. Recurring
// cadence is validated at creation so the model can correct a bad
// directive instead of leaving a job that can only fail.
type ScheduleJob struct {
	store jobCreator
}

// NewScheduleJob creates the schedule_job tool.
func NewScheduleJob(store jobCreator) *ScheduleJob {
	return &ScheduleJob{store: store}
}

func (t *ScheduleJob) Name() string { return "schedule_job" }

func (t *ScheduleJob) Description() string {
	return "Schedule a background job that runs as this role. Use scheduleType once with runAt for a one-shot job. Recurring jobs must start their description with a cadence directive such as [every 2h30m] or [cron 0 9 * * MON] or [daily at 08:00]."
}

type scheduleJobArgs struct {
	Description  string `json:"description" jsonschema:"description=What the job should do. Recurring jobs start with a cadence directive like [daily at 08:00]"`
	ScheduleType string `json:"scheduleType" jsonschema:"description=once or recurring,enum=once,enum=recurring"`
	RunAt        string `json:"runAt,omitempty" jsonschema:"description=RFC 3339 timestamp for once jobs"`
}

func (t *ScheduleJob) Schema() json.RawMessage { return reflectSchema(&scheduleJobArgs{}) }

func (t *ScheduleJob) Execute(ctx context.Context, call Call) (*Result, error) {
	var args scheduleJobArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	description := strings.TrimSpace(args.Description)
	if description == "" {
		return toolError("description is required"), nil
	}

	job := &models.ScheduledJob{
		UserID:      call.UserID,
		RoleID:      call.RoleID,
		Description: description,
	}
	switch strings.ToLower(strings.TrimSpace(args.ScheduleType)) {
	case "once":
		if strings.TrimSpace(args.RunAt) == "" {
			return toolError("runAt is required for once jobs"), nil
		}
		runAt, err := time.Parse(time.RFC3339, strings.TrimSpace(args.RunAt))
		if err != nil {
			return toolError(fmt.Sprintf("invalid runAt %q: expected RFC 3339", args.RunAt)), nil
		}
		job.ScheduleType = models.ScheduleOnce
		job.RunAt = &runAt
	case "recurring":
		if _, err := cadence.ParseCadence(description); err != nil {
			return toolError(fmt.Sprintf("invalid cadence: %v", err)), nil
		}
		job.ScheduleType = models.ScheduleRecurring
	default:
		return toolError(`scheduleType must be "once" or "recurring"`), nil
	}

	if err := t.store.CreateScheduledJob(ctx, job); err != nil {
		return toolError(fmt.Sprintf("create job: %v", err)), nil
	}

	payload := map[string]any{
		"status":       "scheduled",
		"jobId":        job.ID,
		"scheduleType": string(job.ScheduleType),
	}
	if job.RunAt != nil {
		payload["runAt"] = job.RunAt.UTC().Format(time.RFC3339)
	}
	return jsonResult(payload), nil
}

// ListScheduledJobs reports the user's jobs and their run state.
type ListScheduledJobs struct {
	store jobLister
}

// NewListScheduledJobs creates the list_scheduled_jobs tool.
func NewListScheduledJobs(store jobLister) *ListScheduledJobs {
	return &ListScheduledJobs{store: store}
}

func (t *ListScheduledJobs) Name() string { return "list_scheduled_jobs" }

func (t *ListScheduledJobs) Description() string {
	return "List the user's scheduled jobs with their status and run history."
}

type listScheduledJobsArgs struct{}

func (t *ListScheduledJobs) Schema() json.RawMessage {
	return reflectSchema(&listScheduledJobsArgs{})
}

type jobView struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	ScheduleType string     `json:"scheduleType"`
	Status       string     `json:"status"`
	RunAt        *time.Time `json:"runAt,omitempty"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	RunCount     int        `json:"runCount"`
}

func (t *ListScheduledJobs) Execute(ctx context.Context, call Call) (*Result, error) {
	jobs, err := t.store.ListScheduledJobs(ctx, call.UserID)
	if err != nil {
		return toolError(fmt.Sprintf("list jobs: %v", err)), nil
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:           j.ID,
			Description:  j.Description,
			ScheduleType: string(j.ScheduleType),
			Status:       string(j.Status),
			RunAt:        j.RunAt,
			LastRunAt:    j.LastRunAt,
			LastError:    j.LastError,
			RunCount:     j.RunCount,
		})
	}
	return jsonResult(map[string]any{"jobs": views}), nil
}
