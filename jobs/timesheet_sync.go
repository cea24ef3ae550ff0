package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/timesheet-sync/internal/jobs"
	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/pipeline"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

const (
	// TaskTimesheetSync runs the spreadsheet to store pipeline.
	TaskTimesheetSync = "timesheet:sync"
	// TaskTimesheetReport mails the management report.
	TaskTimesheetReport = "timesheet:report"

	// ModeCurrentMonth processes the month the task runs in.
	ModeCurrentMonth = "current_month"
	// ModeRange processes the payload's start/end dates.
	ModeRange = "range"
)

// SyncPayload configures a pipeline run.
type SyncPayload struct {
	Mode      string   `json:"mode"`
	StartDate string   `json:"start_date,omitempty"`
	EndDate   string   `json:"end_date,omitempty"`
	Folders   []string `json:"folders,omitempty"`
	Dedup     bool     `json:"dedup"`
	Report    bool     `json:"report,omitempty"`
}

// Options converts the payload into pipeline options.
func (p SyncPayload) Options() (pipeline.Options, error) {
	opts := pipeline.Options{Folders: p.Folders, Dedup: p.Dedup, Report: p.Report}
	switch p.Mode {
	case "", ModeCurrentMonth:
		opts.CurrentMonthOnly = true
		return opts, nil
	case ModeRange:
	default:
		return opts, fmt.Errorf("unknown sync mode %q", p.Mode)
	}
	var err error
	if opts.Start, err = parseDay(p.StartDate); err != nil {
		return opts, fmt.Errorf("start date: %w", err)
	}
	if opts.End, err = parseDay(p.EndDate); err != nil {
		return opts, fmt.Errorf("end date: %w", err)
	}
	return opts, nil
}

func parseDay(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timesheet.DateLayout, value)
}

// NewTimesheetSyncTask creates an Asynq task for a pipeline run.
func NewTimesheetSyncTask(payload SyncPayload) (*asynq.Task, error) {
	if payload.Mode == "" {
		payload.Mode = ModeCurrentMonth
	}
	if _, err := payload.Options(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTimesheetSync, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// ReportPayload configures the management report.
type ReportPayload struct {
	DaysBack int `json:"days_back"`
}

// NewTimesheetReportTask creates an Asynq task for the management report.
func NewTimesheetReportTask(daysBack int) (*asynq.Task, error) {
	if daysBack <= 0 {
		daysBack = 3
	}
	body, err := json.Marshal(ReportPayload{DaysBack: daysBack})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTimesheetReport, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// SyncRunner executes pipeline runs.
type SyncRunner interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
}

// Reporter sends the management report.
type Reporter interface {
	SendReport(ctx context.Context, daysBack int) (notify.Delivery, error)
}

// TimesheetSyncJob runs the pipeline for queued and scheduled tasks.
type TimesheetSyncJob struct {
	Runner  SyncRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewTimesheetSyncJob constructs the sync handler.
func NewTimesheetSyncJob(runner SyncRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *TimesheetSyncJob {
	return &TimesheetSyncJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes the sync job. A run that finds the lock held is retried
// by the queue; malformed payloads are not.
func (j *TimesheetSyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("timesheet sync: runner not configured")
	}
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("timesheet sync: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	opts, err := payload.Options()
	if err != nil {
		return fmt.Errorf("timesheet sync: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskTimesheetSync)
	summary, err := j.Runner.Run(ctx, opts)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			j.log().Warn("run already in progress; will retry")
		} else {
			j.log().Error("timesheet sync", slog.Any("error", err))
		}
		return tracker.End(err)
	}

	j.log().Info("timesheet sync finished",
		slog.String("run_id", summary.RunID),
		slog.String("window", summary.Window.String()),
		slog.Int("inserted", summary.Result.Timesheets.Inserted),
		slog.Int("updated", summary.Result.Timesheets.Updated),
		slog.Int("errors", len(summary.Errors())),
		slog.Duration("duration", summary.Elapsed),
	)
	return tracker.End(nil)
}

func (j *TimesheetSyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *TimesheetSyncJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTimesheetSync))
	}
	return slog.Default().With(slog.String("job", TaskTimesheetSync))
}

// TimesheetReportJob mails the management report on schedule.
type TimesheetReportJob struct {
	Reporter Reporter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewTimesheetReportJob constructs the report handler.
func NewTimesheetReportJob(reporter Reporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *TimesheetReportJob {
	return &TimesheetReportJob{Reporter: reporter, Logger: logger, Metrics: metrics}
}

// Handle executes the report job.
func (j *TimesheetReportJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Reporter == nil {
		return errors.New("timesheet report: reporter not configured")
	}
	var payload ReportPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("timesheet report: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskTimesheetReport)
	delivery, err := j.Reporter.SendReport(ctx, payload.DaysBack)
	if err != nil {
		j.log().Error("management report", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log().Info("management report finished",
		slog.Int("recipients", delivery.Recipients),
		slog.Int("sent", delivery.Sent),
		slog.Bool("skipped", delivery.Skipped),
	)
	return tracker.End(nil)
}

func (j *TimesheetReportJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *TimesheetReportJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTimesheetReport))
	}
	return slog.Default().With(slog.String("job", TaskTimesheetReport))
}
