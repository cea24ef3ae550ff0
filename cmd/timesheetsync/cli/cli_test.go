package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/timesheet-sync/internal/app"
	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/pipeline"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
	"github.com/odyssey-erp/timesheet-sync/jobs"
)

var fixedNow = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)

type stubPipeline struct {
	runs      []pipeline.Options
	runErr    error
	summary   pipeline.Summary
	windows   []*timesheet.DateWindow
	dedup     timesheet.DedupStats
	reports   []int
	delivery  notify.Delivery
	reportErr error
}

func (p *stubPipeline) Run(_ context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	p.runs = append(p.runs, opts)
	return p.summary, p.runErr
}

func (p *stubPipeline) Deduplicate(_ context.Context, window *timesheet.DateWindow) (timesheet.DedupStats, error) {
	p.windows = append(p.windows, window)
	return p.dedup, nil
}

func (p *stubPipeline) SendReport(_ context.Context, daysBack int) (notify.Delivery, error) {
	p.reports = append(p.reports, daysBack)
	return p.delivery, p.reportErr
}

func (p *stubPipeline) Window(opts pipeline.Options) timesheet.DateWindow {
	return pipeline.NewDateWindow(fixedNow, opts.CurrentMonthOnly, opts.Start, opts.End)
}

type stubNotifier struct {
	calls    [][]string
	delivery notify.Delivery
}

func (n *stubNotifier) SendErrorNotification(_ context.Context, runErrors []string) notify.Delivery {
	n.calls = append(n.calls, runErrors)
	return n.delivery
}

type stubQueue struct {
	payloads []jobs.SyncPayload
	err      error
	closed   bool
}

func (q *stubQueue) Trigger(_ context.Context, payload jobs.SyncPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: "task-7", Type: jobs.TaskTimesheetSync, Queue: jobs.QueueDefault}, nil
}

func (q *stubQueue) InspectQueue(context.Context) (QueueStats, error) {
	return QueueStats{Queue: jobs.QueueDefault, Pending: 2, Retry: 1}, nil
}

func (q *stubQueue) ListScheduled(context.Context, int) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (q *stubQueue) Close() error {
	q.closed = true
	return nil
}

type harness struct {
	pipeline *stubPipeline
	notifier *stubNotifier
	queue    *stubQueue
	migrated int
	closed   int
	cfg      *app.Config
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
}

func newHarness() *harness {
	sent := notify.Delivery{Recipients: 1, Sent: 1}
	return &harness{
		pipeline: &stubPipeline{delivery: sent},
		notifier: &stubNotifier{delivery: sent},
		queue:    &stubQueue{},
		cfg:      &app.Config{LogLevel: "ERROR", ReportDaysBack: 3},
		stdout:   new(bytes.Buffer),
		stderr:   new(bytes.Buffer),
	}
}

func (h *harness) exec(ctx context.Context, args ...string) int {
	return Execute(ctx, args, Options{
		Stdout: h.stdout,
		Stderr: h.stderr,
		LoadConfig: func(...string) (*app.Config, error) {
			return h.cfg, nil
		},
		Build: func(context.Context, *app.Config, *slog.Logger) (*Runtime, error) {
			return &Runtime{
				Pipeline: h.pipeline,
				Notifier: h.notifier,
				Migrate: func(context.Context) error {
					h.migrated++
					return nil
				},
				Close: func() { h.closed++ },
			}, nil
		},
		Queue: func(*app.Config) (QueueClient, error) {
			return h.queue, nil
		},
	})
}

func TestRunDefaultsToCurrentMonthWithDedup(t *testing.T) {
	h := newHarness()
	h.pipeline.summary = pipeline.Summary{
		RunID:  "run-1",
		Window: pipeline.NewDateWindow(fixedNow, true, time.Time{}, time.Time{}),
		Result: pipeline.Result{
			FilesProcessed: 3,
			Timesheets:     timesheet.TimesheetStats{Inserted: 2, Skipped: 5},
		},
		Dedup: &timesheet.DedupStats{Removed: 1},
	}

	require.Equal(t, ExitOK, h.exec(context.Background(), "run"))
	require.Len(t, h.pipeline.runs, 1)
	opts := h.pipeline.runs[0]
	require.True(t, opts.CurrentMonthOnly)
	require.True(t, opts.Dedup)
	require.False(t, opts.Report)
	require.Equal(t, 3, opts.ReportDaysBack)
	require.Equal(t, 1, h.closed)

	out := h.stdout.String()
	require.Contains(t, out, "current month (January 2025)")
	require.Contains(t, out, "Timesheets: 2 inserted, 0 updated, 5 skipped")
	require.Contains(t, out, "Deduplication: 1 removed")
}

func TestRunWithDateRange(t *testing.T) {
	h := newHarness()
	code := h.exec(context.Background(), "run",
		"--start-date", "2025-01-01", "--end-date", "2025-01-31",
		"--no-dedup", "--report", "--report-days", "7",
		"--folders", "/data/a,/data/b",
	)
	require.Equal(t, ExitOK, code, h.stderr.String())
	opts := h.pipeline.runs[0]
	require.False(t, opts.CurrentMonthOnly)
	require.False(t, opts.Dedup)
	require.True(t, opts.Report)
	require.Equal(t, 7, opts.ReportDaysBack)
	require.Equal(t, []string{"/data/a", "/data/b"}, opts.Folders)
	require.Equal(t, time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC), opts.End)
}

func TestRunCurrentMonthFlagWins(t *testing.T) {
	h := newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "run", "--current-month", "--start-date", "2024-06-01"))
	require.True(t, h.pipeline.runs[0].CurrentMonthOnly)
}

func TestRunJSONOutput(t *testing.T) {
	h := newHarness()
	h.pipeline.summary = pipeline.Summary{
		RunID:  "run-2",
		Result: pipeline.Result{Errors: []string{"WARNING: No timesheet data found for current month (January 2025)"}},
	}
	require.Equal(t, ExitOK, h.exec(context.Background(), "run", "--json"))

	var report runReport
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &report))
	require.Equal(t, "run-2", report.RunID)
	require.Len(t, report.Errors, 1)
	require.Nil(t, report.DedupRemoved)
}

func TestRunRejectsBadDate(t *testing.T) {
	h := newHarness()
	require.Equal(t, ExitFailure, h.exec(context.Background(), "run", "--start-date", "15/01/2025"))
	require.Contains(t, h.stderr.String(), "invalid --start-date")
	require.Empty(t, h.pipeline.runs)
}

func TestRunFailureExitCodes(t *testing.T) {
	h := newHarness()
	h.pipeline.runErr = pipeline.ErrRunInProgress
	require.Equal(t, ExitFailure, h.exec(context.Background(), "run"))
	require.Contains(t, h.stderr.String(), "another run is in progress")

	h = newHarness()
	h.pipeline.runErr = context.Canceled
	require.Equal(t, ExitInterrupted, h.exec(context.Background(), "run"))
	require.Contains(t, h.stderr.String(), "interrupted")
}

func TestLogLevelOverride(t *testing.T) {
	h := newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "--log-level", "DEBUG", "migrate"))
	require.Equal(t, "DEBUG", h.cfg.LogLevel)
	require.Equal(t, 1, h.migrated)
	require.Contains(t, h.stdout.String(), "Schema is up to date")
}

func TestDedupWindow(t *testing.T) {
	h := newHarness()
	h.pipeline.dedup = timesheet.DedupStats{Before: 10, After: 8, Removed: 2}
	require.Equal(t, ExitOK, h.exec(context.Background(), "dedup"))
	require.Nil(t, h.pipeline.windows[0])
	require.Contains(t, h.stdout.String(), "2 removed")

	require.Equal(t, ExitOK, h.exec(context.Background(), "dedup", "--start-date", "2025-01-10"))
	window := h.pipeline.windows[1]
	require.NotNil(t, window)
	require.Equal(t, time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC), window.Start)
	require.Equal(t, time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC), window.End)

	h.pipeline.dedup = timesheet.DedupStats{Errors: []string{"Error during deduplication: timeout"}}
	require.Equal(t, ExitFailure, h.exec(context.Background(), "dedup"))
}

func TestReportCommand(t *testing.T) {
	h := newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "report", "--days", "5"))
	require.Equal(t, []int{5}, h.pipeline.reports)
	require.Contains(t, h.stdout.String(), "sent to 1 of 1 recipients")

	h.pipeline.reportErr = errors.New("notify: fetch problematic timesheets: timeout")
	require.Equal(t, ExitFailure, h.exec(context.Background(), "report"))
	require.Equal(t, []int{5, 3}, h.pipeline.reports)
}

func TestNotifyTest(t *testing.T) {
	h := newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "notify-test"))
	require.Equal(t, [][]string{sampleErrors}, h.notifier.calls)
	require.Equal(t, []int{3}, h.pipeline.reports)
	require.Contains(t, h.stdout.String(), "Email test completed successfully")

	h = newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "notify-test", "--type", "report"))
	require.Empty(t, h.notifier.calls)
	require.Len(t, h.pipeline.reports, 1)

	h = newHarness()
	h.notifier.delivery = notify.Delivery{Skipped: true}
	require.Equal(t, ExitFailure, h.exec(context.Background(), "notify-test", "--type", "both"))
	require.Empty(t, h.pipeline.reports)

	h = newHarness()
	require.Equal(t, ExitFailure, h.exec(context.Background(), "notify-test", "--type", "weekly"))
	require.Empty(t, h.notifier.calls)
}

func TestQueueCommands(t *testing.T) {
	h := newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "queue", "sync", "--start-date", "2025-01-01", "--end-date", "2025-01-31"))
	require.Equal(t, []jobs.SyncPayload{{
		Mode:      jobs.ModeRange,
		StartDate: "2025-01-01",
		EndDate:   "2025-01-31",
		Dedup:     true,
	}}, h.queue.payloads)
	require.True(t, h.queue.closed)
	require.Contains(t, h.stdout.String(), "task-7")

	h = newHarness()
	require.Equal(t, ExitOK, h.exec(context.Background(), "queue", "status"))
	require.Contains(t, h.stdout.String(), "2 pending")

	h = newHarness()
	h.queue.err = asynq.ErrDuplicateTask
	require.Equal(t, ExitFailure, h.exec(context.Background(), "queue", "sync"))
	require.Contains(t, h.stderr.String(), "already queued")
}
