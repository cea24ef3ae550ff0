package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/timesheet-sync/internal/jobs"
	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/pipeline"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingRunner struct {
	opts []pipeline.Options
	err  error
}

func (r *recordingRunner) Run(_ context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	r.opts = append(r.opts, opts)
	return pipeline.Summary{RunID: "run-1"}, r.err
}

type recordingReporter struct {
	days []int
	err  error
}

func (r *recordingReporter) SendReport(_ context.Context, daysBack int) (notify.Delivery, error) {
	r.days = append(r.days, daysBack)
	return notify.Delivery{Recipients: 1, Sent: 1}, r.err
}

func TestSyncPayloadOptions(t *testing.T) {
	opts, err := SyncPayload{Dedup: true}.Options()
	require.NoError(t, err)
	require.True(t, opts.CurrentMonthOnly)
	require.True(t, opts.Dedup)

	opts, err = SyncPayload{Mode: ModeRange, StartDate: "2025-01-01", EndDate: "2025-02-28"}.Options()
	require.NoError(t, err)
	require.False(t, opts.CurrentMonthOnly)
	require.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), opts.Start)
	require.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), opts.End)

	_, err = SyncPayload{Mode: ModeRange, StartDate: "01/02/2025"}.Options()
	require.Error(t, err)
	_, err = SyncPayload{Mode: "weekly"}.Options()
	require.Error(t, err)
}

func TestTimesheetSyncJobHandle(t *testing.T) {
	runner := &recordingRunner{}
	job := NewTimesheetSyncJob(runner, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewTimesheetSyncTask(SyncPayload{Mode: ModeRange, StartDate: "2025-03-01", EndDate: "2025-03-31", Dedup: true})
	require.NoError(t, err)
	require.Equal(t, TaskTimesheetSync, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, runner.opts, 1)
	require.True(t, runner.opts[0].Dedup)
	require.Equal(t, 3, int(runner.opts[0].Start.Month()))

	runner.err = pipeline.ErrRunInProgress
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestTimesheetSyncJobRecordsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	runner := &recordingRunner{}
	job := NewTimesheetSyncJob(runner, quietLogger(), jobmetrics.NewMetrics(registry))
	task, err := NewTimesheetSyncTask(SyncPayload{Dedup: true})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	runner.err = errors.New("store unavailable")
	require.Error(t, job.Handle(context.Background(), task))

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, `timesheet_sync_jobs_total{job="timesheet:sync",status="success"} 1`)
	require.Contains(t, body, `timesheet_sync_jobs_total{job="timesheet:sync",status="failure"} 1`)
	require.Contains(t, body, `timesheet_sync_jobs_failures_total{job="timesheet:sync"} 1`)
}

func TestTimesheetSyncJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewTimesheetSyncJob(&recordingRunner{}, quietLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskTimesheetSync, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTimesheetSync, []byte(`{"mode":"range","start_date":"nope"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTimesheetReportJobHandle(t *testing.T) {
	reporter := &recordingReporter{}
	job := NewTimesheetReportJob(reporter, quietLogger(), nil)

	task, err := NewTimesheetReportTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int{3}, reporter.days)

	reporter.err = errors.New("store down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestMailJobHandle(t *testing.T) {
	var got []string
	sender := notify.SenderFunc(func(_ context.Context, recipient, subject, body string) error {
		got = append(got, recipient, subject, body)
		return nil
	})
	job := NewMailJob(sender, quietLogger(), nil)

	task, err := NewSendEmailTask(SendEmailPayload{To: "ops@example.com", Subject: "Timesheet Report", Body: "hello"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []string{"ops@example.com", "Timesheet Report", "hello"}, got)

	_, err = NewSendEmailTask(SendEmailPayload{Subject: "no recipient"})
	require.Error(t, err)
	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte(`{"subject":"x"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSchedule(t *testing.T) {
	regs, err := Schedule(ScheduleConfig{SyncSpec: "0 * * * *", ReportSpec: "0 8 * * 1-5", ReportDaysBack: 5, Dedup: true})
	require.NoError(t, err)
	require.Len(t, regs, 2)
	require.Equal(t, TaskTimesheetSync, regs[0].Task.Type())
	require.Equal(t, TaskTimesheetReport, regs[1].Task.Type())

	var payload ReportPayload
	require.NoError(t, json.Unmarshal(regs[1].Task.Payload(), &payload))
	require.Equal(t, 5, payload.DaysBack)

	regs, err = Schedule(ScheduleConfig{})
	require.NoError(t, err)
	require.Empty(t, regs)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHandlerHealth(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		h.MountRoutes(r)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		return rec
	}

	rec := serve(NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Retry: 1}}, quietLogger()))
	require.Equal(t, http.StatusOK, rec.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 4, body.Pending)
	require.Equal(t, 1, body.Retry)

	rec = serve(NewHandler(stubInspector{err: errors.New("redis down")}, quietLogger()))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(NewHandler(nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":0,"failed_today":0}`, rec.Body.String())
}

func TestRedisOptParsesURL(t *testing.T) {
	opts, err := RedisOpt("redis://:secret@10.0.0.5:6379/1")
	require.NoError(t, err)
	require.Equal(t, asynq.RedisClientOpt{Addr: "10.0.0.5:6379", Password: "secret", DB: 1}, opts)

	opts, err = RedisOpt("localhost:6379")
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", opts.Addr)
}
