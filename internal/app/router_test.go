package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/timesheet-sync/internal/observability"
	"github.com/odyssey-erp/timesheet-sync/jobs"
)

const opsToken = "s3cret-token"

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubEnqueuer struct {
	payloads []jobs.SyncPayload
	err      error
}

func (e *stubEnqueuer) EnqueueSync(_ context.Context, payload jobs.SyncPayload) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.payloads = append(e.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault}, nil
}

func newTestRouter(t *testing.T, store Pinger, enqueuer SyncEnqueuer) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(opsToken), bcrypt.MinCost)
	require.NoError(t, err)
	return NewRouter(RouterParams{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:     &Config{AppEnv: "test", OpsTokenHash: string(hash)},
		Store:      store,
		JobHandler: jobs.NewHandler(nil, nil),
		Enqueuer:   enqueuer,
		Metrics:    observability.NewMetrics(),
	})
}

func postRun(router http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, stubPinger{}, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	router = newTestRouter(t, stubPinger{err: errors.New("dial tcp: refused")}, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAndJobsRoutes(t *testing.T) {
	router := newTestRouter(t, stubPinger{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `timesheet_sync_http_requests_total{code="200",route="/jobs/health"} 1`)
}

func TestRunsRequiresToken(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	router := newTestRouter(t, stubPinger{}, enqueuer)

	rec := postRun(router, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = postRun(router, "wrong", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, enqueuer.payloads)
}

func TestRunsEnqueuesSync(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	router := newTestRouter(t, stubPinger{}, enqueuer)

	rec := postRun(router, opsToken, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "task-1", resp.TaskID)
	require.Equal(t, jobs.ModeCurrentMonth, resp.Mode)
	require.Equal(t, []jobs.SyncPayload{{Mode: jobs.ModeCurrentMonth, Dedup: true}}, enqueuer.payloads)

	rec = postRun(router, opsToken, `{"mode":"range","start_date":"2025-01-01","end_date":"2025-01-31","dedup":false}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, jobs.SyncPayload{Mode: jobs.ModeRange, StartDate: "2025-01-01", EndDate: "2025-01-31"}, enqueuer.payloads[1])
}

func TestRunsRejectsBadPayloads(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	router := newTestRouter(t, stubPinger{}, enqueuer)

	require.Equal(t, http.StatusBadRequest, postRun(router, opsToken, `{"mode":"weekly"}`).Code)
	require.Equal(t, http.StatusBadRequest, postRun(router, opsToken, `{"folder":"/tmp"}`).Code)
	require.Equal(t, http.StatusBadRequest, postRun(router, opsToken, `{"mode":"range","start_date":"31/01/2025"}`).Code)
	require.Empty(t, enqueuer.payloads)
}

func TestRunsMapsQueueErrors(t *testing.T) {
	router := newTestRouter(t, stubPinger{}, &stubEnqueuer{err: asynq.ErrDuplicateTask})
	require.Equal(t, http.StatusConflict, postRun(router, opsToken, "").Code)

	router = newTestRouter(t, stubPinger{}, &stubEnqueuer{err: errors.New("redis: connection refused")})
	rec := postRun(router, opsToken, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "redis")
}
