package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/timesheet-sync/internal/directory"
	jobmetrics "github.com/odyssey-erp/timesheet-sync/internal/jobs"
	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/platform/cache"
	"github.com/odyssey-erp/timesheet-sync/internal/sheets"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

const (
	jobName         = "timesheet_sync"
	logErrorLimit   = 10
	defaultDaysBack = 3
)

var (
	// ErrStoreUnavailable marks a run whose store ping failed.
	ErrStoreUnavailable = errors.New("pipeline: store unavailable")
	// ErrRunInProgress is returned when another run holds the run lock.
	ErrRunInProgress = errors.New("pipeline: another run is in progress")
	// ErrNoFolders is returned when neither the options nor the config name a folder.
	ErrNoFolders = errors.New("pipeline: no timesheet folders configured")
)

// Loader extracts spreadsheet payloads.
type Loader interface {
	Load(ctx context.Context, folders []string, window timesheet.DateWindow) (sheets.Payload, error)
}

// Lock is a held run lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out run locks. Acquire returns ErrRunInProgress when the key
// is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker adapts the redis lock to Locker.
func RedisLocker(locker *cache.Locker) Locker {
	return redisLocker{locker: locker}
}

type redisLocker struct {
	locker *cache.Locker
}

func (r redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := r.locker.Acquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return nil, ErrRunInProgress
		}
		return nil, err
	}
	return lock, nil
}

// Options selects what a single run does.
type Options struct {
	Folders          []string
	CurrentMonthOnly bool
	Start            time.Time
	End              time.Time
	Dedup            bool
	Report           bool
	ReportDaysBack   int
}

// Result is the outcome of one ProcessTimesheets pass.
type Result struct {
	Errors         []string
	FilesProcessed int
	Timesheets     timesheet.TimesheetStats
	Statuses       timesheet.StatusStats
	Emails         directory.Stats
}

// Summary describes a full run.
type Summary struct {
	RunID     string
	Window    timesheet.DateWindow
	Result    Result
	ErrorMail notify.Delivery
	// Dedup is nil when store deduplication did not run.
	Dedup   *timesheet.DedupStats
	Report  *notify.Delivery
	Elapsed time.Duration
}

// Errors returns the ordered error list of the run.
func (s Summary) Errors() []string {
	return s.Result.Errors
}

// Config wires a Runner.
type Config struct {
	Loader         Loader
	Timesheets     *timesheet.Service
	Directory      *directory.Service
	Notifier       *notify.Notifier
	Locker         Locker
	LockKey        string
	LockTTL        time.Duration
	DefaultFolders []string
	Logger         *slog.Logger
	Metrics        *jobmetrics.Metrics
	Clock          func() time.Time
}

// Runner executes the timesheet pipeline.
type Runner struct {
	loader         Loader
	timesheets     *timesheet.Service
	directory      *directory.Service
	notifier       *notify.Notifier
	locker         Locker
	lockKey        string
	lockTTL        time.Duration
	defaultFolders []string
	logger         *slog.Logger
	metrics        *jobmetrics.Metrics
	clock          func() time.Time
}

// NewRunner builds a Runner. Locker, Notifier and Metrics are optional.
func NewRunner(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Runner{
		loader:         cfg.Loader,
		timesheets:     cfg.Timesheets,
		directory:      cfg.Directory,
		notifier:       cfg.Notifier,
		locker:         cfg.Locker,
		lockKey:        cfg.LockKey,
		lockTTL:        cfg.LockTTL,
		defaultFolders: append([]string(nil), cfg.DefaultFolders...),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		clock:          cfg.Clock,
	}
}

// Window resolves the date window for opts against the runner's clock.
func (r *Runner) Window(opts Options) timesheet.DateWindow {
	return NewDateWindow(r.clock(), opts.CurrentMonthOnly, opts.Start, opts.End)
}

// Run executes one full pipeline: process, notify about errors, deduplicate
// the store and send the management report. Problems inside a pass are
// collected in the summary; the returned error is reserved for runs that
// could not proceed at all.
func (r *Runner) Run(ctx context.Context, opts Options) (summary Summary, err error) {
	tracker := r.metrics.Track(jobName)
	defer func() {
		err = tracker.End(err)
	}()

	summary.RunID = uuid.NewString()
	summary.Window = r.Window(opts)
	started := r.clock()
	logger := r.logger.With(slog.String("run_id", summary.RunID))

	folders := opts.Folders
	if len(folders) == 0 {
		folders = r.defaultFolders
	}
	if len(folders) == 0 {
		return summary, ErrNoFolders
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return summary, err
	}
	defer release()

	logger.Info("starting timesheet processing pipeline",
		slog.String("window", summary.Window.String()),
		slog.Int("folders", len(folders)),
	)

	result, err := r.ProcessTimesheets(ctx, folders, summary.Window)
	summary.Result = result
	storeDown := errors.Is(err, ErrStoreUnavailable)
	if err != nil && !storeDown {
		return summary, err
	}

	r.reportErrors(ctx, logger, &summary)

	if opts.Dedup && !storeDown {
		stats := r.timesheets.DeduplicateStore(ctx, &summary.Window)
		r.metrics.AddRows("dedup_removed", stats.Removed)
		summary.Dedup = &stats
	}

	if opts.Report && !storeDown {
		delivery, reportErr := r.SendReport(ctx, opts.ReportDaysBack)
		if reportErr != nil {
			logger.Error("failed to generate management report", slog.Any("error", reportErr))
		} else {
			summary.Report = &delivery
		}
	}

	summary.Elapsed = r.clock().Sub(started)
	logger.Info("pipeline complete", slog.Duration("elapsed", summary.Elapsed), slog.Int("errors", len(summary.Result.Errors)))
	return summary, ctx.Err()
}

// ProcessTimesheets loads the folders and reconciles their rows with the
// store. It fails with ErrStoreUnavailable when the store cannot be reached;
// every other problem is appended to Result.Errors.
func (r *Runner) ProcessTimesheets(ctx context.Context, folders []string, window timesheet.DateWindow) (Result, error) {
	var result Result
	r.logger.Info("processing timesheets", slog.String("window", window.String()))

	if err := r.timesheets.Ping(ctx); err != nil {
		msg := fmt.Sprintf("CRITICAL: Database connection failed - %v", err)
		r.logger.Error(msg)
		result.Errors = append(result.Errors, msg)
		return result, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	payload, err := r.loader.Load(ctx, folders, window)
	if err != nil {
		return result, fmt.Errorf("pipeline: load spreadsheets: %w", err)
	}
	result.FilesProcessed = payload.FilesProcessed
	result.Errors = append(result.Errors, payload.Errors...)
	r.logger.Info("loaded timesheet files",
		slog.Int("files", payload.FilesProcessed),
		slog.Int("timesheet_rows", len(payload.Timesheets)),
		slog.Int("status_rows", len(payload.Statuses)),
		slog.Int("email_rows", len(payload.Emails)),
	)

	if payload.Empty() {
		msg := fmt.Sprintf("WARNING: No timesheet data found for %s", window)
		r.logger.Warn(msg)
		result.Errors = append(result.Errors, msg)
		return result, nil
	}

	records, removed := timesheet.DeduplicateBatch(payload.Timesheets, timesheet.TimesheetDedupColumns)
	if removed > 0 {
		r.logger.Info("removed duplicate timesheet rows", slog.Int("removed", removed), slog.Int("remaining", len(records)))
	}
	statuses, removed := timesheet.DeduplicateStatuses(payload.Statuses)
	if removed > 0 {
		r.logger.Info("removed duplicate status rows", slog.Int("removed", removed), slog.Int("remaining", len(statuses)))
	}

	existing, err := r.timesheets.FetchExisting(ctx, window)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Error fetching existing timesheet records: %v", err))
		r.logger.Error("fetch existing timesheets; skipping timesheet and status passes", slog.Any("error", err))
	} else {
		r.logger.Info("fetched existing records", slog.Int("count", len(existing)))
		r.reconcile(ctx, window, records, statuses, existing, &result)
	}

	if r.directory != nil {
		result.Emails = r.directory.Update(ctx, payload.Emails)
		result.Errors = append(result.Errors, result.Emails.Errors...)
	}

	r.metrics.AddRows("inserted", result.Timesheets.Inserted)
	r.metrics.AddRows("updated", result.Timesheets.Updated)
	r.metrics.AddRows("skipped", result.Timesheets.Skipped)
	r.metrics.AddRows("status_updated", result.Statuses.Updated)
	r.metrics.AddRows("status_inserted", result.Statuses.Inserted)

	r.logger.Info("processing complete",
		slog.Int("inserted", result.Timesheets.Inserted),
		slog.Int("updated", result.Timesheets.Updated),
		slog.Int("skipped", result.Timesheets.Skipped),
		slog.Int("status_updated", result.Statuses.Updated),
		slog.Int("status_inserted", result.Statuses.Inserted),
		slog.Int("emails_saved", result.Emails.Saved),
	)
	return result, ctx.Err()
}

// reconcile runs the timesheet pass and then the status pass against a fresh
// snapshot that includes the rows just written.
func (r *Runner) reconcile(ctx context.Context, window timesheet.DateWindow, records []timesheet.Record, statuses []timesheet.StatusRecord, existing []timesheet.Record, result *Result) {
	result.Timesheets = r.timesheets.ReconcileTimesheets(ctx, records, existing)
	result.Errors = append(result.Errors, result.Timesheets.Errors...)

	refreshed, err := r.timesheets.FetchExisting(ctx, window)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Error refreshing timesheet records for status updates: %v", err))
		r.logger.Error("refresh existing timesheets", slog.Any("error", err))
		return
	}
	result.Statuses = r.timesheets.ReconcileStatuses(ctx, statuses, refreshed)
	result.Errors = append(result.Errors, result.Statuses.Errors...)
}

// Deduplicate runs the store-side deduplication on its own. A nil window
// covers the whole table.
func (r *Runner) Deduplicate(ctx context.Context, window *timesheet.DateWindow) (timesheet.DedupStats, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return timesheet.DedupStats{}, err
	}
	defer release()

	if err := r.timesheets.Ping(ctx); err != nil {
		return timesheet.DedupStats{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	stats := r.timesheets.DeduplicateStore(ctx, window)
	r.metrics.AddRows("dedup_removed", stats.Removed)
	return stats, nil
}

// SendReport mails the management report for the last daysBack days.
func (r *Runner) SendReport(ctx context.Context, daysBack int) (notify.Delivery, error) {
	if r.notifier == nil {
		return notify.Delivery{Skipped: true}, nil
	}
	if daysBack <= 0 {
		daysBack = defaultDaysBack
	}
	tracker := r.metrics.Track("timesheet_report")
	delivery, err := r.notifier.SendManagementReport(ctx, r.timesheets, daysBack)
	return delivery, tracker.End(err)
}

func (r *Runner) reportErrors(ctx context.Context, logger *slog.Logger, summary *Summary) {
	errs := summary.Result.Errors
	if len(errs) == 0 {
		logger.Info("processing completed with no errors")
		return
	}
	logger.Warn("processing completed with errors", slog.Int("count", len(errs)))
	for i, msg := range errs {
		if i == logErrorLimit {
			logger.Warn(fmt.Sprintf("... and %d more errors (see full list in email)", len(errs)-logErrorLimit))
			break
		}
		logger.Warn(msg, slog.Int("n", i+1))
	}
	if r.notifier == nil {
		return
	}
	summary.ErrorMail = r.notifier.SendErrorNotification(ctx, errs)
}

func (r *Runner) acquire(ctx context.Context) (func(), error) {
	if r.locker == nil || r.lockKey == "" {
		return func() {}, nil
	}
	lock, err := r.locker.Acquire(ctx, r.lockKey, r.lockTTL)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("pipeline: acquire run lock: %w", err)
	}
	return func() {
		// the run context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			r.logger.Warn("release run lock", slog.Any("error", err))
		}
	}, nil
}
