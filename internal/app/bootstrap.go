package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/timesheet-sync/internal/directory"
	jobmetrics "github.com/odyssey-erp/timesheet-sync/internal/jobs"
	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/observability"
	"github.com/odyssey-erp/timesheet-sync/internal/pipeline"
	"github.com/odyssey-erp/timesheet-sync/internal/platform/cache"
	"github.com/odyssey-erp/timesheet-sync/internal/platform/db"
	"github.com/odyssey-erp/timesheet-sync/internal/sheets"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
	"github.com/odyssey-erp/timesheet-sync/jobs"
)

// BootstrapOptions controls how strictly dependencies are checked at startup.
type BootstrapOptions struct {
	// RequireStore pings the store before returning.
	RequireStore bool
	// RequireRedis fails when redis cannot be reached.
	RequireRedis bool
}

// Services holds the components shared by the CLI and the worker.
type Services struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Queue      *jobs.Client
	Timesheets *timesheet.Service
	Runner     *pipeline.Runner
	Notifier   *notify.Notifier
	Metrics    *observability.Metrics
	JobMetrics *jobmetrics.Metrics

	timesheetRepo timesheet.Repository
	closers       []func()
}

// Bootstrap wires the store, redis, queue client, services and pipeline
// runner from cfg. Without RequireStore the pool connects lazily, so an
// unreachable store is reported by the pipeline run itself.
func Bootstrap(ctx context.Context, cfg *Config, logger *slog.Logger, opts BootstrapOptions) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if logger == nil {
		logger = NewLogger(cfg)
	}
	if InTestMode() {
		cfg = sandboxed(cfg)
		logger.Info("test mode: mail is logged and redis is skipped")
	}
	s := &Services{Config: cfg, Logger: logger}

	poolOpts := db.PoolOptions{MaxConns: 4}
	var err error
	if opts.RequireStore {
		s.Pool, err = db.New(ctx, cfg.PGDSN, poolOpts)
	} else {
		s.Pool, err = db.Open(ctx, cfg.PGDSN, poolOpts)
	}
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Pool.Close)
	logger.Debug("store configured", slog.String("dsn", db.MaskDSN(cfg.PGDSN)))

	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		switch {
		case err == nil:
			s.Redis = client
			s.closers = append(s.closers, func() {
				if err := client.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			})
		case opts.RequireRedis || cfg.MailTransport == "queue":
			s.Close()
			return nil, fmt.Errorf("app: redis: %w", err)
		default:
			logger.Warn("redis unavailable; running without the run lock", slog.Any("error", err))
		}
	}
	if s.Redis != nil {
		redisOpts, err := jobs.RedisOpt(cfg.RedisAddr)
		if err != nil {
			s.Close()
			return nil, err
		}
		queue, err := jobs.NewClient(redisOpts)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Queue = queue
		s.closers = append(s.closers, func() { _ = queue.Close() })
	}

	s.Metrics = observability.NewMetrics()
	s.JobMetrics = jobmetrics.NewMetrics(s.Metrics.Registerer())

	normalizer := timesheet.NewNormalizer(timesheet.DefaultRules(), logger)
	s.timesheetRepo = timesheet.NewRepository(s.Pool, timesheet.RepositoryConfig{
		Table:      cfg.TimesheetTable,
		Timeout:    cfg.StoreTimeout,
		Normalizer: normalizer,
		Logger:     logger,
	})
	s.Timesheets = timesheet.NewService(s.timesheetRepo, normalizer, logger)
	directoryService := directory.NewService(directory.NewRepository(s.Pool, cfg.MailTable), logger)

	reader := sheets.NewReader(sheets.Options{
		Excluded:    cfg.ExcludedFolders,
		Concurrency: cfg.ParseConcurrency,
		Normalizer:  normalizer,
		Logger:      logger,
	})

	sender, err := s.sender()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Notifier = notify.NewNotifier(sender, notify.Config{
		Recipients:  cfg.NotificationRecipients,
		Subject:     cfg.MailSubject,
		UnknownText: normalizer.Rules().UnknownText,
		Logger:      logger,
	})

	var locker pipeline.Locker
	if s.Redis != nil {
		locker = pipeline.RedisLocker(cache.NewLocker(s.Redis))
	}
	s.Runner = pipeline.NewRunner(pipeline.Config{
		Loader:         reader,
		Timesheets:     s.Timesheets,
		Directory:      directoryService,
		Notifier:       s.Notifier,
		Locker:         locker,
		LockKey:        cache.RunLockKey(cfg.TimesheetTable),
		LockTTL:        cfg.RunLockTTL,
		DefaultFolders: cfg.TimesheetFolders,
		Logger:         logger,
		Metrics:        s.JobMetrics,
	})
	return s, nil
}

// SMTPSender returns a direct SMTP sender for the configured relay.
func (s *Services) SMTPSender() *notify.SMTPSender {
	cfg := s.Config
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
}

func (s *Services) sender() (notify.Sender, error) {
	switch s.Config.MailTransport {
	case "log":
		return notify.LogSender{Logger: s.Logger}, nil
	case "queue":
		if s.Queue == nil {
			return nil, errors.New("app: MAIL_TRANSPORT=queue requires redis")
		}
		return s.Queue, nil
	default:
		return s.SMTPSender(), nil
	}
}

// Migrate creates the timesheet and mail tables when missing.
func (s *Services) Migrate(ctx context.Context) error {
	if err := timesheet.EnsureSchema(ctx, s.timesheetRepo); err != nil {
		return err
	}
	return directory.EnsureSchema(ctx, s.Pool, s.Config.MailTable)
}

// Close releases everything Bootstrap opened, newest first.
func (s *Services) Close() {
	if s == nil {
		return
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
