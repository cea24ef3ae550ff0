// Package cli implements the timesheetsync command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/timesheet-sync/internal/app"
	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/pipeline"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

// Exit codes returned by Execute.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// Pipeline is the slice of pipeline.Runner the commands drive.
type Pipeline interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
	Deduplicate(ctx context.Context, window *timesheet.DateWindow) (timesheet.DedupStats, error)
	SendReport(ctx context.Context, daysBack int) (notify.Delivery, error)
	Window(opts pipeline.Options) timesheet.DateWindow
}

// ErrorNotifier mails run errors.
type ErrorNotifier interface {
	SendErrorNotification(ctx context.Context, runErrors []string) notify.Delivery
}

// Runtime is what a command needs once configuration is loaded.
type Runtime struct {
	Pipeline Pipeline
	Notifier ErrorNotifier
	Migrate  func(ctx context.Context) error
	Close    func()
}

// Builder assembles a Runtime from configuration.
type Builder func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Runtime, error)

// Options injects the command dependencies. Zero values fall back to the
// real environment.
type Options struct {
	Stdout     io.Writer
	Stderr     io.Writer
	LoadConfig func(envFiles ...string) (*app.Config, error)
	Build      Builder
	Queue      func(cfg *app.Config) (QueueClient, error)
}

// DefaultBuilder wires the runtime through app.Bootstrap. The store is not
// pinged up front so that an unreachable store is reported by the run.
func DefaultBuilder(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*Runtime, error) {
	services, err := app.Bootstrap(ctx, cfg, logger, app.BootstrapOptions{})
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Pipeline: services.Runner,
		Notifier: services.Notifier,
		Migrate:  services.Migrate,
		Close:    services.Close,
	}, nil
}

type state struct {
	opts     Options
	envFiles []string
	logLevel string

	cfg    *app.Config
	logger *slog.Logger
}

func (s *state) load(cmd *cobra.Command, _ []string) error {
	cfg, err := s.opts.LoadConfig(s.envFiles...)
	if err != nil {
		return err
	}
	if s.logLevel != "" {
		cfg.LogLevel = s.logLevel
	}
	s.cfg = cfg
	s.logger = app.NewLoggerTo(s.opts.Stderr, cfg)
	return nil
}

func (s *state) runtime(ctx context.Context) (*Runtime, error) {
	rt, err := s.opts.Build(ctx, s.cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("initialise runtime: %w", err)
	}
	if rt.Close == nil {
		rt.Close = func() {}
	}
	return rt, nil
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = app.LoadConfig
	}
	if opts.Build == nil {
		opts.Build = DefaultBuilder
	}
	if opts.Queue == nil {
		opts.Queue = func(cfg *app.Config) (QueueClient, error) {
			return NewJobsCLI(cfg.RedisAddr)
		}
	}
	st := &state{opts: opts}

	root := &cobra.Command{
		Use:   "timesheetsync",
		Short: "Reconcile timesheet spreadsheets into Postgres",
		Long: `timesheetsync reads the Excel timesheets under the configured folders,
reconciles them with the timesheet table and mails errors and reports.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: st.load,
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.PersistentFlags().StringSliceVar(&st.envFiles, "env-file", nil, "Env files to load before the environment (default .env)")
	root.PersistentFlags().StringVar(&st.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARNING or ERROR")

	root.AddCommand(
		newRunCmd(st),
		newDedupCmd(st),
		newReportCmd(st),
		newNotifyTestCmd(st),
		newMigrateCmd(st),
		newQueueCmd(st),
	)
	return root
}

// Execute runs the command tree and maps the outcome to an exit code.
func Execute(ctx context.Context, args []string, opts Options) int {
	root := NewRootCommand(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	stderr := root.ErrOrStderr()
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		fmt.Fprintln(stderr, "Process interrupted by user")
		return ExitInterrupted
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
}

func parseDate(flag, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timesheet.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q (expected YYYY-MM-DD)", flag, value)
	}
	return t, nil
}
