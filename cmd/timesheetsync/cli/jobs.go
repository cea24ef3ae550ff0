package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/timesheet-sync/jobs"
)

// QueueClient hands pipeline runs to the worker and reports queue state.
type QueueClient interface {
	Trigger(ctx context.Context, payload jobs.SyncPayload) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps the queue client and inspector used by the queue commands.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts, err := jobs.RedisOpt(redisAddr)
	if err != nil {
		return nil, err
	}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a pipeline run for the worker.
func (c *JobsCLI) Trigger(ctx context.Context, payload jobs.SyncPayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueSync(ctx, payload)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Failed    int
}

// InspectQueue reports the metrics of the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return stats, nil
	}
	if err != nil {
		return QueueStats{}, err
	}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Failed = info.Failed
	}
	return stats, nil
}

// ListScheduled returns the next scheduled tasks of the default queue.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

func newQueueCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Hand runs to the worker and inspect its queue",
	}
	cmd.AddCommand(newQueueSyncCmd(st), newQueueStatusCmd(st))
	return cmd
}

func newQueueSyncCmd(st *state) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Queue a pipeline run for the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			payload := jobs.SyncPayload{
				Mode:    jobs.ModeCurrentMonth,
				Folders: opts.Folders,
				Dedup:   opts.Dedup,
				Report:  opts.Report,
			}
			if !opts.CurrentMonthOnly {
				payload.Mode = jobs.ModeRange
				payload.StartDate = flags.startDate
				payload.EndDate = flags.endDate
			}

			client, err := st.opts.Queue(st.cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			info, err := client.Trigger(cmd.Context(), payload)
			if errors.Is(err, asynq.ErrDuplicateTask) {
				return errors.New("an identical run is already queued")
			}
			if err != nil {
				return fmt.Errorf("queue run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flags.folders, "folders", nil, "Timesheet folders to scan (default TIMESHEET_FOLDERS)")
	cmd.Flags().BoolVar(&flags.currentMonth, "current-month", false, "Process only the current month")
	cmd.Flags().StringVar(&flags.startDate, "start-date", "", "First day to process (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.endDate, "end-date", "", "Last day to process (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&flags.noDedup, "no-dedup", false, "Skip store deduplication after the run")
	cmd.Flags().BoolVar(&flags.report, "report", false, "Send the management report after the run")
	return cmd
}

func newQueueStatusCmd(st *state) *cobra.Command {
	var scheduled int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := st.opts.Queue(st.cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			stats, err := client.InspectQueue(ctx)
			if err != nil {
				return fmt.Errorf("inspect queue: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queue %s: %d pending, %d active, %d scheduled, %d retry, %d failed today\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Failed)
			if scheduled <= 0 {
				return nil
			}
			tasks, err := client.ListScheduled(ctx, scheduled)
			if err != nil {
				return fmt.Errorf("list scheduled: %w", err)
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "  %s %s at %s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&scheduled, "scheduled", 0, "Also list up to N scheduled tasks")
	return cmd
}
