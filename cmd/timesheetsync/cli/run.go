package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/timesheet-sync/internal/notify"
	"github.com/odyssey-erp/timesheet-sync/internal/pipeline"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

type runFlags struct {
	folders      []string
	currentMonth bool
	startDate    string
	endDate      string
	noDedup      bool
	report       bool
	reportDays   int
	jsonOutput   bool
}

func (f runFlags) options() (pipeline.Options, error) {
	start, err := parseDate("start-date", f.startDate)
	if err != nil {
		return pipeline.Options{}, err
	}
	end, err := parseDate("end-date", f.endDate)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Folders:          f.folders,
		CurrentMonthOnly: f.currentMonth || (start.IsZero() && end.IsZero()),
		Start:            start,
		End:              end,
		Dedup:            !f.noDedup,
		Report:           f.report,
		ReportDaysBack:   f.reportDays,
	}, nil
}

func newRunCmd(st *state) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process timesheets, notify about errors and deduplicate the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}
			if opts.ReportDaysBack <= 0 {
				opts.ReportDaysBack = st.cfg.ReportDaysBack
			}
			ctx := cmd.Context()
			rt, err := st.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.Pipeline.Run(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				return writeJSON(out, newRunReport(summary))
			}
			printSummary(out, summary)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flags.folders, "folders", nil, "Timesheet folders to scan (default TIMESHEET_FOLDERS)")
	cmd.Flags().BoolVar(&flags.currentMonth, "current-month", false, "Process only the current month")
	cmd.Flags().StringVar(&flags.startDate, "start-date", "", "First day to process (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.endDate, "end-date", "", "Last day to process (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&flags.noDedup, "no-dedup", false, "Skip store deduplication after the run")
	cmd.Flags().BoolVar(&flags.report, "report", false, "Send the management report after the run")
	cmd.Flags().IntVar(&flags.reportDays, "report-days", 0, "Days covered by the management report (default REPORT_DAYS_BACK)")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print the run summary as JSON")
	return cmd
}

func newDedupCmd(st *state) *cobra.Command {
	var startDate, endDate string
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Remove duplicate rows from the timesheet table",
		Long:  "Without --start-date or --end-date the whole table is deduplicated.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseDate("start-date", startDate)
			if err != nil {
				return err
			}
			end, err := parseDate("end-date", endDate)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := st.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var window *timesheet.DateWindow
			if !start.IsZero() || !end.IsZero() {
				w := rt.Pipeline.Window(pipeline.Options{Start: start, End: end})
				window = &w
				st.logger.Info("deduplicating timesheet table", slog.String("window", w.String()))
			} else {
				st.logger.Info("deduplicating full timesheet table")
			}
			stats, err := rt.Pipeline.Deduplicate(ctx, window)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deduplication: %d rows before, %d after, %d removed\n", stats.Before, stats.After, stats.Removed)
			if len(stats.Errors) > 0 {
				return fmt.Errorf("deduplication failed: %s", stats.Errors[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "First day to deduplicate (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Last day to deduplicate (YYYY-MM-DD)")
	return cmd
}

func newReportCmd(st *state) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Mail the management report of problematic timesheets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				days = st.cfg.ReportDaysBack
			}
			ctx := cmd.Context()
			rt, err := st.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			delivery, err := rt.Pipeline.SendReport(ctx, days)
			if err != nil {
				return err
			}
			printDelivery(cmd.OutOrStdout(), "Management report", delivery)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Days to look back (default REPORT_DAYS_BACK)")
	return cmd
}

func newMigrateCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the timesheet and mail tables when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := st.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Migrate == nil {
				return fmt.Errorf("migrate: not supported by this runtime")
			}
			if err := rt.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

// runReport is the JSON form of a run summary.
type runReport struct {
	RunID          string   `json:"run_id"`
	Window         string   `json:"window"`
	FilesProcessed int      `json:"files_processed"`
	Inserted       int      `json:"inserted"`
	Updated        int      `json:"updated"`
	Skipped        int      `json:"skipped"`
	StatusUpdated  int      `json:"status_updated"`
	StatusInserted int      `json:"status_inserted"`
	EmailsSaved    int      `json:"emails_saved"`
	DedupRemoved   *int     `json:"dedup_removed,omitempty"`
	ReportSent     *int     `json:"report_sent,omitempty"`
	Errors         []string `json:"errors"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
}

func newRunReport(s pipeline.Summary) runReport {
	r := runReport{
		RunID:          s.RunID,
		Window:         s.Window.String(),
		FilesProcessed: s.Result.FilesProcessed,
		Inserted:       s.Result.Timesheets.Inserted,
		Updated:        s.Result.Timesheets.Updated,
		Skipped:        s.Result.Timesheets.Skipped,
		StatusUpdated:  s.Result.Statuses.Updated,
		StatusInserted: s.Result.Statuses.Inserted,
		EmailsSaved:    s.Result.Emails.Saved,
		Errors:         s.Errors(),
		ElapsedSeconds: s.Elapsed.Seconds(),
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if s.Dedup != nil {
		removed := s.Dedup.Removed
		r.DedupRemoved = &removed
	}
	if s.Report != nil {
		sent := s.Report.Sent
		r.ReportSent = &sent
	}
	return r
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, s pipeline.Summary) {
	res := s.Result
	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Window)
	fmt.Fprintf(w, "Files processed: %d\n", res.FilesProcessed)
	fmt.Fprintf(w, "Timesheets: %d inserted, %d updated, %d skipped\n", res.Timesheets.Inserted, res.Timesheets.Updated, res.Timesheets.Skipped)
	fmt.Fprintf(w, "Statuses: %d updated, %d inserted\n", res.Statuses.Updated, res.Statuses.Inserted)
	fmt.Fprintf(w, "Emails saved: %d\n", res.Emails.Saved)
	if s.Dedup != nil {
		fmt.Fprintf(w, "Deduplication: %d removed\n", s.Dedup.Removed)
	}
	if s.Report != nil {
		printDelivery(w, "Management report", *s.Report)
	}
	fmt.Fprintf(w, "Errors: %d\n", len(res.Errors))
	fmt.Fprintf(w, "Elapsed: %s\n", s.Elapsed.Round(time.Millisecond))
}

func printDelivery(w io.Writer, label string, d notify.Delivery) {
	if d.Skipped {
		fmt.Fprintf(w, "%s: skipped\n", label)
		return
	}
	fmt.Fprintf(w, "%s: sent to %d of %d recipients\n", label, d.Sent, d.Recipients)
	for _, failure := range d.Failures {
		fmt.Fprintf(w, "  failed: %s\n", failure)
	}
}
