package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/timesheet-sync/internal/notify"
)

// sampleErrors feed the error notification test mail.
var sampleErrors = []string{
	"Test error 1: Missing column 'Date' in file test.xlsx",
	"Test error 2: Invalid employee name in row 5",
	"Test error 3: Empty timesheet for employee John Doe",
}

func delivered(d notify.Delivery) bool {
	return !d.Skipped && d.Sent > 0 && len(d.Failures) == 0
}

func newNotifyTestCmd(st *state) *cobra.Command {
	var kind string
	var days int
	cmd := &cobra.Command{
		Use:   "notify-test",
		Short: "Send test notification emails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch kind {
			case "error", "report", "both":
			default:
				return fmt.Errorf("invalid --type %q (expected error, report or both)", kind)
			}
			if days <= 0 {
				days = st.cfg.ReportDaysBack
			}
			ctx := cmd.Context()
			rt, err := st.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			out := cmd.OutOrStdout()

			if kind == "error" || kind == "both" {
				d := rt.Notifier.SendErrorNotification(ctx, sampleErrors)
				printDelivery(out, "Error notification", d)
				if !delivered(d) {
					return errors.New("error notification test failed")
				}
			}
			if kind == "report" || kind == "both" {
				d, err := rt.Pipeline.SendReport(ctx, days)
				if err != nil {
					return fmt.Errorf("management report test failed: %w", err)
				}
				printDelivery(out, "Management report", d)
				if !delivered(d) {
					return errors.New("management report test failed")
				}
			}
			fmt.Fprintln(out, "Email test completed successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", "both", "Which email to send: error, report or both")
	cmd.Flags().IntVar(&days, "days", 0, "Days covered by the test report (default REPORT_DAYS_BACK)")
	return cmd
}
