package pipeline

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

// NewDateWindow resolves the processing window. The current month wins when
// currentMonthOnly is set; otherwise missing bounds default to the first and
// last day of now's year and reversed bounds are swapped.
func NewDateWindow(now time.Time, currentMonthOnly bool, start, end time.Time) timesheet.DateWindow {
	today := timesheet.Day(now)
	if currentMonthOnly {
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		last := first.AddDate(0, 1, -1)
		return timesheet.DateWindow{
			Start:       first,
			End:         last,
			Description: fmt.Sprintf("current month (%s)", first.Format("January 2006")),
		}
	}

	first := timesheet.Day(start)
	if first.IsZero() {
		first = time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	last := timesheet.Day(end)
	if last.IsZero() {
		last = time.Date(today.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	if last.Before(first) {
		first, last = last, first
	}
	desc := fmt.Sprintf("%s to %s", first.Format(timesheet.DateLayout), last.Format(timesheet.DateLayout))
	return timesheet.DateWindow{Start: first, End: last, Description: desc}
}
