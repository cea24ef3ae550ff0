package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

const (
	maxErrorLines  = 20
	maxReportLines = 30
)

// actionableKeywords select the run errors worth mailing.
var actionableKeywords = []string{
	"invalid", "missing", "column", "cell", "problem", "empty", "error", "critical", "warning", "failed",
}

// ProblemSource lists stored rows that need management attention.
type ProblemSource interface {
	Problematic(ctx context.Context, now time.Time, daysBack int) ([]timesheet.Record, error)
}

// Delivery counts the outcome of one fan-out to the recipients.
type Delivery struct {
	Recipients int
	Sent       int
	Failures   []string
	// Skipped is set when there was nothing to send or nobody to send it to.
	Skipped bool
}

// Config configures a Notifier.
type Config struct {
	Recipients  []string
	Subject     string
	UnknownText string
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Notifier fans messages out to the management recipients.
type Notifier struct {
	sender      Sender
	recipients  []string
	subject     string
	unknownText string
	logger      *slog.Logger
	clock       func() time.Time
}

// NewNotifier builds a notifier around sender.
func NewNotifier(sender Sender, cfg Config) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Subject == "" {
		cfg.Subject = "Timesheet Report"
	}
	if cfg.UnknownText == "" {
		cfg.UnknownText = timesheet.DefaultRules().UnknownText
	}
	return &Notifier{
		sender:      sender,
		recipients:  append([]string(nil), cfg.Recipients...),
		subject:     cfg.Subject,
		unknownText: cfg.UnknownText,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
}

// SendErrorNotification mails the actionable subset of a run's errors.
func (n *Notifier) SendErrorNotification(ctx context.Context, runErrors []string) Delivery {
	if len(runErrors) == 0 {
		n.logger.Info("no errors to report; skipping notification email")
		return Delivery{Skipped: true}
	}
	if len(n.recipients) == 0 {
		n.logger.Warn("no notification recipients configured; skipping error notification email")
		return Delivery{Skipped: true}
	}
	body, ok := ErrorReport(n.clock(), runErrors)
	if !ok {
		n.logger.Info("no actionable file errors to email about")
		return Delivery{Skipped: true}
	}
	return n.broadcast(ctx, "error notification", body)
}

// SendManagementReport mails the problematic rows of the last daysBack days,
// or an all-clear message when there are none.
func (n *Notifier) SendManagementReport(ctx context.Context, source ProblemSource, daysBack int) (Delivery, error) {
	if len(n.recipients) == 0 {
		n.logger.Info("no notification recipients configured; skipping management report")
		return Delivery{Skipped: true}, nil
	}
	if daysBack <= 0 {
		daysBack = 3
	}
	now := n.clock()
	records, err := source.Problematic(ctx, now, daysBack)
	if err != nil {
		return Delivery{}, fmt.Errorf("notify: fetch problematic timesheets: %w", err)
	}
	if len(records) == 0 {
		n.logger.Info("no problematic timesheets found", slog.Int("days_back", daysBack))
	}
	return n.broadcast(ctx, "management report", ManagementReport(now, daysBack, records, n.unknownText)), nil
}

func (n *Notifier) broadcast(ctx context.Context, kind, body string) Delivery {
	d := Delivery{Recipients: len(n.recipients)}
	for _, recipient := range n.recipients {
		if err := n.sender.Send(ctx, recipient, n.subject, body); err != nil {
			d.Failures = append(d.Failures, fmt.Sprintf("%s: %v", recipient, err))
			n.logger.Error("send "+kind, slog.String("recipient", recipient), slog.Any("error", err))
			continue
		}
		d.Sent++
		n.logger.Info(kind+" sent", slog.String("recipient", recipient))
	}
	if d.Sent == 0 {
		n.logger.Error("failed to send "+kind+" to all recipients")
	}
	return d
}

// ErrorReport renders the error notification body. It reports false when
// none of the errors is actionable.
func ErrorReport(now time.Time, runErrors []string) (string, bool) {
	var actionable []string
	for _, msg := range runErrors {
		if msg == "" || !isActionable(msg) {
			continue
		}
		actionable = append(actionable, strings.TrimSpace(msg))
	}
	if len(actionable) == 0 {
		return "", false
	}
	if len(actionable) > maxErrorLines {
		actionable = actionable[:maxErrorLines]
	}

	lines := []string{
		fmt.Sprintf("ERRORS IN TIMESHEETS FOR %s:", now.Format("January 2006")),
		fmt.Sprintf("Total errors: %d", len(runErrors)),
		"",
	}
	lines = append(lines, actionable...)
	if hidden := len(runErrors) - len(actionable); hidden > 0 {
		lines = append(lines, "", fmt.Sprintf("... and %d more issues not shown.", hidden))
	}
	return strings.Join(lines, "\n"), true
}

func isActionable(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, keyword := range actionableKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

type employeeIssues struct {
	days          map[string]struct{}
	missingStatus int
	zeroHours     int
}

// ManagementReport renders the management report body for records, which
// are expected newest first.
func ManagementReport(now time.Time, daysBack int, records []timesheet.Record, unknownText string) string {
	today := now.Format("January 02, 2006")
	if len(records) == 0 {
		return fmt.Sprintf("TIMESHEET STATUS REPORT - %s\n\nNo issues found in timesheets for the last %d days. All timesheets are complete and properly filled out.", today, daysBack)
	}

	missing := func(s string) bool {
		s = strings.TrimSpace(s)
		return s == "" || strings.EqualFold(s, unknownText)
	}

	issues := make(map[string]*employeeIssues)
	for _, r := range records {
		e, ok := issues[r.EmployeeName]
		if !ok {
			e = &employeeIssues{days: make(map[string]struct{})}
			issues[r.EmployeeName] = e
		}
		if !r.Date.IsZero() {
			e.days[r.Date.Format(timesheet.DateLayout)] = struct{}{}
		}
		if missing(r.Status) {
			e.missingStatus++
		}
		if !r.WorkingHours.Valid || r.WorkingHours.Decimal.IsZero() {
			e.zeroHours++
		}
	}
	names := make([]string, 0, len(issues))
	for name := range issues {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{
		fmt.Sprintf("TIMESHEET ISSUES REPORT - Last %d Days (%s)", daysBack, today),
		fmt.Sprintf("Total problematic records: %d", len(records)),
		fmt.Sprintf("Affected employees: %d", len(names)),
		"",
	}
	for _, name := range names {
		e := issues[name]
		lines = append(lines, fmt.Sprintf("%s: %d days with issues (%d missing status, %d zero hours)",
			name, len(e.days), e.missingStatus, e.zeroHours))
	}
	lines = append(lines, "")

	shown := records
	if len(shown) > maxReportLines {
		shown = shown[:maxReportLines]
	}
	for _, r := range shown {
		date := "N/A"
		if !r.Date.IsZero() {
			date = r.Date.Format(timesheet.DateLayout)
		}
		hours := "0"
		if r.WorkingHours.Valid {
			hours = r.WorkingHours.Decimal.String()
		}
		status := strings.TrimSpace(r.Status)
		if missing(status) {
			status = "NO STATUS"
		}
		project := strings.TrimSpace(r.ProjectName)
		if missing(project) {
			project = r.ProjectID
		}
		lines = append(lines, fmt.Sprintf("%s | %s | %s | Hours: %s | Status: %s", date, r.EmployeeName, project, hours, status))
	}
	if len(records) > maxReportLines {
		lines = append(lines, fmt.Sprintf("... and %d more records not shown", len(records)-maxReportLines))
	}
	return strings.Join(lines, "\n")
}
