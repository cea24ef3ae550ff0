package timesheet

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// Rules carries the business constants of the normalizer. Build it once and
// pass it by value; nothing mutates it after construction.
type Rules struct {
	// NonMeaningfulStatus lists case-folded status tokens that mean "no status".
	NonMeaningfulStatus []string
	// UnknownText replaces empty values of the designated text columns.
	UnknownText string
	// NullMarker is the bulk-load null sentinel.
	NullMarker string
	// TextColumns are the designated text columns.
	TextColumns []Column
	// ProblematicStatuses are reported to management.
	ProblematicStatuses []string
}

// DefaultRules returns the production rule set.
func DefaultRules() Rules {
	return Rules{
		NonMeaningfulStatus: []string{"", "0", "n", "no", "none", "na", "n/a", "-", "--"},
		UnknownText:         "unknown",
		NullMarker:          `\N`,
		TextColumns: []Column{
			ColumnEmployeeName,
			ColumnEmployeeRole,
			ColumnOfficeLocation,
			ColumnProjectName,
			ColumnProjectID,
			ColumnStatus,
		},
		ProblematicStatuses: []string{"Incomplete", "Pending", "Error", "Missing", "To Review"},
	}
}

// Normalizer enforces the hours/status rule and the persisted value format.
type Normalizer struct {
	rules      Rules
	nonMeaning map[string]struct{}
	textCols   map[Column]struct{}
	logger     *slog.Logger
}

// NewNormalizer builds a normalizer for the given rules.
func NewNormalizer(rules Rules, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{
		rules:      rules,
		nonMeaning: make(map[string]struct{}, len(rules.NonMeaningfulStatus)),
		textCols:   make(map[Column]struct{}, len(rules.TextColumns)),
		logger:     logger,
	}
	for _, token := range rules.NonMeaningfulStatus {
		n.nonMeaning[foldCase(token)] = struct{}{}
	}
	for _, col := range rules.TextColumns {
		n.textCols[col] = struct{}{}
	}
	return n
}

// Rules returns the rule set the normalizer was built with.
func (n *Normalizer) Rules() Rules {
	return n.rules
}

// CleanStatus trims a status, strips control characters and returns "" for
// non-meaningful tokens.
func (n *Normalizer) CleanStatus(status string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(status))
	cleaned = strings.TrimSpace(cleaned)
	if _, ok := n.nonMeaning[foldCase(cleaned)]; ok {
		return ""
	}
	return cleaned
}

// SameStatus compares two statuses trimmed and case-insensitively.
func (n *Normalizer) SameStatus(a, b string) bool {
	return foldCase(strings.TrimSpace(a)) == foldCase(strings.TrimSpace(b))
}

// EnforceHoursStatusRule keeps a record only when it has positive hours or a
// meaningful status. Status-only records lose any stray hours value. The
// second result is the number of dropped records.
func (n *Normalizer) EnforceHoursStatusRule(records []Record) ([]Record, int) {
	if len(records) == 0 {
		return records, 0
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		r.Status = n.CleanStatus(r.Status)
		positive := hasPositiveHours(r)
		if !positive && r.Status == "" {
			continue
		}
		if !positive {
			r.WorkingHours = decimal.NullDecimal{}
		}
		out = append(out, r)
	}
	dropped := len(records) - len(out)
	if dropped > 0 {
		n.logger.Info("rule: dropped rows with 0/NULL hours and non-meaningful status", slog.Int("dropped", dropped))
	}
	return out, dropped
}

// Canonicalize trims text fields and fills empty designated text columns
// with the unknown marker, producing the form the store keeps.
func (n *Normalizer) Canonicalize(r Record) Record {
	r.Date = Day(r.Date)
	r.EmployeeName = n.text(ColumnEmployeeName, r.EmployeeName)
	r.EmployeeRole = n.text(ColumnEmployeeRole, r.EmployeeRole)
	r.OfficeLocation = n.text(ColumnOfficeLocation, r.OfficeLocation)
	r.ProjectName = n.text(ColumnProjectName, r.ProjectName)
	r.ProjectID = n.text(ColumnProjectID, r.ProjectID)
	r.Status = n.text(ColumnStatus, r.Status)
	return r
}

// Prepare applies the hours/status rule and canonicalizes what survives.
func (n *Normalizer) Prepare(records []Record) ([]Record, int) {
	kept, dropped := n.EnforceHoursStatusRule(records)
	for i := range kept {
		kept[i] = n.Canonicalize(kept[i])
	}
	return kept, dropped
}

// FormatForStore renders records as bulk-load fields in StoreColumns order.
func (n *Normalizer) FormatForStore(records []Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		row := make([]string, 0, len(StoreColumns))
		for _, col := range StoreColumns {
			row = append(row, n.field(r, col))
		}
		rows = append(rows, row)
	}
	return rows
}

func (n *Normalizer) field(r Record, col Column) string {
	switch col {
	case ColumnDate:
		if r.Date.IsZero() {
			return n.rules.NullMarker
		}
		return r.Date.Format(DateLayout)
	case ColumnWorkingHours:
		return n.number(r.WorkingHours)
	case ColumnInterviews:
		return n.number(r.Interviews)
	case ColumnDatabase:
		return n.number(r.Database)
	case ColumnDatabaseConverted:
		return n.number(r.DatabaseConverted)
	default:
		v, _ := columnValue(r, col)
		return n.text(col, v)
	}
}

func (n *Normalizer) number(d decimal.NullDecimal) string {
	if !d.Valid {
		return n.rules.NullMarker
	}
	return formatNumber(d)
}

func (n *Normalizer) text(col Column, v string) string {
	v = strings.TrimSpace(v)
	if _, ok := n.textCols[col]; ok && v == "" {
		return n.rules.UnknownText
	}
	return v
}

// foldCase builds a fresh Caser per call; Casers keep state and must not be
// shared between goroutines.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

func hasPositiveHours(r Record) bool {
	return r.WorkingHours.Valid && r.WorkingHours.Decimal.IsPositive()
}
