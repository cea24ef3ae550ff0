package timesheet

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-day layout used for keys, signatures and the store.
const DateLayout = "2006-01-02"

// Column names a field of a Record. The values match the store column names.
type Column string

const (
	ColumnDate              Column = "work_date"
	ColumnEmployeeName      Column = "employee_name"
	ColumnEmployeeRole      Column = "employee_role"
	ColumnOfficeLocation    Column = "office_location"
	ColumnProjectName       Column = "project_name"
	ColumnProjectID         Column = "project_id"
	ColumnWorkingHours      Column = "working_hours"
	ColumnStatus            Column = "status"
	ColumnInterviews        Column = "interviews"
	ColumnDatabase          Column = "database_value"
	ColumnDatabaseConverted Column = "database_converted"
)

// StoreColumns is the persisted column order. FormatForStore and the bulk
// loader both depend on it.
var StoreColumns = []Column{
	ColumnDate,
	ColumnEmployeeName,
	ColumnEmployeeRole,
	ColumnOfficeLocation,
	ColumnProjectName,
	ColumnProjectID,
	ColumnWorkingHours,
	ColumnStatus,
	ColumnInterviews,
	ColumnDatabase,
	ColumnDatabaseConverted,
}

// TimesheetDedupColumns collapses byte-identical spreadsheet rows.
var TimesheetDedupColumns = StoreColumns

// IdentityColumns is the (date, employee, project) identity.
var IdentityColumns = []Column{ColumnDate, ColumnEmployeeName, ColumnProjectID}

// Record is one employee/day/project timesheet entry.
type Record struct {
	Date              time.Time
	EmployeeName      string
	EmployeeRole      string
	OfficeLocation    string
	ProjectName       string
	ProjectID         string
	WorkingHours      decimal.NullDecimal
	Status            string
	Interviews        decimal.NullDecimal
	Database          decimal.NullDecimal
	DatabaseConverted decimal.NullDecimal

	// Key and Signature are derived by Sign.
	Key       string
	Signature string
}

// Identity returns the (date, employee, project) tuple of the record.
func (r Record) Identity() Key {
	return Key{Date: r.Date, EmployeeName: r.EmployeeName, ProjectID: r.ProjectID}
}

// Keyable reports whether the record carries the full identity.
func (r Record) Keyable() bool {
	return r.Identity().Valid()
}

// StatusRecord is the status-only projection of a timesheet row.
type StatusRecord struct {
	Date         time.Time
	EmployeeName string
	ProjectID    string
	Status       string
	SourceFile   string

	Key string
}

// Identity returns the (date, employee, project) tuple of the status row.
func (s StatusRecord) Identity() Key {
	return Key{Date: s.Date, EmployeeName: s.EmployeeName, ProjectID: s.ProjectID}
}

// Key identifies store rows for deletes and status updates.
type Key struct {
	Date         time.Time
	EmployeeName string
	ProjectID    string
}

// Valid reports whether every identity component is present.
func (k Key) Valid() bool {
	return !k.Date.IsZero() && trim(k.EmployeeName) != "" && trim(k.ProjectID) != ""
}

func (k Key) String() string {
	return formatDate(k.Date) + "|" + trim(k.EmployeeName) + "|" + trim(k.ProjectID)
}

// DateWindow is an inclusive calendar range.
type DateWindow struct {
	Start       time.Time
	End         time.Time
	Description string
}

// Contains reports whether the calendar day of t falls inside the window.
func (w DateWindow) Contains(t time.Time) bool {
	day := Day(t)
	return !day.Before(Day(w.Start)) && !day.After(Day(w.End))
}

func (w DateWindow) String() string {
	if w.Description != "" {
		return w.Description
	}
	return fmt.Sprintf("%s to %s", formatDate(w.Start), formatDate(w.End))
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TimesheetStats summarises one timesheet reconciliation pass.
type TimesheetStats struct {
	Inserted int
	Updated  int
	Skipped  int
	Errors   []string
}

// StatusStats summarises one status reconciliation pass.
type StatusStats struct {
	Updated  int
	Inserted int
	Errors   []string
}

// DedupStats summarises a store-side deduplication pass.
type DedupStats struct {
	Before  int
	After   int
	Removed int
	Errors  []string
}

var (
	// ErrNoValidRows is returned when no new row survives identity validation.
	ErrNoValidRows = errors.New("timesheet: no valid rows")
	// ErrInvalidWindow signals a window whose end precedes its start.
	ErrInvalidWindow = errors.New("timesheet: invalid date window")
)
