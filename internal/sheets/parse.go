package sheets

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/timesheet-sync/internal/directory"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

const (
	databaseSheet = "Database"
	employeeSheet = "Employee"

	invalidDateSamples = 3
	// excelMaxSerial is 9999-12-31 as an Excel serial.
	excelMaxSerial = 2958465
)

// Database sheet headers.
const (
	headerDate              = "Date"
	headerEmployeeName      = "Employee Name"
	headerEmployeeRole      = "Employee Role"
	headerOfficeLocation    = "Office Location"
	headerProjectName       = "Project Name"
	headerProjectID         = "Project ID"
	headerWorkingHours      = "Working Hours"
	headerWorkingHoursConv  = "Working Hours Converted"
	headerInterviews        = "Interviews"
	headerDatabase          = "Database"
	headerDatabaseConverted = "Database Converted"
	headerStatus            = "Status"
	headerMail              = "Mail"
)

var requiredHeaders = []string{headerDate, headerEmployeeName, headerProjectID}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"2.1.2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

type columns map[string]int

func indexHeader(header []string) columns {
	idx := make(columns, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, seen := idx[key]; !seen && key != "" {
			idx[key] = i
		}
	}
	return idx
}

func (c columns) has(name string) bool {
	_, ok := c[strings.ToLower(name)]
	return ok
}

func (c columns) cell(row []string, name string) string {
	i, ok := c[strings.ToLower(name)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

type sheetResult struct {
	timesheets []timesheet.Record
	statuses   []timesheet.StatusRecord
	errors     []string
}

// parseDatabaseSheet turns the Database sheet of file into timesheet rows
// (positive hours) and status rows (meaningful status) inside window.
func parseDatabaseSheet(rows [][]string, window timesheet.DateWindow, file string, normalizer *timesheet.Normalizer) sheetResult {
	var res sheetResult
	if len(rows) < 2 || allBlank(rows[1:]) {
		res.errors = append(res.errors, fmt.Sprintf("File %s has an empty 'Database' sheet", file))
		return res
	}

	cols := indexHeader(rows[0])
	var missing []string
	for _, name := range requiredHeaders {
		if !cols.has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		res.errors = append(res.errors, fmt.Sprintf("File %s is missing required columns: %s", file, strings.Join(missing, ", ")))
	}

	source := filepath.Base(file)
	invalidDates := 0
	for i, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		date, ok := parseDate(cols.cell(row, headerDate))
		if !ok {
			invalidDates++
			if invalidDates <= invalidDateSamples {
				res.errors = append(res.errors, fmt.Sprintf("File %s has invalid date in row %d", file, i+2))
			}
			continue
		}

		rec := timesheet.Record{
			Date:              date,
			EmployeeName:      cols.cell(row, headerEmployeeName),
			EmployeeRole:      cols.cell(row, headerEmployeeRole),
			OfficeLocation:    cols.cell(row, headerOfficeLocation),
			ProjectName:       cols.cell(row, headerProjectName),
			ProjectID:         cols.cell(row, headerProjectID),
			WorkingHours:      parseNumber(cols.cell(row, headerWorkingHours)),
			Status:            cols.cell(row, headerStatus),
			Interviews:        parseNumber(cols.cell(row, headerInterviews)),
			Database:          parseNumber(cols.cell(row, headerDatabase)),
			DatabaseConverted: parseNumber(cols.cell(row, headerDatabaseConverted)),
		}
		if !rec.WorkingHours.Valid {
			rec.WorkingHours = parseNumber(cols.cell(row, headerWorkingHoursConv))
		}
		if !window.Contains(rec.Date) {
			continue
		}

		if status := normalizer.CleanStatus(rec.Status); status != "" {
			res.statuses = append(res.statuses, timesheet.StatusRecord{
				Date:         rec.Date,
				EmployeeName: rec.EmployeeName,
				ProjectID:    rec.ProjectID,
				Status:       status,
				SourceFile:   source,
			})
		}
		if rec.WorkingHours.Valid && rec.WorkingHours.Decimal.IsPositive() {
			res.timesheets = append(res.timesheets, rec)
		}
	}
	if invalidDates > invalidDateSamples {
		res.errors = append(res.errors, fmt.Sprintf("File %s has %d more rows with invalid dates", file, invalidDates-invalidDateSamples))
	}
	return res
}

// parseEmployeeSheet reads the (Employee Name, Mail) pairs of the Employee sheet.
func parseEmployeeSheet(rows [][]string, file string) ([]directory.Entry, []string) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := indexHeader(rows[0])
	var missing []string
	for _, name := range []string{headerEmployeeName, headerMail} {
		if !cols.has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, []string{fmt.Sprintf("File %s has an 'Employee' sheet issue: missing columns %s", file, strings.Join(missing, ", "))}
	}

	var entries []directory.Entry
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		entries = append(entries, directory.Entry{
			EmployeeName: cols.cell(row, headerEmployeeName),
			Mail:         cols.cell(row, headerMail),
		})
	}
	return entries, nil
}

// parseDate accepts Excel serials and the common text layouts.
func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		if serial <= 0 || serial > excelMaxSerial {
			return time.Time{}, false
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, false
		}
		return timesheet.Day(t), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return timesheet.Day(t), true
		}
	}
	return time.Time{}, false
}

// parseNumber coerces a cell to a decimal; anything non-numeric is null.
func parseNumber(v string) decimal.NullDecimal {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.NullDecimal{}
	}
	if d, err := decimal.NewFromString(v); err == nil {
		return decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if strings.Count(v, ",") == 1 && !strings.Contains(v, ".") {
		if d, err := decimal.NewFromString(strings.Replace(v, ",", ".", 1)); err == nil {
			return decimal.NullDecimal{Decimal: d, Valid: true}
		}
	}
	return decimal.NullDecimal{}
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func allBlank(rows [][]string) bool {
	for _, row := range rows {
		if !isBlank(row) {
			return false
		}
	}
	return true
}
