package timesheet

import (
	"time"

	"github.com/shopspring/decimal"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func num(v string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(v), Valid: true}
}

func entry(date time.Time, employee, project, hours, status string) Record {
	r := Record{
		Date:           date,
		EmployeeName:   employee,
		EmployeeRole:   "Recruiter",
		OfficeLocation: "Remote",
		ProjectName:    "Hiring",
		ProjectID:      project,
		Status:         status,
	}
	if hours != "" {
		r.WorkingHours = num(hours)
	}
	return r
}
