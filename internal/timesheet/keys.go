package timesheet

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const keySeparator = "|"

// SimpleKey renders the (date, employee, project) identity of a record.
// A zero date renders as an empty component.
func SimpleKey(r Record) string {
	return r.Identity().String()
}

// StatusKey renders the identity of a status row with the same layout as SimpleKey.
func StatusKey(s StatusRecord) string {
	return s.Identity().String()
}

// Signature renders every mutable field of a record, prefixed by its date.
// Two records with the same key and signature are unchanged. Case is kept.
func Signature(r Record) string {
	parts := []string{
		formatDate(r.Date),
		trim(r.EmployeeName),
		trim(r.EmployeeRole),
		trim(r.OfficeLocation),
		trim(r.ProjectName),
		trim(r.ProjectID),
		formatNumber(r.WorkingHours),
		trim(r.Status),
		formatNumber(r.Interviews),
		formatNumber(r.Database),
		formatNumber(r.DatabaseConverted),
	}
	return strings.Join(parts, keySeparator)
}

// Sign fills the derived Key and Signature fields.
func (r *Record) Sign() {
	r.Key = SimpleKey(*r)
	r.Signature = Signature(*r)
}

// SignAll signs every record of the batch in place.
func SignAll(records []Record) {
	for i := range records {
		records[i].Sign()
	}
}

func trim(s string) string {
	return strings.TrimSpace(s)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// formatNumber renders a nullable decimal with two-decimal rounding and the
// trailing zeros and point stripped. Null renders as "".
func formatNumber(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	s := d.Decimal.StringFixed(2)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
