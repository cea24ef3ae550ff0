package timesheet

import "strings"

const tupleSeparator = "\x1f"

// DeduplicateBatch keeps at most one record per distinct tuple of the given
// columns. The last occurrence wins, so callers sort first when order carries
// priority. Unknown columns are ignored; when none of the columns is known the
// batch is returned unchanged. The second result is the number of rows removed.
func DeduplicateBatch(records []Record, columns []Column) ([]Record, int) {
	usable := make([]Column, 0, len(columns))
	for _, col := range columns {
		if _, ok := columnValue(Record{}, col); ok {
			usable = append(usable, col)
		}
	}
	if len(records) == 0 || len(usable) == 0 {
		return records, 0
	}

	tuples := make([]string, len(records))
	last := make(map[string]int, len(records))
	for i, r := range records {
		tuples[i] = tupleOf(r, usable)
		last[tuples[i]] = i
	}
	out := make([]Record, 0, len(last))
	for i, r := range records {
		if last[tuples[i]] == i {
			out = append(out, r)
		}
	}
	return out, len(records) - len(out)
}

// DeduplicateStatuses keeps the last status row per (date, employee, project).
func DeduplicateStatuses(records []StatusRecord) ([]StatusRecord, int) {
	if len(records) == 0 {
		return records, 0
	}
	last := make(map[Key]int, len(records))
	for i, s := range records {
		last[identityOf(s.Identity())] = i
	}
	out := make([]StatusRecord, 0, len(last))
	for i, s := range records {
		if last[identityOf(s.Identity())] == i {
			out = append(out, s)
		}
	}
	return out, len(records) - len(out)
}

func identityOf(k Key) Key {
	return Key{Date: Day(k.Date), EmployeeName: trim(k.EmployeeName), ProjectID: trim(k.ProjectID)}
}

func tupleOf(r Record, columns []Column) string {
	var b strings.Builder
	for i, col := range columns {
		if i > 0 {
			b.WriteString(tupleSeparator)
		}
		v, _ := columnValue(r, col)
		b.WriteString(v)
	}
	return b.String()
}

// columnValue renders a record field for tuple comparison. Nulls render as a
// value distinct from every formatted number.
func columnValue(r Record, col Column) (string, bool) {
	switch col {
	case ColumnDate:
		return formatDate(r.Date), true
	case ColumnEmployeeName:
		return r.EmployeeName, true
	case ColumnEmployeeRole:
		return r.EmployeeRole, true
	case ColumnOfficeLocation:
		return r.OfficeLocation, true
	case ColumnProjectName:
		return r.ProjectName, true
	case ColumnProjectID:
		return r.ProjectID, true
	case ColumnStatus:
		return r.Status, true
	case ColumnWorkingHours:
		return nullableNumber(r.WorkingHours.Valid, formatNumber(r.WorkingHours)), true
	case ColumnInterviews:
		return nullableNumber(r.Interviews.Valid, formatNumber(r.Interviews)), true
	case ColumnDatabase:
		return nullableNumber(r.Database.Valid, formatNumber(r.Database)), true
	case ColumnDatabaseConverted:
		return nullableNumber(r.DatabaseConverted.Valid, formatNumber(r.DatabaseConverted)), true
	default:
		return "", false
	}
}

func nullableNumber(valid bool, v string) string {
	if !valid {
		return "\x00"
	}
	return v
}
