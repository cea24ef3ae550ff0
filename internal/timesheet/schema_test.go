package timesheet

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuoteTable(t *testing.T) {
	require.Equal(t, `"timesheet_entries"`, QuoteTable("timesheet_entries"))
	require.Equal(t, `"ops"."timesheet_entries"`, QuoteTable(" ops.timesheet_entries "))
	require.Equal(t, "ops.timesheet_entries_identity_idx", indexName("ops.timesheet_entries"))
}

func TestCopyStatementUsesNullMarker(t *testing.T) {
	stmt := copyStatement(`"timesheet_entries"`, `\N`)
	require.Equal(t,
		`COPY "timesheet_entries" (work_date, employee_name, employee_role, office_location, project_name, project_id, working_hours, status, interviews, database_value, database_converted) FROM STDIN WITH (FORMAT csv, HEADER true, NULL '\N')`,
		stmt)
}

func TestInsertStatementCastsByColumn(t *testing.T) {
	stmt := insertStatement(`"t"`)
	require.Contains(t, stmt, "$1::text::date")
	require.Contains(t, stmt, "$2::text,")
	require.Contains(t, stmt, "$7::text::numeric")
	require.Contains(t, stmt, "$11::text::numeric)")
}

func TestEncodeCSV(t *testing.T) {
	n := newTestNormalizer()
	r := entry(day(2025, time.January, 1), "Smith, J", "P1", "8", "")
	payload, err := encodeCSV(n.FormatForStore([]Record{r}))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "work_date,employee_name,"))
	require.Equal(t, `2025-01-01,"Smith, J",Recruiter,Remote,Hiring,P1,8,unknown,\N,\N,\N`, lines[1])
}

func TestDedupStatement(t *testing.T) {
	where, args := windowFilter(nil)
	require.Empty(t, where)
	require.Nil(t, args)

	window := januaryWindow()
	where, args = windowFilter(&window)
	require.Len(t, args, 2)

	stmt := dedupStatement(`"t"`, where)
	require.Contains(t, stmt, "PARTITION BY work_date, employee_name, project_id")
	require.Contains(t, stmt, "COALESCE(working_hours, 0) DESC, COALESCE(status, '') DESC")
	require.Contains(t, stmt, "WHERE work_date >= $1 AND work_date <= $2")
	require.Contains(t, stmt, "t.ctid = ranked.row_id AND ranked.rn > 1")
}

func TestSelectListReadsNumericsAsText(t *testing.T) {
	list := selectList()
	require.True(t, strings.HasPrefix(list, "work_date, employee_name"))
	require.Contains(t, list, "working_hours::text")
	require.Contains(t, list, "database_converted::text")
}
