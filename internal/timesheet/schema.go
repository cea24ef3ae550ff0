package timesheet

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(name string) string {
	return pgx.Identifier(strings.Split(strings.TrimSpace(name), ".")).Sanitize()
}

func indexName(table string) string {
	parts := strings.Split(strings.TrimSpace(table), ".")
	parts[len(parts)-1] += "_identity_idx"
	return strings.Join(parts, ".")
}

func columnNames() []string {
	names := make([]string, 0, len(StoreColumns))
	for _, col := range StoreColumns {
		names = append(names, string(col))
	}
	return names
}

// selectList reads numerics as text so decimals round-trip without float loss.
func selectList() string {
	cols := make([]string, 0, len(StoreColumns))
	for _, col := range StoreColumns {
		if isNumeric(col) {
			cols = append(cols, string(col)+"::text")
			continue
		}
		cols = append(cols, string(col))
	}
	return strings.Join(cols, ", ")
}

func isNumeric(col Column) bool {
	switch col {
	case ColumnWorkingHours, ColumnInterviews, ColumnDatabase, ColumnDatabaseConverted:
		return true
	}
	return false
}

func copyStatement(table, nullMarker string) string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true, NULL '%s')",
		table, strings.Join(columnNames(), ", "), strings.ReplaceAll(nullMarker, "'", "''"))
}

// insertStatement casts every text parameter to its column type, mirroring
// how COPY parses the same fields.
func insertStatement(table string) string {
	placeholders := make([]string, 0, len(StoreColumns))
	for i, col := range StoreColumns {
		switch {
		case col == ColumnDate:
			placeholders = append(placeholders, fmt.Sprintf("$%d::text::date", i+1))
		case isNumeric(col):
			placeholders = append(placeholders, fmt.Sprintf("$%d::text::numeric", i+1))
		default:
			placeholders = append(placeholders, fmt.Sprintf("$%d::text", i+1))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columnNames(), ", "), strings.Join(placeholders, ", "))
}

func windowFilter(window *DateWindow) (string, []interface{}) {
	if window == nil {
		return "", nil
	}
	return "WHERE work_date >= $1 AND work_date <= $2", []interface{}{pgDate(window.Start), pgDate(window.End)}
}

// dedupStatement ranks rows inside each identity partition and deletes every
// physical row except the first; the keeper is addressed by ctid so rows with
// identical values are told apart.
func dedupStatement(table, where string) string {
	return fmt.Sprintf(`WITH ranked AS (
    SELECT ctid AS row_id,
           ROW_NUMBER() OVER (
               PARTITION BY work_date, employee_name, project_id
               ORDER BY work_date DESC, COALESCE(working_hours, 0) DESC, COALESCE(status, '') DESC
           ) AS rn
    FROM %[1]s
    %[2]s
)
DELETE FROM %[1]s AS t
USING ranked
WHERE t.ctid = ranked.row_id AND ranked.rn > 1`, table, where)
}

func schemaStatements(table, index string) []string {
	indexIdent := index
	if i := strings.LastIndex(index, "."); i >= 0 {
		indexIdent = index[i+1:]
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    work_date          date NOT NULL,
    employee_name      text NOT NULL,
    employee_role      text,
    office_location    text,
    project_name       text,
    project_id         text NOT NULL,
    working_hours      numeric(10,2),
    status             text,
    interviews         numeric(10,2),
    database_value     numeric(12,2),
    database_converted numeric(12,2),
    loaded_at          timestamptz NOT NULL DEFAULT now()
)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (work_date, employee_name, project_id)", indexIdent, table),
	}
}
