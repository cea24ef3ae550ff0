package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/timesheet-sync/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
}

type repository struct {
	db    dbtx
	pool  *pgxpool.Pool
	table pgx.Identifier
	bound bool
}

// NewRepository returns a Repository over table (optionally schema-qualified).
func NewRepository(pool *pgxpool.Pool, table string) Repository {
	if table == "" {
		table = "employee_mail"
	}
	return &repository{
		db:    pool,
		pool:  pool,
		table: pgx.Identifier(strings.Split(strings.TrimSpace(table), ".")),
	}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if r.bound {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		repoTx := &repository{db: tx, pool: r.pool, table: r.table, bound: true}
		return fn(ctx, repoTx)
	})
}

func (r *repository) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf("SELECT employee_name, mail FROM %s ORDER BY employee_name", r.table.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EmployeeName, &e.Mail); err != nil {
			return nil, fmt.Errorf("directory: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Replace swaps the table contents for entries.
func (r *repository) Replace(ctx context.Context, entries []Entry) error {
	if _, err := r.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s", r.table.Sanitize())); err != nil {
		return fmt.Errorf("directory: clear: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	_, err := r.db.CopyFrom(ctx, r.table, []string{"employee_name", "mail"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			return []any{entries[i].EmployeeName, entries[i].Mail}, nil
		}))
	if err != nil {
		return fmt.Errorf("directory: copy: %w", err)
	}
	return nil
}

// EnsureSchema creates the directory table.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, table string) error {
	ident := pgx.Identifier(strings.Split(strings.TrimSpace(table), "."))
	_, err := pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    employee_name text PRIMARY KEY,
    mail          text NOT NULL
)`, ident.Sanitize()))
	if err != nil {
		return fmt.Errorf("directory: ensure schema: %w", err)
	}
	return nil
}
