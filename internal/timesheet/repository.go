package timesheet

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/timesheet-sync/internal/platform/db"
)

// dedupAttempts bounds the serializable retries of a store deduplication.
const dedupAttempts = 3

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Begin(context.Context) (pgx.Tx, error)
}

// RepositoryConfig configures the PostgreSQL repository.
type RepositoryConfig struct {
	// Table is the timesheet table, optionally schema-qualified.
	Table      string
	Timeout    time.Duration
	Normalizer *Normalizer
	Logger     *slog.Logger
}

type repository struct {
	db         dbtx
	pool       *pgxpool.Pool
	tx         pgx.Tx
	table      string
	identity   string
	timeout    time.Duration
	normalizer *Normalizer
	logger     *slog.Logger
}

// NewRepository returns a Repository backed by PostgreSQL.
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig) Repository {
	return newRepository(pool, pool, cfg)
}

func newRepository(conn dbtx, pool *pgxpool.Pool, cfg RepositoryConfig) *repository {
	if cfg.Table == "" {
		cfg.Table = "timesheet_entries"
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = NewNormalizer(DefaultRules(), cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &repository{
		db:         conn,
		pool:       pool,
		table:      QuoteTable(cfg.Table),
		identity:   QuoteTable(indexName(cfg.Table)),
		timeout:    cfg.Timeout,
		normalizer: cfg.Normalizer,
		logger:     cfg.Logger,
	}
}

// WithTx runs fn inside a transaction. A repository already bound to a
// transaction joins it.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, r.bind(tx))
	})
}

func (r *repository) bind(tx pgx.Tx) *repository {
	bound := *r
	bound.db = tx
	bound.tx = tx
	return &bound
}

func (r *repository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if r.pool != nil {
		return r.pool.Ping(ctx)
	}
	_, err := r.db.Exec(ctx, "SELECT 1")
	return err
}

func (r *repository) FetchExisting(ctx context.Context, window DateWindow) ([]Record, error) {
	if Day(window.End).Before(Day(window.Start)) {
		return nil, ErrInvalidWindow
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE work_date IS NOT NULL AND work_date >= $1 AND work_date <= $2
ORDER BY work_date, employee_name, project_id`, selectList(), r.table)
	rows, err := r.db.Query(ctx, query, pgDate(window.Start), pgDate(window.End))
	if err != nil {
		return nil, fmt.Errorf("timesheet: fetch existing: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("timesheet: fetch existing: %w", err)
	}
	r.logger.Debug("fetched existing timesheet rows", slog.Int("rows", len(records)), slog.String("window", window.String()))
	return records, nil
}

// BulkInsert loads records with COPY inside a savepoint and falls back to a
// batched INSERT when COPY fails. Outside a transaction it opens one.
func (r *repository) BulkInsert(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if r.tx == nil {
		var inserted int
		err := r.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			inserted, err = repo.BulkInsert(ctx, records)
			return err
		})
		return inserted, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows := r.normalizer.FormatForStore(records)
	inserted, err := r.copyRows(ctx, rows)
	if err == nil {
		r.logger.Debug("bulk loaded timesheet rows", slog.Int("rows", inserted))
		return inserted, nil
	}
	r.logger.Warn("copy failed, falling back to batched insert", slog.Any("error", err))

	inserted, err = r.insertRows(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("timesheet: bulk insert: %w", err)
	}
	return inserted, nil
}

func (r *repository) copyRows(ctx context.Context, rows [][]string) (int, error) {
	payload, err := encodeCSV(rows)
	if err != nil {
		return 0, err
	}
	var copied int64
	err = db.WithSavepoint(ctx, r.tx, func(sp pgx.Tx) error {
		tag, err := sp.Conn().PgConn().CopyFrom(ctx, bytes.NewReader(payload), copyStatement(r.table, r.normalizer.Rules().NullMarker))
		if err != nil {
			return err
		}
		copied = tag.RowsAffected()
		return nil
	})
	return int(copied), err
}

func (r *repository) insertRows(ctx context.Context, rows [][]string) (int, error) {
	statement := insertStatement(r.table)
	marker := r.normalizer.Rules().NullMarker

	batch := &pgx.Batch{}
	for _, row := range rows {
		args := make([]interface{}, len(row))
		for i, field := range row {
			if field == marker {
				args[i] = nil
				continue
			}
			args[i] = field
		}
		batch.Queue(statement, args...)
	}
	results := r.db.SendBatch(ctx, batch)
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("row %d: %w", i+1, err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (r *repository) Delete(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	statement := fmt.Sprintf("DELETE FROM %s WHERE work_date = $1 AND employee_name = $2 AND project_id = $3", r.table)
	batch := &pgx.Batch{}
	for _, k := range keys {
		k = identityOf(k)
		batch.Queue(statement, pgDate(k.Date), k.EmployeeName, k.ProjectID)
	}
	results := r.db.SendBatch(ctx, batch)
	for range keys {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("timesheet: delete: %w", err)
		}
	}
	return results.Close()
}

// UpdateStatus sets the status column of every row matching each identity and
// returns the number of identities that matched at least one row.
func (r *repository) UpdateStatus(ctx context.Context, rows []StatusRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	statement := fmt.Sprintf("UPDATE %s SET status = $4 WHERE work_date = $1 AND employee_name = $2 AND project_id = $3", r.table)
	batch := &pgx.Batch{}
	for _, s := range rows {
		k := identityOf(s.Identity())
		batch.Queue(statement, pgDate(k.Date), k.EmployeeName, k.ProjectID, s.Status)
	}
	results := r.db.SendBatch(ctx, batch)
	updated := 0
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("timesheet: update status: %w", err)
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("timesheet: update status: %w", err)
	}
	return updated, nil
}

// DedupStore keeps one row per (date, employee, project) inside window, or
// over the whole table when window is nil. The survivor has the greatest
// hours, then the greatest status. The pass runs in one serializable
// transaction retried on serialization failures.
func (r *repository) DedupStore(ctx context.Context, window *DateWindow) DedupStats {
	var stats DedupStats
	if r.pool == nil {
		stats.Errors = append(stats.Errors, "Error during deduplication: no connection pool")
		return stats
	}
	where, args := windowFilter(window)
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", r.table, where)
	deleteSQL := dedupStatement(r.table, where)

	err := db.WithRetryTx(ctx, r.pool, dedupAttempts, func(tx pgx.Tx) error {
		stats = DedupStats{}
		if err := tx.QueryRow(ctx, countSQL, args...).Scan(&stats.Before); err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		if stats.Before == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, deleteSQL, args...)
		if err != nil {
			return fmt.Errorf("delete duplicates: %w", err)
		}
		stats.Removed = int(tag.RowsAffected())
		if err := tx.QueryRow(ctx, countSQL, args...).Scan(&stats.After); err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return DedupStats{Errors: []string{fmt.Sprintf("Error during deduplication: %v", err)}}
	}
	return stats
}

// FetchProblematic lists rows dated on or after since whose status is in
// statuses (case-insensitive) or that carry neither hours nor a status.
func (r *repository) FetchProblematic(ctx context.Context, since time.Time, statuses []string) ([]Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	lowered := make([]string, 0, len(statuses))
	for _, s := range statuses {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(s)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE work_date >= $1
  AND (LOWER(status) = ANY($2)
       OR ((working_hours IS NULL OR working_hours = 0)
           AND (status IS NULL OR TRIM(status) = '' OR LOWER(status) = $3)))
ORDER BY work_date DESC, employee_name`, selectList(), r.table)

	rows, err := r.db.Query(ctx, query, pgDate(since), lowered, strings.ToLower(r.normalizer.Rules().UnknownText))
	if err != nil {
		return nil, fmt.Errorf("timesheet: fetch problematic: %w", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("timesheet: fetch problematic: %w", err)
	}
	return records, nil
}

// EnsureSchema creates the timesheet table and its identity index.
func (r *repository) EnsureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements(r.table, r.identity) {
		if _, err := r.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("timesheet: ensure schema: %w", err)
		}
	}
	return nil
}

// EnsureSchema creates the timesheet table when repo is the PostgreSQL
// repository and is a no-op otherwise.
func EnsureSchema(ctx context.Context, repo Repository) error {
	pg, ok := repo.(*repository)
	if !ok {
		return nil
	}
	return pg.EnsureSchema(ctx)
}

func (r *repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var date pgtype.Date
		var name, role, office, projectName, projectID, status pgtype.Text
		var hours, interviews, database, converted pgtype.Text
		if err := rows.Scan(&date, &name, &role, &office, &projectName, &projectID, &hours, &status, &interviews, &database, &converted); err != nil {
			return nil, err
		}
		rec := Record{
			EmployeeName:   name.String,
			EmployeeRole:   role.String,
			OfficeLocation: office.String,
			ProjectName:    projectName.String,
			ProjectID:      projectID.String,
			Status:         status.String,
		}
		if date.Valid {
			rec.Date = Day(date.Time)
		}
		var err error
		if rec.WorkingHours, err = parseNumeric(hours); err != nil {
			return nil, err
		}
		if rec.Interviews, err = parseNumeric(interviews); err != nil {
			return nil, err
		}
		if rec.Database, err = parseNumeric(database); err != nil {
			return nil, err
		}
		if rec.DatabaseConverted, err = parseNumeric(converted); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func parseNumeric(v pgtype.Text) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse numeric %q: %w", v.String, err)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func pgDate(t time.Time) pgtype.Date {
	if t.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: Day(t), Valid: true}
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columnNames()); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
