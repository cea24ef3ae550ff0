package timesheet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	rows []Record

	insertErr error
	deleteErr error
	updateErr error

	dedupWindows []*DateWindow
	since        time.Time
	statuses     []string
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	snapshot := append([]Record(nil), r.rows...)
	if err := fn(ctx, r); err != nil {
		r.rows = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) Ping(context.Context) error { return nil }

func (r *memoryRepo) FetchExisting(_ context.Context, window DateWindow) ([]Record, error) {
	var out []Record
	for _, row := range r.rows {
		if !row.Date.IsZero() && window.Contains(row.Date) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memoryRepo) BulkInsert(_ context.Context, records []Record) (int, error) {
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	for _, rec := range records {
		rec.Key, rec.Signature = "", ""
		r.rows = append(r.rows, rec)
	}
	return len(records), nil
}

func (r *memoryRepo) Delete(_ context.Context, keys []Key) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	drop := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		drop[identityOf(k)] = struct{}{}
	}
	kept := r.rows[:0]
	for _, row := range r.rows {
		if _, ok := drop[identityOf(row.Identity())]; !ok {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

func (r *memoryRepo) UpdateStatus(_ context.Context, rows []StatusRecord) (int, error) {
	if r.updateErr != nil {
		return 0, r.updateErr
	}
	updated := 0
	for _, s := range rows {
		matched := false
		for i := range r.rows {
			if identityOf(r.rows[i].Identity()) == identityOf(s.Identity()) {
				r.rows[i].Status = s.Status
				matched = true
			}
		}
		if matched {
			updated++
		}
	}
	return updated, nil
}

func (r *memoryRepo) DedupStore(_ context.Context, window *DateWindow) DedupStats {
	r.dedupWindows = append(r.dedupWindows, window)
	return DedupStats{Before: len(r.rows), After: len(r.rows)}
}

func (r *memoryRepo) FetchProblematic(_ context.Context, since time.Time, statuses []string) ([]Record, error) {
	r.since = since
	r.statuses = statuses
	return nil, nil
}

func januaryWindow() DateWindow {
	return DateWindow{Start: day(2025, time.January, 1), End: day(2025, time.January, 31)}
}

func newTestService(repo Repository) *Service {
	return NewService(repo, newTestNormalizer(), nil)
}

func TestReconcileTimesheetsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := &memoryRepo{}
	svc := newTestService(repo)
	d := day(2025, time.January, 6)
	batch := []Record{
		entry(d, "Alice", "P1", "8.0", "Complete"),
		entry(d, "Bob", "P2", "4", ""),
		entry(d, "Cara", "P1", "0", "Incomplete"),
	}

	first := svc.ReconcileTimesheets(ctx, batch, nil)
	require.Empty(t, first.Errors)
	require.Equal(t, 3, first.Inserted)
	require.Zero(t, first.Updated)
	require.Len(t, repo.rows, 3)

	existing, err := svc.FetchExisting(ctx, januaryWindow())
	require.NoError(t, err)

	second := svc.ReconcileTimesheets(ctx, batch, existing)
	require.Empty(t, second.Errors)
	require.Zero(t, second.Inserted)
	require.Zero(t, second.Updated)
	require.Equal(t, 3, second.Skipped)
	require.Len(t, repo.rows, 3)
}

func TestReconcileTimesheetsReplacesChangedRows(t *testing.T) {
	ctx := context.Background()
	d := day(2025, time.January, 1)
	repo := &memoryRepo{rows: storedForm(t,
		entry(d, "Alice", "P1", "8", "Complete"),
		entry(d, "Alice", "P1", "8", "Complete"),
	)}
	svc := newTestService(repo)

	existing, err := svc.FetchExisting(ctx, januaryWindow())
	require.NoError(t, err)

	stats := svc.ReconcileTimesheets(ctx, []Record{entry(d, "Alice", "P1", "6", "Complete")}, existing)
	require.Empty(t, stats.Errors)
	require.Equal(t, 1, stats.Updated)
	require.Len(t, repo.rows, 1)
	require.Equal(t, "6", formatNumber(repo.rows[0].WorkingHours))
}

func TestReconcileTimesheetsRollsBackOnInsertFailure(t *testing.T) {
	ctx := context.Background()
	d := day(2025, time.January, 1)
	repo := &memoryRepo{rows: storedForm(t, entry(d, "Alice", "P1", "8", "Complete"))}
	repo.insertErr = errors.New("connection reset")
	svc := newTestService(repo)

	existing, err := svc.FetchExisting(ctx, januaryWindow())
	require.NoError(t, err)

	stats := svc.ReconcileTimesheets(ctx, []Record{entry(d, "Alice", "P1", "6", "Complete")}, existing)
	require.Len(t, stats.Errors, 1)
	require.Contains(t, stats.Errors[0], "Error inserting or updating timesheet data")
	require.Contains(t, stats.Errors[0], "connection reset")
	require.Zero(t, stats.Updated)
	require.Len(t, repo.rows, 1)
	require.Equal(t, "8", formatNumber(repo.rows[0].WorkingHours))
}

func TestReconcileTimesheetsReportsDroppedRows(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&memoryRepo{})
	d := day(2025, time.January, 1)

	stats := svc.ReconcileTimesheets(ctx, []Record{
		entry(d, "", "P1", "8", ""),
		entry(d, "Bob", "P1", "8", ""),
	}, nil)
	require.Equal(t, 1, stats.Inserted)
	require.Equal(t, []string{"1 timesheet row(s) dropped: missing date, employee name or project id"}, stats.Errors)

	stats = svc.ReconcileTimesheets(ctx, []Record{entry(time.Time{}, "Bob", "P1", "8", "")}, nil)
	require.Equal(t, []string{"No valid timesheet rows remained after cleaning."}, stats.Errors)
}

func TestReconcileTimesheetsEmptyBatch(t *testing.T) {
	stats := newTestService(&memoryRepo{}).ReconcileTimesheets(context.Background(), nil, nil)
	require.Equal(t, TimesheetStats{}, stats)
}

func TestReconcileStatuses(t *testing.T) {
	ctx := context.Background()
	d := day(2025, time.January, 1)
	repo := &memoryRepo{rows: storedForm(t,
		entry(d, "Alice", "P1", "8", "Pending"),
		entry(d, "Bob", "P1", "8", "Pending"),
	)}
	svc := newTestService(repo)
	existing, err := svc.FetchExisting(ctx, januaryWindow())
	require.NoError(t, err)

	stats := svc.ReconcileStatuses(ctx, []StatusRecord{
		{Date: d, EmployeeName: "Alice", ProjectID: "P1", Status: "Complete"},
		{Date: d, EmployeeName: "Bob", ProjectID: "P1", Status: "PENDING"},
		{Date: d, EmployeeName: "Cara", ProjectID: "P2", Status: "Pending"},
	}, existing)
	require.Empty(t, stats.Errors)
	require.Equal(t, 1, stats.Updated)
	require.Equal(t, 1, stats.Inserted)
	require.Len(t, repo.rows, 3)
	require.Equal(t, "Complete", repo.rows[0].Status)

	bare := repo.rows[2]
	require.Equal(t, "Cara", bare.EmployeeName)
	require.Equal(t, "Pending", bare.Status)
	require.False(t, bare.WorkingHours.Valid)
	require.Equal(t, "unknown", bare.EmployeeRole)
}

func TestReconcileStatusesReportsFailure(t *testing.T) {
	ctx := context.Background()
	d := day(2025, time.January, 1)
	repo := &memoryRepo{rows: storedForm(t, entry(d, "Alice", "P1", "8", "Pending"))}
	repo.updateErr = errors.New("lock timeout")
	svc := newTestService(repo)

	stats := svc.ReconcileStatuses(ctx, []StatusRecord{
		{Date: d, EmployeeName: "Alice", ProjectID: "P1", Status: "Complete"},
	}, repo.rows)
	require.Len(t, stats.Errors, 1)
	require.Contains(t, stats.Errors[0], "Error updating status information")
	require.Zero(t, stats.Updated)
	require.Equal(t, "Pending", repo.rows[0].Status)
}

func TestDeduplicateStorePassesWindow(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	window := januaryWindow()

	svc.DeduplicateStore(context.Background(), &window)
	svc.DeduplicateStore(context.Background(), nil)
	require.Len(t, repo.dedupWindows, 2)
	require.Equal(t, &window, repo.dedupWindows[0])
	require.Nil(t, repo.dedupWindows[1])
}

func TestProblematicDefaultsToThreeDays(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	now := time.Date(2025, time.January, 10, 15, 4, 0, 0, time.UTC)

	_, err := svc.Problematic(context.Background(), now, 0)
	require.NoError(t, err)
	require.Equal(t, day(2025, time.January, 7), repo.since)
	require.Equal(t, DefaultRules().ProblematicStatuses, repo.statuses)
}
