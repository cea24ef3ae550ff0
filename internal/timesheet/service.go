package timesheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Repository persists timesheet rows.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Ping(ctx context.Context) error
	FetchExisting(ctx context.Context, window DateWindow) ([]Record, error)
	BulkInsert(ctx context.Context, records []Record) (int, error)
	Delete(ctx context.Context, keys []Key) error
	UpdateStatus(ctx context.Context, rows []StatusRecord) (int, error)
	DedupStore(ctx context.Context, window *DateWindow) DedupStats
	FetchProblematic(ctx context.Context, since time.Time, statuses []string) ([]Record, error)
}

// Service reconciles parsed spreadsheet rows with the store.
type Service struct {
	repo       Repository
	normalizer *Normalizer
	planner    *Planner
	logger     *slog.Logger
}

// NewService wires the reconciliation service.
func NewService(repo Repository, normalizer *Normalizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		normalizer: normalizer,
		planner:    NewPlanner(normalizer),
		logger:     logger,
	}
}

// Normalizer exposes the normalizer the service was built with.
func (s *Service) Normalizer() *Normalizer {
	return s.normalizer
}

// Ping checks the store connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// FetchExisting loads the store snapshot of the window.
func (s *Service) FetchExisting(ctx context.Context, window DateWindow) ([]Record, error) {
	return s.repo.FetchExisting(ctx, window)
}

// ReconcileTimesheets converges the store with the new records. Updated rows
// are deleted and reinserted inside the same transaction as the inserts, so a
// failure leaves the store untouched. Errors are reported in the stats.
func (s *Service) ReconcileTimesheets(ctx context.Context, newRecords, existing []Record) TimesheetStats {
	var stats TimesheetStats
	if len(newRecords) == 0 {
		return stats
	}

	plan, err := s.planner.PlanTimesheets(newRecords, existing)
	for _, msg := range plan.Rejected {
		s.logger.Debug("timesheet row rejected", slog.String("reason", msg))
	}
	if n := len(plan.Rejected); n > 0 && err == nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("%d timesheet row(s) dropped: missing date, employee name or project id", n))
	}
	if err != nil {
		if errors.Is(err, ErrNoValidRows) {
			stats.Errors = append(stats.Errors, "No valid timesheet rows remained after cleaning.")
			return stats
		}
		stats.Errors = append(stats.Errors, fmt.Sprintf("Error planning timesheet changes: %v", err))
		return stats
	}
	stats.Skipped = plan.Skipped
	if plan.Empty() {
		s.logger.Info("no timesheet changes to apply", slog.Int("skipped", plan.Skipped))
		return stats
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if len(plan.Deletes) > 0 {
			if err := repo.Delete(ctx, plan.Deletes); err != nil {
				return fmt.Errorf("delete %d changed rows: %w", len(plan.Deletes), err)
			}
		}
		payload, _ := s.normalizer.Prepare(plan.Payload())
		if _, err := repo.BulkInsert(ctx, payload); err != nil {
			return fmt.Errorf("bulk insert: %w", err)
		}
		return nil
	})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("Error inserting or updating timesheet data: %v", err))
		s.logger.Error("persist timesheet data", slog.Any("error", err))
		return stats
	}

	stats.Inserted = len(plan.Inserts)
	stats.Updated = len(plan.Updates)
	s.logger.Info("persisted timesheet changes",
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("skipped", stats.Skipped),
	)
	return stats
}

// ReconcileStatuses applies status changes as column updates and inserts bare
// status rows for identities the store does not know yet.
func (s *Service) ReconcileStatuses(ctx context.Context, newStatuses []StatusRecord, existing []Record) StatusStats {
	var stats StatusStats
	if len(newStatuses) == 0 {
		return stats
	}

	plan := s.planner.PlanStatuses(newStatuses, existing)
	if len(plan.Updates) == 0 && len(plan.Inserts) == 0 {
		return stats
	}

	var updated, inserted int
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if len(plan.Updates) > 0 {
			n, err := repo.UpdateStatus(ctx, plan.Updates)
			if err != nil {
				return fmt.Errorf("update statuses: %w", err)
			}
			updated = n
		}
		if len(plan.Inserts) > 0 {
			bare := make([]Record, 0, len(plan.Inserts))
			for _, st := range plan.Inserts {
				bare = append(bare, BareRecord(st))
			}
			payload, _ := s.normalizer.Prepare(bare)
			if _, err := repo.BulkInsert(ctx, payload); err != nil {
				return fmt.Errorf("insert statuses: %w", err)
			}
			inserted = len(plan.Inserts)
		}
		return nil
	})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("Error updating status information: %v", err))
		s.logger.Error("apply status updates", slog.Any("error", err))
		return stats
	}

	stats.Updated = updated
	stats.Inserted = inserted
	s.logger.Info("applied status changes", slog.Int("updated", updated), slog.Int("inserted", inserted), slog.Int("skipped", plan.Skipped))
	return stats
}

// DeduplicateStore runs the store-side deduplication over the window, or the
// whole table when window is nil.
func (s *Service) DeduplicateStore(ctx context.Context, window *DateWindow) DedupStats {
	stats := s.repo.DedupStore(ctx, window)
	if len(stats.Errors) > 0 {
		s.logger.Error("store deduplication failed", slog.Any("errors", stats.Errors))
		return stats
	}
	s.logger.Info("store deduplication complete",
		slog.Int("before", stats.Before),
		slog.Int("after", stats.After),
		slog.Int("removed", stats.Removed),
	)
	return stats
}

// Problematic lists stored rows from the last daysBack days that need
// management attention.
func (s *Service) Problematic(ctx context.Context, now time.Time, daysBack int) ([]Record, error) {
	if daysBack <= 0 {
		daysBack = 3
	}
	since := Day(now).AddDate(0, 0, -daysBack)
	return s.repo.FetchProblematic(ctx, since, s.normalizer.Rules().ProblematicStatuses)
}
