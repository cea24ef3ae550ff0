// Package directory maintains the employee e-mail directory read from the
// Employee sheets.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Entry maps an employee name to a mail address.
type Entry struct {
	EmployeeName string `validate:"required"`
	Mail         string `validate:"required,email"`
}

// Stats summarises one directory update.
type Stats struct {
	Received int
	Saved    int
	Errors   []string
}

// Repository stores the directory.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	List(ctx context.Context) ([]Entry, error)
	Replace(ctx context.Context, entries []Entry) error
}

var validate = validator.New()

// Prepare trims entries, drops those missing a name or mail and rejects
// malformed addresses. Rejections are returned as messages.
func Prepare(rows []Entry) ([]Entry, []string) {
	out := make([]Entry, 0, len(rows))
	var problems []string
	for _, row := range rows {
		row.EmployeeName = strings.TrimSpace(row.EmployeeName)
		row.Mail = strings.TrimSpace(row.Mail)
		if row.EmployeeName == "" || row.Mail == "" {
			continue
		}
		if err := validate.Struct(row); err != nil {
			problems = append(problems, fmt.Sprintf("Invalid mail address %q for employee %s", row.Mail, row.EmployeeName))
			continue
		}
		out = append(out, row)
	}
	return out, problems
}

// Merge appends incoming to existing and keeps the last entry per employee name.
func Merge(existing, incoming []Entry) []Entry {
	combined := make([]Entry, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)

	last := make(map[string]int, len(combined))
	for i, e := range combined {
		last[e.EmployeeName] = i
	}
	out := make([]Entry, 0, len(last))
	for i, e := range combined {
		if last[e.EmployeeName] == i {
			out = append(out, e)
		}
	}
	return out
}

// Service updates the directory.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService constructs a directory service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Update merges rows into the stored directory and replaces its contents in
// one transaction. Failures are reported in the stats.
func (s *Service) Update(ctx context.Context, rows []Entry) Stats {
	stats := Stats{Received: len(rows)}
	if len(rows) == 0 {
		return stats
	}
	prepared, problems := Prepare(rows)
	stats.Errors = append(stats.Errors, problems...)
	if len(prepared) == 0 {
		return stats
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		existing, err := repo.List(ctx)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		merged := Merge(existing, prepared)
		if err := repo.Replace(ctx, merged); err != nil {
			return fmt.Errorf("replace: %w", err)
		}
		stats.Saved = len(merged)
		return nil
	})
	if err != nil {
		stats.Saved = 0
		stats.Errors = append(stats.Errors, fmt.Sprintf("Error updating employee email table: %v", err))
		s.logger.Error("update mail table", slog.Any("error", err))
		return stats
	}
	s.logger.Info("updated employee email table", slog.Int("records", stats.Saved))
	return stats
}
