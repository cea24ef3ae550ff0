// Package sheets extracts timesheet, status and e-mail rows from the
// employee spreadsheets.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/timesheet-sync/internal/directory"
	"github.com/odyssey-erp/timesheet-sync/internal/timesheet"
)

// Payload is everything extracted from one set of folders.
type Payload struct {
	Timesheets     []timesheet.Record
	Statuses       []timesheet.StatusRecord
	Emails         []directory.Entry
	Errors         []string
	FilesProcessed int
}

// Empty reports whether no timesheet or status row was found.
func (p Payload) Empty() bool {
	return len(p.Timesheets) == 0 && len(p.Statuses) == 0
}

// Options configures a Reader.
type Options struct {
	Excluded    []string
	Concurrency int
	Normalizer  *timesheet.Normalizer
	Logger      *slog.Logger
}

// Reader loads spreadsheets concurrently and merges them in discovery order.
type Reader struct {
	excluded    []string
	concurrency int
	normalizer  *timesheet.Normalizer
	logger      *slog.Logger
}

// NewReader builds a Reader.
func NewReader(opts Options) *Reader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = timesheet.NewNormalizer(timesheet.DefaultRules(), opts.Logger)
	}
	return &Reader{
		excluded:    slices.Clone(opts.Excluded),
		concurrency: opts.Concurrency,
		normalizer:  opts.Normalizer,
		logger:      opts.Logger,
	}
}

// item is either a folder-level message or a file to parse.
type item struct {
	message string
	path    string
}

type fileResult struct {
	sheetResult
	emails []directory.Entry
}

// Load parses every spreadsheet below folders, keeping rows inside window.
// Per-file problems are collected in Payload.Errors; only cancellation
// returns an error.
func (r *Reader) Load(ctx context.Context, folders []string, window timesheet.DateWindow) (Payload, error) {
	var items []item
	for _, folder := range folders {
		files, err := Discover(folder, r.excluded)
		switch {
		case errors.Is(err, ErrFolderNotFound):
			r.logger.Warn("folder does not exist", slog.String("folder", folder))
		case err != nil:
			items = append(items, item{message: fmt.Sprintf("Folder %s could not be scanned: %v", folder, err)})
			continue
		}
		if len(files) == 0 {
			items = append(items, item{message: fmt.Sprintf("No Excel files found in directory: %s", folder)})
			continue
		}
		for _, path := range files {
			items = append(items, item{path: path})
		}
	}

	results := make([]fileResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, it := range items {
		if it.path == "" {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.loadFile(it.path, window)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Payload{}, err
	}

	var payload Payload
	for i, it := range items {
		if it.path == "" {
			payload.Errors = append(payload.Errors, it.message)
			continue
		}
		res := results[i]
		payload.FilesProcessed++
		payload.Errors = append(payload.Errors, res.errors...)
		payload.Timesheets = append(payload.Timesheets, res.timesheets...)
		payload.Statuses = append(payload.Statuses, res.statuses...)
		payload.Emails = append(payload.Emails, res.emails...)
	}
	r.logger.Info("loaded timesheet files",
		slog.Int("files", payload.FilesProcessed),
		slog.Int("timesheets", len(payload.Timesheets)),
		slog.Int("statuses", len(payload.Statuses)),
		slog.Int("emails", len(payload.Emails)),
	)
	return payload, nil
}

func (r *Reader) loadFile(path string, window timesheet.DateWindow) fileResult {
	var res fileResult
	wb, err := openWorkbook(path)
	if err != nil {
		res.errors = append(res.errors, fmt.Sprintf("File %s could not be opened: %v", path, err))
		return res
	}
	defer func() {
		if err := wb.Close(); err != nil {
			r.logger.Debug("close workbook", slog.String("file", path), slog.Any("error", err))
		}
	}()

	names := wb.SheetNames()
	if !slices.Contains(names, databaseSheet) {
		res.errors = append(res.errors, fmt.Sprintf("File %s is missing the '%s' sheet", path, databaseSheet))
		return res
	}
	rows, err := wb.Rows(databaseSheet)
	if err != nil {
		res.errors = append(res.errors, fmt.Sprintf("File %s could not read '%s' sheet: %v", path, databaseSheet, err))
		return res
	}
	res.sheetResult = parseDatabaseSheet(rows, window, path, r.normalizer)

	if slices.Contains(names, employeeSheet) {
		rows, err := wb.Rows(employeeSheet)
		if err != nil {
			res.errors = append(res.errors, fmt.Sprintf("File %s has an '%s' sheet issue: %v", path, employeeSheet, err))
			return res
		}
		emails, problems := parseEmployeeSheet(rows, path)
		res.emails = emails
		res.errors = append(res.errors, problems...)
	}
	r.logger.Debug("parsed workbook", slog.String("file", path),
		slog.Int("timesheets", len(res.timesheets)), slog.Int("statuses", len(res.statuses)))
	return res
}
