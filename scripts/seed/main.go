package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/timesheet-sync/internal/app"
)

type employee struct {
	name     string
	role     string
	office   string
	team     string
	projects []string
}

var employees = []employee{
	{name: "Alice Meyer", role: "Recruiter", office: "Vienna", team: "team-vienna", projects: []string{"P-100", "P-120"}},
	{name: "Bruno Costa", role: "Sourcer", office: "Vienna", team: "team-vienna", projects: []string{"P-100"}},
	{name: "Cara Novak", role: "Recruiter", office: "Prague", team: "team-prague", projects: []string{"P-210"}},
	{name: "Dmitri Orlov", role: "Researcher", office: "Prague", team: "team-prague", projects: []string{"P-210", "P-230"}},
}

var statuses = []string{"Complete", "Complete", "Complete", "Pending", "Incomplete", "To Review", ""}

var databaseHeader = []any{
	"Date", "Employee Name", "Employee Role", "Office Location", "Project Name", "Project ID",
	"Working Hours", "Working Hours Converted", "Status", "Interviews", "Database", "Database Converted",
}

func main() {
	dir := getenv("SEED_DIR", filepath.Join("testdata", "timesheets"))
	seed, err := strconv.ParseInt(getenv("SEED_RANDOM", "42"), 10, 64)
	if err != nil {
		log.Fatalf("parse SEED_RANDOM: %v", err)
	}
	rng := rand.New(rand.NewSource(seed))
	now := time.Now().UTC()

	fmt.Println("→ Writing timesheet workbooks...")
	for _, emp := range employees {
		path := filepath.Join(dir, emp.team, strings.ReplaceAll(strings.ToLower(emp.name), " ", "_")+".xlsx")
		if err := writeWorkbook(path, emp, monthRows(rng, emp, now)); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		fmt.Printf("  %s\n", path)
	}
	if err := os.MkdirAll(filepath.Join(dir, "Template"), 0o755); err != nil {
		log.Fatalf("create template folder: %v", err)
	}

	if os.Getenv("SEED_MIGRATE") == "1" {
		fmt.Println("→ Ensuring store schema...")
		if err := migrate(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	fmt.Printf("✅ Seed complete. Run: TIMESHEET_FOLDERS=%s timesheetsync run\n", strings.Join(teamFolders(dir), ","))
}

// monthRows yields one row per project and weekday of now's month up to now.
func monthRows(rng *rand.Rand, emp employee, now time.Time) [][]any {
	rows := [][]any{databaseHeader}
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for day := first; !day.After(now) && day.Month() == now.Month(); day = day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		for _, project := range emp.projects {
			status := statuses[rng.Intn(len(statuses))]
			var hours any
			if status != "Incomplete" {
				hours = float64(2 + rng.Intn(7))
			}
			rows = append(rows, []any{
				day, emp.name, emp.role, emp.office, "Project " + project, project,
				hours, nil, status, rng.Intn(4), nil, nil,
			})
		}
	}
	return rows
}

func writeWorkbook(path string, emp employee, rows [][]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheets := map[string][][]any{
		"Database": rows,
		"Employee": {
			{"Employee Name", "Mail"},
			{emp.name, strings.ReplaceAll(strings.ToLower(emp.name), " ", ".") + "@example.com"},
		},
	}
	for _, name := range []string{"Database", "Employee"} {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
		for i, row := range sheets[name] {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				return err
			}
			row := row
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				return err
			}
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func migrate() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	services, err := app.Bootstrap(ctx, cfg, app.NewLogger(cfg), app.BootstrapOptions{RequireStore: true})
	if err != nil {
		return err
	}
	defer services.Close()
	return services.Migrate(ctx)
}

func teamFolders(dir string) []string {
	seen := map[string]bool{}
	var out []string
	for _, emp := range employees {
		if !seen[emp.team] {
			seen[emp.team] = true
			out = append(out, filepath.Join(dir, emp.team))
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
