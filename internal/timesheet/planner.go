package timesheet

import (
	"fmt"
	"sort"
	"strings"
)

// TimesheetPlan is the outcome of planning a timesheet batch.
type TimesheetPlan struct {
	Inserts []Record
	Updates []Record
	// Deletes holds the distinct identities whose stored rows are replaced by Updates.
	Deletes []Key
	Skipped int
	// Rejected describes rows dropped because they cannot be keyed.
	Rejected []string
}

// Payload returns inserts followed by updates, the rows to bulk insert.
func (p TimesheetPlan) Payload() []Record {
	out := make([]Record, 0, len(p.Inserts)+len(p.Updates))
	out = append(out, p.Inserts...)
	return append(out, p.Updates...)
}

// Empty reports whether the plan changes nothing.
func (p TimesheetPlan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0
}

// StatusPlan is the outcome of planning a status batch.
type StatusPlan struct {
	Updates  []StatusRecord
	Inserts  []StatusRecord
	Skipped  int
	Rejected []string
}

// Planner classifies new rows into insert, update and skip.
type Planner struct {
	normalizer *Normalizer
}

// NewPlanner builds a planner around the normalizer's rules.
func NewPlanner(normalizer *Normalizer) *Planner {
	return &Planner{normalizer: normalizer}
}

// PlanTimesheets compares new records against the store snapshot of the same
// window. Keyable rows are normalized to their stored form before signing.
// Rows sharing a key with the snapshot but carrying a different signature are
// updates; unknown keys are inserts; the rest are skipped.
func (p *Planner) PlanTimesheets(newRecords, existing []Record) (TimesheetPlan, error) {
	var plan TimesheetPlan
	if len(newRecords) == 0 {
		return plan, nil
	}

	keyable := make([]Record, 0, len(newRecords))
	for i, r := range newRecords {
		if !r.Keyable() {
			plan.Rejected = append(plan.Rejected, rejectReason(i, r.Identity()))
			continue
		}
		keyable = append(keyable, r)
	}
	if len(keyable) == 0 {
		return plan, ErrNoValidRows
	}
	working, _ := p.normalizer.Prepare(keyable)
	SignAll(working)

	current := existingSignatures(existing)
	seen := make(map[string]struct{})
	for _, r := range working {
		sig, ok := current[r.Key]
		switch {
		case !ok:
			plan.Inserts = append(plan.Inserts, r)
		case sig == r.Signature:
			plan.Skipped++
		default:
			plan.Updates = append(plan.Updates, r)
			if _, dup := seen[r.Key]; !dup {
				seen[r.Key] = struct{}{}
				plan.Deletes = append(plan.Deletes, r.Identity())
			}
		}
	}
	return plan, nil
}

// PlanStatuses compares new status rows against the statuses stored for the
// same identities. Status changes become column updates; identities without a
// stored status become bare inserts.
func (p *Planner) PlanStatuses(newStatuses []StatusRecord, existing []Record) StatusPlan {
	var plan StatusPlan
	if len(newStatuses) == 0 {
		return plan
	}

	working := make([]StatusRecord, 0, len(newStatuses))
	for i, s := range newStatuses {
		if !s.Identity().Valid() {
			plan.Rejected = append(plan.Rejected, rejectReason(i, s.Identity()))
			continue
		}
		s.Date = Day(s.Date)
		s.Status = p.normalizer.CleanStatus(s.Status)
		if s.Status == "" {
			continue
		}
		working = append(working, s)
	}
	if len(working) == 0 {
		return plan
	}

	sort.SliceStable(working, func(i, j int) bool {
		a, b := working[i], working[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.EmployeeName != b.EmployeeName {
			return a.EmployeeName < b.EmployeeName
		}
		return a.ProjectID < b.ProjectID
	})
	working, _ = DeduplicateStatuses(working)

	stored := make(map[string]string, len(existing))
	for _, r := range existing {
		stored[SimpleKey(r)] = r.Status
	}

	for _, s := range working {
		s.Key = StatusKey(s)
		current := p.normalizer.CleanStatus(stored[s.Key])
		switch {
		case current == "":
			plan.Inserts = append(plan.Inserts, s)
		case !p.normalizer.SameStatus(current, s.Status):
			plan.Updates = append(plan.Updates, s)
		default:
			plan.Skipped++
		}
	}
	return plan
}

// BareRecord expands a status row into a timesheet record with every other
// field null.
func BareRecord(s StatusRecord) Record {
	return Record{
		Date:         s.Date,
		EmployeeName: s.EmployeeName,
		ProjectID:    s.ProjectID,
		Status:       s.Status,
	}
}

// existingSignatures maps each key to the signature of its canonical stored
// row: rows are ordered by (key, date) with zero dates last and the last row
// of each key wins.
func existingSignatures(existing []Record) map[string]string {
	rows := make([]Record, len(existing))
	copy(rows, existing)
	SignAll(rows)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.Date.IsZero() != b.Date.IsZero() {
			return !a.Date.IsZero()
		}
		return a.Date.Before(b.Date)
	})
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Signature
	}
	return out
}

func rejectReason(index int, k Key) string {
	var missing []string
	if k.Date.IsZero() {
		missing = append(missing, "date")
	}
	if trim(k.EmployeeName) == "" {
		missing = append(missing, "employee name")
	}
	if trim(k.ProjectID) == "" {
		missing = append(missing, "project id")
	}
	return fmt.Sprintf("row %d dropped: missing or invalid %s", index+1, strings.Join(missing, ", "))
}
