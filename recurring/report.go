/*
report.go - Client-centric monthly visit report

PURPOSE:
  Merges the visits emitted by CompleteCycle with pre-planned roster entries
  and groups them by client, then by calendar month.

SOURCE RULE:
  A roster entry is reportable only if its TaskDetail names (trimmed,
  case-insensitive) a recurring task that currently has at least one team
  member mapping. Ad-hoc roster activity never reaches the report.

DEDUPLICATION:
  A roster entry and an emitted visit for the same
  (client, employee, date, task title) count once. The emitted visit wins.

ORDERING:
  clients  alphabetical by name, case-insensitive
  months   most recent first (YYYY-MM, regardless of the task's pattern)
  visits   oldest first within a month

EXAMPLE:
  visits on 2025-01-10, 2025-01-20, 2025-02-05 for one client
    -> 2025-02 [02-05]
       2025-01 [01-10, 01-20]
*/
package recurring

import (
	"context"
	"sort"
	"strings"
)

// ReportFilter narrows the monthly report. Dates are inclusive.
type ReportFilter struct {
	Search string
	From   *Date
	To     *Date
}

// MonthBucket holds one client's visits in one calendar month.
type MonthBucket struct {
	Key    string // YYYY-MM
	Label  string // January 2025
	Visits []VisitRecord
}

// ClientReport is one client's section of the report.
type ClientReport struct {
	ClientID    ClientID
	ClientName  string
	TotalVisits int
	Months      []MonthBucket
}

// MonthlyReport builds the visit report. Only admins and managers may read it.
func (e *Engine) MonthlyReport(ctx context.Context, p Principal, f ReportFilter) ([]ClientReport, error) {
	if err := requireKnownRole(p); err != nil {
		return nil, err
	}
	if !p.IsAdmin() && !p.IsManager() {
		return nil, denied(p, "read the visit report")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, &ValidationError{Field: "endDate", Message: "must not be before startDate"}
	}

	vf := VisitFilter{From: f.From, To: f.To}
	visits, err := e.Store.ListVisits(ctx, vf)
	if err != nil {
		return nil, storeErr(err)
	}
	tasks, err := e.Store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, storeErr(err)
	}
	var roster []RosterEntry
	if e.Roster != nil {
		roster, err = e.Roster.RosterEntries(ctx, vf)
		if err != nil {
			return nil, &DependencyError{Collaborator: "roster", Err: err}
		}
	}

	report := BuildMonthlyReport(visits, roster, tasks, f)
	e.Logger.DebugContext(ctx, "visit report built",
		"clients", len(report), "visits", len(visits), "roster", len(roster))
	return report, nil
}

// BuildMonthlyReport is the pure core of MonthlyReport.
func BuildMonthlyReport(visits []VisitRecord, roster []RosterEntry, tasks []Task, f ReportFilter) []ClientReport {
	mapped := make(map[string]Task)
	for _, t := range tasks {
		if t.HasMappings() {
			mapped[normalize(t.Title)] = t
		}
	}

	window := VisitFilter{From: f.From, To: f.To}
	seen := make(map[string]bool)
	var merged []VisitRecord
	add := func(v VisitRecord) {
		if !window.Contains(v.VisitDate) {
			return
		}
		k := dedupeKey(v)
		if seen[k] {
			return
		}
		seen[k] = true
		merged = append(merged, v)
	}

	for _, v := range visits {
		add(v)
	}
	for _, r := range roster {
		t, ok := mapped[normalize(r.TaskDetail)]
		if !ok {
			continue
		}
		add(VisitRecord{
			ID:           r.ID,
			ClientID:     r.ClientID,
			ClientName:   r.ClientName,
			EmployeeID:   r.EmployeeID,
			EmployeeName: r.EmployeeName,
			VisitDate:    r.Date,
			SourceTaskID: t.ID,
			TaskTitle:    t.Title,
			TaskType:     TaskTypeRoster,
			PeriodKey:    MonthKey(r.Date),
		})
	}

	search := normalize(f.Search)
	byClient := make(map[ClientID]*ClientReport)
	buckets := make(map[ClientID]map[string]*MonthBucket)
	for _, v := range merged {
		if v.ClientName == "" {
			v.ClientName = string(v.ClientID)
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(v.ClientName), search) &&
			!strings.Contains(strings.ToLower(v.EmployeeName), search) {
			continue
		}

		cr, ok := byClient[v.ClientID]
		if !ok {
			cr = &ClientReport{ClientID: v.ClientID, ClientName: v.ClientName}
			byClient[v.ClientID] = cr
			buckets[v.ClientID] = make(map[string]*MonthBucket)
		}
		key := MonthKey(v.VisitDate)
		b, ok := buckets[v.ClientID][key]
		if !ok {
			b = &MonthBucket{Key: key, Label: PeriodLabel(v.VisitDate, PatternMonthly)}
			buckets[v.ClientID][key] = b
		}
		b.Visits = append(b.Visits, v)
		cr.TotalVisits++
	}

	out := make([]ClientReport, 0, len(byClient))
	for id, cr := range byClient {
		for _, b := range buckets[id] {
			sort.SliceStable(b.Visits, func(i, j int) bool {
				a, c := b.Visits[i], b.Visits[j]
				if !a.VisitDate.Equal(c.VisitDate) {
					return a.VisitDate.Before(c.VisitDate)
				}
				if a.EmployeeName != c.EmployeeName {
					return a.EmployeeName < c.EmployeeName
				}
				return a.ID < c.ID
			})
			cr.Months = append(cr.Months, *b)
		}
		sort.Slice(cr.Months, func(i, j int) bool { return cr.Months[i].Key > cr.Months[j].Key })
		out = append(out, *cr)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].ClientName), strings.ToLower(out[j].ClientName)
		if a != b {
			return a < b
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

func dedupeKey(v VisitRecord) string {
	return strings.Join([]string{string(v.ClientID), v.EmployeeID, v.VisitDate.String(), normalize(v.TaskTitle)}, "|")
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
