package recurring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/staffdesk/recurring"
)

func visit(id string, client recurring.ClientID, clientName, employee string, d recurring.Date) recurring.VisitRecord {
	return recurring.VisitRecord{
		ID:           id,
		ClientID:     client,
		ClientName:   clientName,
		EmployeeID:   "emp-" + employee,
		EmployeeName: employee,
		VisitDate:    d,
		SourceTaskID: "gst",
		TaskTitle:    "File quarterly GST return",
		TaskType:     recurring.TaskTypeRecurring,
	}
}

func reportTasks() []recurring.Task {
	return []recurring.Task{quarterlyMappedTask()}
}

// =============================================================================
// GROUPING AND ORDER
// =============================================================================

func TestBuildMonthlyReport_MonthsNewestFirst(t *testing.T) {
	// GIVEN: Visits on 2025-01-10, 2025-01-20 and 2025-02-05 for one client
	// WHEN: Building the report
	// THEN: 2025-02 comes before 2025-01, visits oldest first inside a month

	visits := []recurring.VisitRecord{
		visit("v2", "c1", "Acme", "Asha", date(2025, time.January, 20)),
		visit("v3", "c1", "Acme", "Asha", date(2025, time.February, 5)),
		visit("v1", "c1", "Acme", "Asha", date(2025, time.January, 10)),
	}

	report := recurring.BuildMonthlyReport(visits, nil, reportTasks(), recurring.ReportFilter{})

	require.Len(t, report, 1)
	acme := report[0]
	assert.Equal(t, 3, acme.TotalVisits)
	require.Len(t, acme.Months, 2)
	assert.Equal(t, "2025-02", acme.Months[0].Key)
	assert.Equal(t, "February 2025", acme.Months[0].Label)
	assert.Equal(t, "2025-01", acme.Months[1].Key)
	require.Len(t, acme.Months[1].Visits, 2)
	assert.Equal(t, "v1", acme.Months[1].Visits[0].ID)
	assert.Equal(t, "v2", acme.Months[1].Visits[1].ID)
}

func TestBuildMonthlyReport_ClientsByName(t *testing.T) {
	visits := []recurring.VisitRecord{
		visit("v1", "c2", "birch & co", "Asha", date(2025, time.January, 10)),
		visit("v2", "c1", "Acme", "Asha", date(2025, time.January, 10)),
		visit("v3", "c3", "", "Asha", date(2025, time.January, 10)),
	}

	report := recurring.BuildMonthlyReport(visits, nil, reportTasks(), recurring.ReportFilter{})

	require.Len(t, report, 3)
	assert.Equal(t, "Acme", report[0].ClientName)
	assert.Equal(t, "birch & co", report[1].ClientName)
	assert.Equal(t, "c3", report[2].ClientName, "missing name falls back to the id")
}

func TestBuildMonthlyReport_SameDayOrderedByEmployee(t *testing.T) {
	d := date(2025, time.March, 3)
	visits := []recurring.VisitRecord{
		visit("v1", "c1", "Acme", "Ravi", d),
		visit("v2", "c1", "Acme", "Asha", d),
	}

	report := recurring.BuildMonthlyReport(visits, nil, reportTasks(), recurring.ReportFilter{})

	got := report[0].Months[0].Visits
	assert.Equal(t, "Asha", got[0].EmployeeName)
	assert.Equal(t, "Ravi", got[1].EmployeeName)
}

// =============================================================================
// FILTERS
// =============================================================================

func TestBuildMonthlyReport_SearchMatchesClientOrEmployee(t *testing.T) {
	visits := []recurring.VisitRecord{
		visit("v1", "c1", "Acme Traders", "Asha", date(2025, time.January, 10)),
		visit("v2", "c2", "Birch & Co", "Ravi", date(2025, time.January, 11)),
	}

	byClient := recurring.BuildMonthlyReport(visits, nil, reportTasks(), recurring.ReportFilter{Search: "  ACME "})
	require.Len(t, byClient, 1)
	assert.Equal(t, recurring.ClientID("c1"), byClient[0].ClientID)

	byEmployee := recurring.BuildMonthlyReport(visits, nil, reportTasks(), recurring.ReportFilter{Search: "rav"})
	require.Len(t, byEmployee, 1)
	assert.Equal(t, recurring.ClientID("c2"), byEmployee[0].ClientID)
}

func TestBuildMonthlyReport_DateWindowInclusive(t *testing.T) {
	visits := []recurring.VisitRecord{
		visit("v1", "c1", "Acme", "Asha", date(2025, time.January, 31)),
		visit("v2", "c1", "Acme", "Asha", date(2025, time.February, 1)),
		visit("v3", "c1", "Acme", "Asha", date(2025, time.February, 28)),
		visit("v4", "c1", "Acme", "Asha", date(2025, time.March, 1)),
	}
	from, to := date(2025, time.February, 1), date(2025, time.February, 28)

	report := recurring.BuildMonthlyReport(visits, nil, reportTasks(), recurring.ReportFilter{From: &from, To: &to})

	require.Len(t, report, 1)
	assert.Equal(t, 2, report[0].TotalVisits)
}

// =============================================================================
// ROSTER
// =============================================================================

func TestBuildMonthlyReport_RosterOnlyForMappedTasks(t *testing.T) {
	// GIVEN: Two roster entries, one naming a mapped task's title
	// WHEN: Building the report
	// THEN: Only the matching entry appears, typed as a roster visit

	roster := []recurring.RosterEntry{
		{ID: "r1", ClientID: "c1", ClientName: "Acme", EmployeeID: "emp-Asha", EmployeeName: "Asha",
			Date: date(2025, time.January, 8), TaskDetail: "  file quarterly gst RETURN "},
		{ID: "r2", ClientID: "c1", ClientName: "Acme", EmployeeID: "emp-Asha", EmployeeName: "Asha",
			Date: date(2025, time.January, 9), TaskDetail: "Office move"},
	}

	report := recurring.BuildMonthlyReport(nil, roster, reportTasks(), recurring.ReportFilter{})

	require.Len(t, report, 1)
	require.Equal(t, 1, report[0].TotalVisits)
	v := report[0].Months[0].Visits[0]
	assert.Equal(t, "r1", v.ID)
	assert.Equal(t, recurring.TaskTypeRoster, v.TaskType)
	assert.Equal(t, recurring.TaskID("gst"), v.SourceTaskID)
	assert.Equal(t, "2025-01", v.PeriodKey)
}

func TestBuildMonthlyReport_RosterDuplicateOfEmittedVisitDropped(t *testing.T) {
	d := date(2025, time.January, 8)
	visits := []recurring.VisitRecord{visit("v1", "c1", "Acme", "Asha", d)}
	roster := []recurring.RosterEntry{
		{ID: "r1", ClientID: "c1", ClientName: "Acme", EmployeeID: "emp-Asha", EmployeeName: "Asha",
			Date: d, TaskDetail: "File quarterly GST return"},
	}

	report := recurring.BuildMonthlyReport(visits, roster, reportTasks(), recurring.ReportFilter{})

	require.Len(t, report, 1)
	require.Equal(t, 1, report[0].TotalVisits)
	assert.Equal(t, "v1", report[0].Months[0].Visits[0].ID, "emitted visit wins")
}

// =============================================================================
// ENGINE
// =============================================================================

func TestMonthlyReport_EndToEnd(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()
	f.create(t, admin, quarterlyMappedTask())
	_, err := f.engine.CompleteCycle(ctx, "gst", asha, recurring.ARN{})
	require.NoError(t, err)
	f.dir.AddRosterEntry(recurring.RosterEntry{
		ID: "r1", ClientID: "c1", ClientName: "Acme Traders", EmployeeID: "u1", EmployeeName: "Asha Rao",
		Date: date(2025, time.January, 20), TaskDetail: "File quarterly GST return",
	})

	report, err := f.engine.MonthlyReport(ctx, manager, recurring.ReportFilter{})
	require.NoError(t, err)

	require.Len(t, report, 2)
	assert.Equal(t, "Acme Traders", report[0].ClientName)
	assert.Equal(t, 2, report[0].TotalVisits)
	assert.Equal(t, "2025-02", report[0].Months[0].Key)
	assert.Equal(t, "Birch & Co", report[1].ClientName)
}

func TestMonthlyReport_Errors(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()

	_, err := f.engine.MonthlyReport(ctx, asha, recurring.ReportFilter{})
	assert.ErrorIs(t, err, recurring.ErrPermissionDenied)

	from, to := date(2025, time.March, 1), date(2025, time.February, 1)
	_, err = f.engine.MonthlyReport(ctx, admin, recurring.ReportFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, recurring.ErrValidation)

	f.dir.RosterErr = errors.New("roster service down")
	_, err = f.engine.MonthlyReport(ctx, admin, recurring.ReportFilter{})
	assert.ErrorIs(t, err, recurring.ErrDependency)
}
