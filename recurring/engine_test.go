package recurring_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/staffdesk/recurring"
	"github.com/warp/staffdesk/recurring/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	engine *recurring.Engine
	mem    *store.TxMemory
	dir    *store.Directory
}

func newTestEngine(t *testing.T, today recurring.Date) *fixture {
	t.Helper()
	mem := store.NewTxMemory()
	dir := store.NewDirectory()
	dir.AddProfile("asha@example.com", "u1")
	dir.AddEmployee("ravi@example.com", "emp-ravi")
	dir.AddClient("c1", "Acme Traders")
	dir.AddClient("c2", "Birch & Co")
	dir.AddClient("c3", "Cedar Holdings")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := recurring.NewEngine(mem, dir.Collaborators(), recurring.FixedClock(today), logger)
	return &fixture{engine: e, mem: mem, dir: dir}
}

var (
	admin    = recurring.Principal{SubjectID: "admin-1", Email: "admin@example.com", Role: recurring.RoleAdmin}
	manager  = recurring.Principal{SubjectID: "mgr-1", Email: "mgr@example.com", Role: recurring.RoleManager}
	manager2 = recurring.Principal{SubjectID: "mgr-2", Email: "mgr2@example.com", Role: recurring.RoleManager}
	asha     = recurring.Principal{SubjectID: "auth-asha", Email: "asha@example.com", Role: recurring.RoleEmployee}
	ravi     = recurring.Principal{SubjectID: "auth-ravi", Email: "ravi@example.com", Role: recurring.RoleEmployee}
)

func quarterlyMappedTask() recurring.Task {
	return recurring.Task{
		ID:        "gst",
		Title:     "File quarterly GST return",
		Pattern:   recurring.PatternQuarterly,
		StartDate: date(2025, time.January, 1),
		TeamMemberMappings: []recurring.TeamMemberMapping{
			{UserID: "u1", UserName: "Asha Rao", ClientIDs: []recurring.ClientID{"c1", "c2"}},
		},
	}
}

func (f *fixture) create(t *testing.T, p recurring.Principal, task recurring.Task) *recurring.Task {
	t.Helper()
	created, err := f.engine.CreateTask(context.Background(), p, task)
	require.NoError(t, err)
	return created
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateTask_Defaults(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	task := quarterlyMappedTask()
	task.ID = ""
	task.CompletionHistory = []recurring.HistoryEntry{{PeriodKey: "2024-Q4"}}

	created := f.create(t, manager, task)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, recurring.PriorityMedium, created.Priority)
	assert.Equal(t, recurring.StatusPending, created.Status)
	assert.Equal(t, "mgr-1", created.CreatedBy)
	assert.Equal(t, created.StartDate, created.NextOccurrence)
	assert.Empty(t, created.CompletionHistory)
}

func TestCreateTask_EmployeeDenied(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))

	_, err := f.engine.CreateTask(context.Background(), asha, quarterlyMappedTask())

	var perr *recurring.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "auth-asha", perr.SubjectID)
}

func TestCreateTask_InvalidTask(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	task := quarterlyMappedTask()
	end := date(2024, time.December, 31)
	task.EndDate = &end

	_, err := f.engine.CreateTask(context.Background(), admin, task)

	var verr *recurring.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "endDate", verr.Field)
}

func TestCreateTask_DuplicateID(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	f.create(t, admin, quarterlyMappedTask())

	_, err := f.engine.CreateTask(context.Background(), admin, quarterlyMappedTask())

	assert.ErrorIs(t, err, recurring.ErrValidation)
}

func TestUnknownRole_Denied(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))

	_, err := f.engine.ListVisibleTasks(context.Background(),
		recurring.Principal{SubjectID: "x", Role: "superuser"}, recurring.TaskQuery{})

	assert.ErrorIs(t, err, recurring.ErrPermissionDenied)
}

// =============================================================================
// READ PATH
// =============================================================================

func TestListVisibleTasks_EmployeeSeesOnlyAssigned(t *testing.T) {
	// GIVEN: One task mapped to Asha's profile id and one for nobody she is
	// WHEN: Asha lists tasks
	// THEN: Only the mapped task is returned; admin sees both

	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()
	f.create(t, admin, quarterlyMappedTask())
	other := quarterlyMappedTask()
	other.ID = "other"
	other.TeamMemberMappings = nil
	other.ContactIDs = []recurring.ClientID{"c3"}
	f.create(t, admin, other)

	mine, err := f.engine.ListVisibleTasks(ctx, asha, recurring.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, recurring.TaskID("gst"), mine[0].ID)

	all, err := f.engine.ListVisibleTasks(ctx, admin, recurring.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.engine.GetTask(ctx, asha, "other")
	assert.ErrorIs(t, err, recurring.ErrPermissionDenied)
}

func TestListVisibleTasks_TeamMembership(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	f.dir.AddTeamMember("books", "emp-ravi")
	task := quarterlyMappedTask()
	task.TeamMemberMappings = nil
	task.ContactIDs = []recurring.ClientID{"c1"}
	task.TeamID = teamPtr("books")
	f.create(t, admin, task)

	// Ravi is a team member under his legacy employee id only.
	tasks, err := f.engine.ListVisibleTasks(context.Background(), ravi, recurring.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestListVisibleTasks_DueOnly(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()

	open := quarterlyMappedTask()
	f.create(t, admin, open)

	paused := quarterlyMappedTask()
	paused.ID = "paused"
	f.create(t, admin, paused)
	_, err := f.engine.PauseTask(ctx, admin, "paused")
	require.NoError(t, err)

	future := quarterlyMappedTask()
	future.ID = "future"
	future.StartDate = date(2025, time.July, 1)
	f.create(t, admin, future)

	due, err := f.engine.ListVisibleTasks(ctx, admin, recurring.TaskQuery{DueOnly: true})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, recurring.TaskID("gst"), due[0].ID)
}

func TestResolveAccess_TeamDirectoryDown(t *testing.T) {
	// GIVEN: Team lookups fail
	// WHEN: An employee lists tasks
	// THEN: A retryable dependency error, not an empty list

	f := newTestEngine(t, date(2025, time.February, 15))
	f.dir.TeamErr = errors.New("timeout")

	_, err := f.engine.ListVisibleTasks(context.Background(), asha, recurring.TaskQuery{})

	assert.ErrorIs(t, err, recurring.ErrDependency)
	assert.True(t, recurring.IsRetryable(err))
}

func TestGetTask_NotFound(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))

	_, err := f.engine.GetTask(context.Background(), admin, "nope")

	var nf *recurring.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "task", nf.Kind)
}

func TestListCompletions_ResolvesCallerOnce(t *testing.T) {
	// GIVEN: A task visible to an employee with one completed cycle
	// WHEN: The employee lists its completions
	// THEN: The task comes back with its ledger after a single identity lookup

	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()
	f.create(t, admin, quarterlyMappedTask())
	_, err := f.engine.CompleteCycle(ctx, "gst", admin, recurring.ARN{})
	require.NoError(t, err)
	f.dir.ProfileLookups.Store(0)

	task, recs, err := f.engine.ListCompletions(ctx, asha, "gst", "")

	require.NoError(t, err)
	assert.Equal(t, recurring.TaskID("gst"), task.ID)
	assert.Len(t, recs, 2)
	assert.Equal(t, int64(1), f.dir.ProfileLookups.Load())
}

// =============================================================================
// WRITE PATH
// =============================================================================

func TestUpdateTask_ManagerOwnTaskOnly(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()
	f.create(t, manager, quarterlyMappedTask())
	title := "File GST return"

	updated, err := f.engine.UpdateTask(ctx, manager, "gst", recurring.TaskPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)

	_, err = f.engine.UpdateTask(ctx, manager2, "gst", recurring.TaskPatch{Title: &title})
	assert.ErrorIs(t, err, recurring.ErrPermissionDenied)

	// Asha can see the task through her mapping but may not edit it.
	_, err = f.engine.UpdateTask(ctx, asha, "gst", recurring.TaskPatch{Title: &title})
	assert.ErrorIs(t, err, recurring.ErrPermissionDenied)
}

func TestUpdateTask_ScheduleChangeWithoutHistoryResetsNextOccurrence(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	f.create(t, admin, quarterlyMappedTask())
	start := date(2025, time.April, 1)
	monthly := recurring.PatternMonthly

	updated, err := f.engine.UpdateTask(context.Background(), admin, "gst", recurring.TaskPatch{
		StartDate: &start,
		Pattern:   &monthly,
	})

	require.NoError(t, err)
	assert.Equal(t, "2025-04-01", updated.NextOccurrence.String())
	assert.Equal(t, "2025-04", updated.CurrentPeriodKey())
}

func TestUpdateTask_ScheduleChangeWithHistoryStaysOnBoundaryGrid(t *testing.T) {
	// GIVEN: A monthly task from 2025-01-01 with January and February completed
	// WHEN: The pattern changes to quarterly
	// THEN: NextOccurrence moves to the first quarterly boundary after the
	//       last completed one (2025-04-01), and later cycles follow that grid

	f := newTestEngine(t, date(2025, time.April, 10))
	ctx := context.Background()
	task := quarterlyMappedTask()
	task.Pattern = recurring.PatternMonthly
	f.create(t, admin, task)
	for i := 0; i < 2; i++ {
		_, err := f.engine.CompleteCycle(ctx, "gst", admin, recurring.ARN{})
		require.NoError(t, err)
	}
	quarterly := recurring.PatternQuarterly

	updated, err := f.engine.UpdateTask(ctx, admin, "gst", recurring.TaskPatch{Pattern: &quarterly})
	require.NoError(t, err)
	assert.Equal(t, "2025-04-01", updated.NextOccurrence.String())
	assert.Equal(t, "2025-Q2", updated.CurrentPeriodKey())

	res, err := f.engine.CompleteCycle(ctx, "gst", admin, recurring.ARN{})
	require.NoError(t, err)
	assert.Equal(t, "2025-Q2", res.PeriodKey)
	assert.Equal(t, "2025-07-01", res.Task.NextOccurrence.String())
}

func TestUpdateTask_StartDateMoveWithHistoryUsesNewAnchor(t *testing.T) {
	f := newTestEngine(t, date(2025, time.April, 10))
	ctx := context.Background()
	task := quarterlyMappedTask()
	task.Pattern = recurring.PatternMonthly
	f.create(t, admin, task)
	for i := 0; i < 2; i++ {
		_, err := f.engine.CompleteCycle(ctx, "gst", admin, recurring.ARN{})
		require.NoError(t, err)
	}
	start := date(2025, time.January, 15)

	updated, err := f.engine.UpdateTask(ctx, admin, "gst", recurring.TaskPatch{StartDate: &start})

	require.NoError(t, err)
	assert.Equal(t, "2025-02-15", updated.NextOccurrence.String())
}

func TestUpdateTask_ClearingEndDateRevivesExhaustedTask(t *testing.T) {
	// GIVEN: A monthly task that ran out at its 2025-02-15 end date
	// WHEN: The end date is cleared
	// THEN: The task is live again with status pending and completes March

	f := newTestEngine(t, date(2025, time.March, 10))
	ctx := context.Background()
	task := quarterlyMappedTask()
	task.Pattern = recurring.PatternMonthly
	end := date(2025, time.February, 15)
	task.EndDate = &end
	f.create(t, admin, task)
	for i := 0; i < 2; i++ {
		_, err := f.engine.CompleteCycle(ctx, "gst", admin, recurring.ARN{})
		require.NoError(t, err)
	}

	updated, err := f.engine.UpdateTask(ctx, admin, "gst", recurring.TaskPatch{ClearEndDate: true})
	require.NoError(t, err)
	assert.False(t, updated.IsExhausted())
	assert.Equal(t, recurring.StatusPending, updated.Status)

	res, err := f.engine.CompleteCycle(ctx, "gst", admin, recurring.ARN{})
	require.NoError(t, err)
	assert.Equal(t, "2025-03", res.PeriodKey)
}

func TestUpdateTask_InvalidPatchRollsBack(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()
	f.create(t, admin, quarterlyMappedTask())
	empty := []recurring.TeamMemberMapping{{UserID: "u9"}}

	_, err := f.engine.UpdateTask(ctx, admin, "gst", recurring.TaskPatch{TeamMemberMappings: &empty})
	require.ErrorIs(t, err, recurring.ErrValidation)

	task, err := f.engine.GetTask(ctx, admin, "gst")
	require.NoError(t, err)
	assert.Equal(t, "u1", task.TeamMemberMappings[0].UserID)
}

func TestDeleteTask_LiveTaskIsStopped(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	ctx := context.Background()
	f.create(t, admin, quarterlyMappedTask())

	out, err := f.engine.DeleteTask(ctx, admin, "gst")
	require.NoError(t, err)

	assert.True(t, out.Stopped)
	assert.False(t, out.Deleted)
	task, err := f.engine.GetTask(ctx, admin, "gst")
	require.NoError(t, err)
	assert.True(t, task.IsPaused)
}

func TestDeleteTask_EmployeeDenied(t *testing.T) {
	f := newTestEngine(t, date(2025, time.February, 15))
	f.create(t, admin, quarterlyMappedTask())

	_, err := f.engine.DeleteTask(context.Background(), asha, "gst")

	assert.ErrorIs(t, err, recurring.ErrPermissionDenied)
}
