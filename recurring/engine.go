/*
engine.go - Task administration and the visible task list

PURPOSE:
  Engine is the entry point used by the transport layer. It wires the store,
  the external directories, the clock and the logger, and enforces who may
  do what.

AUTHORIZATION:
  admin     everything
  manager   create tasks; edit, pause, resume and delete the tasks they
            created; complete any task they can see or administer
  employee  see tasks reachable through the visibility rules and change
            their completion state only
  anything else is denied

LIFECYCLE:
  create -> (complete | reopen | edit | pause/resume)* -> exhausted
  Delete only removes exhausted tasks. For a task that still expects
  occurrences, delete stops it (IsPaused = true) and keeps its history.

SEE ALSO:
  - cycle.go: CompleteCycle, ReopenCycle, BulkSetCompletion
  - visibility.go: The three visibility rules
*/
package recurring

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Collaborators groups the external services the engine consumes.
type Collaborators struct {
	Profiles  ProfileDirectory
	Employees EmployeeDirectory
	Teams     TeamDirectory
	Clients   ClientDirectory
	Roster    RosterSource
}

type Engine struct {
	Store    TxStore
	Ledger   *Ledger
	Identity *IdentityResolver
	Teams    TeamDirectory
	Clients  ClientDirectory
	Roster   RosterSource
	Clock    Clock
	Logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine. A nil clock means the system clock, a nil
// logger means slog.Default().
func NewEngine(store TxStore, c Collaborators, clock Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:  store,
		Ledger: NewLedger(store, clock),
		Identity: &IdentityResolver{
			Profiles:  c.Profiles,
			Employees: c.Employees,
			Logger:    logger,
		},
		Teams:   c.Teams,
		Clients: c.Clients,
		Roster:  c.Roster,
		Clock:   clock,
		Logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// =============================================================================
// ACCESS
// =============================================================================

// Access is the resolved view of a principal for one request.
type Access struct {
	Principal Principal
	IDs       IdentitySet
	Teams     TeamSet
}

// ResolveAccess resolves identities and team memberships once per request.
// Identity lookups degrade; a failing team directory is a DependencyError.
func (e *Engine) ResolveAccess(ctx context.Context, p Principal) (*Access, error) {
	if err := requireKnownRole(p); err != nil {
		return nil, err
	}
	ids := e.Identity.Resolve(ctx, p)
	teams := NewTeamSet()
	if e.Teams != nil {
		found, err := e.Teams.TeamsForMember(ctx, ids)
		if err != nil {
			return nil, &DependencyError{Collaborator: "teams", Err: err}
		}
		teams = NewTeamSet(found...)
	}
	return &Access{Principal: p, IDs: ids, Teams: teams}, nil
}

// CanAdminister reports whether the principal may change the task's
// structural fields.
func (a *Access) CanAdminister(t Task) bool {
	switch a.Principal.Role {
	case RoleAdmin:
		return true
	case RoleManager:
		return a.IDs.Contains(t.CreatedBy)
	default:
		return false
	}
}

// CanSee reports whether the task is in the principal's visible set.
func (a *Access) CanSee(t Task) bool {
	return a.CanAdminister(t) || IsVisible(t, a.IDs, a.Teams)
}

func requireKnownRole(p Principal) error {
	if p.SubjectID == "" || !p.Role.IsKnown() {
		return &PermissionError{SubjectID: p.SubjectID, Role: p.Role, Action: "use the task engine"}
	}
	return nil
}

func denied(p Principal, action string) error {
	return &PermissionError{SubjectID: p.SubjectID, Role: p.Role, Action: action}
}

// =============================================================================
// READ PATH
// =============================================================================

// TaskQuery narrows ListVisibleTasks.
type TaskQuery struct {
	// DueOnly keeps tasks whose current cycle is open and that are neither
	// paused nor exhausted.
	DueOnly bool
}

// ListVisibleTasks returns the tasks the principal may see.
func (e *Engine) ListVisibleTasks(ctx context.Context, p Principal, q TaskQuery) ([]Task, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}
	all, err := e.Store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, storeErr(err)
	}

	today := e.Clock.Today()
	out := make([]Task, 0, len(all))
	for _, t := range all {
		if !access.CanSee(t) {
			continue
		}
		if q.DueOnly && (t.IsPaused || t.IsExhausted() || !t.IsCycleOpen(today)) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTask returns one task if the principal may see it.
func (e *Engine) GetTask(ctx context.Context, p Principal, id TaskID) (*Task, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}
	task, err := e.loadTask(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(*task) {
		return nil, denied(p, "view task "+string(id))
	}
	return task, nil
}

// ListCompletions returns a visible task with its ledger. An empty clientID
// lists every client.
func (e *Engine) ListCompletions(ctx context.Context, p Principal, id TaskID, clientID ClientID) (*Task, []CompletionRecord, error) {
	task, err := e.GetTask(ctx, p, id)
	if err != nil {
		return nil, nil, err
	}
	var recs []CompletionRecord
	if clientID == "" {
		recs, err = e.Ledger.ListByTask(ctx, id)
	} else {
		recs, err = e.Ledger.ListByClientAndTask(ctx, clientID, id)
	}
	if err != nil {
		return nil, nil, err
	}
	return task, recs, nil
}

// CompletionRate returns the completion rate of a visible task as of today.
func (e *Engine) CompletionRate(ctx context.Context, p Principal, id TaskID) (*CompletionRate, error) {
	if _, err := e.GetTask(ctx, p, id); err != nil {
		return nil, err
	}
	return e.Ledger.CompletionRate(ctx, id)
}

func (e *Engine) loadTask(ctx context.Context, s TaskStore, id TaskID) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if task == nil {
		return nil, taskNotFound(id)
	}
	return task, nil
}

// =============================================================================
// WRITE PATH - Structural changes
// =============================================================================

// CreateTask stores a new task owned by the principal.
func (e *Engine) CreateTask(ctx context.Context, p Principal, t Task) (*Task, error) {
	if err := requireKnownRole(p); err != nil {
		return nil, err
	}
	if !p.IsAdmin() && !p.IsManager() {
		return nil, denied(p, "create tasks")
	}

	now := e.now().UTC()
	if t.ID == "" {
		t.ID = TaskID(e.newID())
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.CreatedBy = p.SubjectID
	t.NextOccurrence = t.StartDate
	t.CompletionHistory = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := t.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.Store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	if existing != nil {
		return nil, &ValidationError{Field: "id", Message: "task " + string(t.ID) + " already exists"}
	}
	if err := e.Store.SaveTask(ctx, t); err != nil {
		return nil, storeErr(err)
	}

	e.Logger.InfoContext(ctx, "task created",
		"task", t.ID, "pattern", t.Pattern, "start", t.StartDate.String(), "by", p.SubjectID)
	return &t, nil
}

// TaskPatch holds the fields an update may change. Nil means unchanged.
type TaskPatch struct {
	Title              *string
	Description        *string
	Priority           *Priority
	Status             *Status
	Pattern            *Pattern
	StartDate          *Date
	EndDate            *Date
	ClearEndDate       bool
	ContactIDs         *[]ClientID
	TeamID             *TeamID
	ClearTeam          bool
	TeamMemberMappings *[]TeamMemberMapping
	RequiresARN        *bool
}

func (pt TaskPatch) changesSchedule() bool {
	return pt.Pattern != nil || pt.StartDate != nil
}

// UpdateTask applies a structural edit.
func (e *Engine) UpdateTask(ctx context.Context, p Principal, id TaskID, patch TaskPatch) (*Task, error) {
	return e.mutate(ctx, p, id, "update task", func(t *Task) error {
		applyPatch(t, patch)
		if patch.changesSchedule() {
			if last, done := t.LastCompleted(); done {
				t.NextOccurrence = FirstBoundaryAfter(t.StartDate, t.Pattern, last.Boundary)
			} else {
				t.NextOccurrence = t.StartDate
			}
		}
		if t.IsExhausted() {
			t.Status = StatusCompleted
		} else if t.Status == StatusCompleted {
			t.Status = StatusPending
		}
		return t.Validate()
	})
}

// PauseTask excludes the task from due views. History is kept.
func (e *Engine) PauseTask(ctx context.Context, p Principal, id TaskID) (*Task, error) {
	return e.mutate(ctx, p, id, "pause task", func(t *Task) error {
		t.IsPaused = true
		return nil
	})
}

// ResumeTask returns the task to its current cycle. Missed cycles are not
// skipped: the task resumes exactly where it was paused.
func (e *Engine) ResumeTask(ctx context.Context, p Principal, id TaskID) (*Task, error) {
	return e.mutate(ctx, p, id, "resume task", func(t *Task) error {
		t.IsPaused = false
		return nil
	})
}

// DeleteOutcome tells the caller what DeleteTask actually did.
type DeleteOutcome struct {
	Deleted bool
	Stopped bool
	Task    *Task
}

// DeleteTask hard-deletes an exhausted task and its ledger entries. A task
// that still expects occurrences is stopped instead.
func (e *Engine) DeleteTask(ctx context.Context, p Principal, id TaskID) (*DeleteOutcome, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}

	var outcome DeleteOutcome
	err = e.Store.WithTx(ctx, func(s Store) error {
		task, err := e.loadTask(ctx, s, id)
		if err != nil {
			return err
		}
		if !access.CanAdminister(*task) {
			return denied(p, "delete task "+string(id))
		}

		if !task.IsExhausted() {
			task.IsPaused = true
			task.UpdatedAt = e.now().UTC()
			if err := s.SaveTask(ctx, *task); err != nil {
				return err
			}
			outcome = DeleteOutcome{Stopped: true, Task: task}
			return nil
		}

		recs, err := s.ListCompletions(ctx, CompletionFilter{TaskID: id})
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := s.DeleteCompletion(ctx, r.Key()); err != nil {
				return err
			}
		}
		if err := s.DeleteTask(ctx, id); err != nil {
			return err
		}
		outcome = DeleteOutcome{Deleted: true}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	e.Logger.InfoContext(ctx, "task delete requested",
		"task", id, "deleted", outcome.Deleted, "stopped", outcome.Stopped, "by", p.SubjectID)
	return &outcome, nil
}

// mutate loads, authorizes, changes and saves a task in one transaction.
func (e *Engine) mutate(ctx context.Context, p Principal, id TaskID, action string, fn func(*Task) error) (*Task, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}

	var updated Task
	err = e.Store.WithTx(ctx, func(s Store) error {
		task, err := e.loadTask(ctx, s, id)
		if err != nil {
			return err
		}
		if !access.CanAdminister(*task) {
			return denied(p, action+" "+string(id))
		}
		if err := fn(task); err != nil {
			return err
		}
		task.UpdatedAt = e.now().UTC()
		if err := s.SaveTask(ctx, *task); err != nil {
			return err
		}
		updated = *task
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return &updated, nil
}

func applyPatch(t *Task, pt TaskPatch) {
	if pt.Title != nil {
		t.Title = *pt.Title
	}
	if pt.Description != nil {
		t.Description = *pt.Description
	}
	if pt.Priority != nil {
		t.Priority = *pt.Priority
	}
	if pt.Status != nil {
		t.Status = *pt.Status
	}
	if pt.Pattern != nil {
		t.Pattern = *pt.Pattern
	}
	if pt.StartDate != nil {
		t.StartDate = *pt.StartDate
	}
	if pt.ClearEndDate {
		t.EndDate = nil
	} else if pt.EndDate != nil {
		end := *pt.EndDate
		t.EndDate = &end
	}
	if pt.ContactIDs != nil {
		t.ContactIDs = append([]ClientID(nil), (*pt.ContactIDs)...)
	}
	if pt.ClearTeam {
		t.TeamID = nil
	} else if pt.TeamID != nil {
		team := *pt.TeamID
		t.TeamID = &team
	}
	if pt.TeamMemberMappings != nil {
		t.TeamMemberMappings = append([]TeamMemberMapping(nil), (*pt.TeamMemberMappings)...)
	}
	if pt.RequiresARN != nil {
		t.RequiresARN = *pt.RequiresARN
	}
}
