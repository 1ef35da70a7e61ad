/*
Package recurring provides the recurring task lifecycle and visit aggregation engine.

PURPOSE:
  A recurring task is an obligation that repeats on a fixed pattern
  ("file the quarterly return for client X"). This package decides how such
  a task advances through its cycles, tracks completion per client per
  period, emits visit records when a cycle is completed, and resolves which
  tasks a given user is allowed to see.

KEY CONCEPTS IN THIS FILE (types.go):
  - Task: The recurring obligation with its schedule and assignments
  - TeamMemberMapping: Which employee serves which clients for a task
  - CompletionRecord: Ledger entry for one (task, client, period)
  - VisitRecord: Derived visit emitted when a mapped cycle completes
  - Principal: The authenticated caller

DESIGN PRINCIPLES:
  1. Period keys, not free-form dates: completion writes are idempotent upserts
  2. History is append-only: completions and reopenings are both recorded
  3. Writes use the principal's subject id; matching uses the identity set
  4. "Now" is injected through Clock so every rule is deterministic

SEE ALSO:
  - recurrence.go: Period keys and boundaries
  - ledger.go: Completion ledger
  - cycle.go: Cycle completion orchestrator
  - engine.go: Task administration
*/
package recurring

import (
	"strconv"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TaskID string
type ClientID string
type TeamID string

// =============================================================================
// ENUMERATIONS
// =============================================================================

// Pattern is how often a task repeats.
type Pattern string

const (
	PatternMonthly    Pattern = "monthly"
	PatternQuarterly  Pattern = "quarterly"
	PatternHalfYearly Pattern = "half-yearly"
	PatternYearly     Pattern = "yearly"
)

// Months returns the cycle length in months, or 0 for an unknown pattern.
func (p Pattern) Months() int {
	switch p {
	case PatternMonthly:
		return 1
	case PatternQuarterly:
		return 3
	case PatternHalfYearly:
		return 6
	case PatternYearly:
		return 12
	default:
		return 0
	}
}

func (p Pattern) IsValid() bool { return p.Months() > 0 }

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Role is the authorization tier of a principal.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

func (r Role) IsKnown() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return true
	}
	return false
}

// TaskType distinguishes where a visit came from.
type TaskType string

const (
	TaskTypeRecurring TaskType = "recurring"
	TaskTypeAdHoc     TaskType = "ad-hoc"
	TaskTypeRoster    TaskType = "roster"
)

// HistoryAction is the kind of a completion history entry.
type HistoryAction string

const (
	HistoryCompleted HistoryAction = "completed"
	HistoryReopened  HistoryAction = "reopened"
)

// =============================================================================
// PRINCIPAL
// =============================================================================

// Principal is a verified caller, as handed over by the auth service.
type Principal struct {
	SubjectID string
	Email     string
	Role      Role
}

func (p Principal) IsAdmin() bool   { return p.Role == RoleAdmin }
func (p Principal) IsManager() bool { return p.Role == RoleManager }

// =============================================================================
// TASK
// =============================================================================

// TeamMemberMapping assigns an employee to the clients they serve on a task.
type TeamMemberMapping struct {
	UserID    string
	UserName  string
	ClientIDs []ClientID
}

// HistoryEntry is one line of a task's append-only completion history.
type HistoryEntry struct {
	PeriodKey   string
	Boundary    Date
	Action      HistoryAction
	By          string
	At          time.Time
	ARNNumber   string
	ARNName     string
	ClientCount int
}

// Task is a recurring obligation.
type Task struct {
	ID          TaskID
	Title       string
	Description string
	Priority    Priority
	Status      Status
	Pattern     Pattern

	StartDate      Date
	EndDate        *Date
	NextOccurrence Date
	IsPaused       bool

	// Assignment mechanisms
	ContactIDs         []ClientID
	TeamID             *TeamID
	TeamMemberMappings []TeamMemberMapping

	RequiresARN       bool
	CompletionHistory []HistoryEntry

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clients returns every client the task serves: ContactIDs followed by the
// mapped clients, deduplicated, in first-seen order.
func (t Task) Clients() []ClientID {
	seen := make(map[ClientID]bool)
	var out []ClientID
	add := func(id ClientID) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range t.ContactIDs {
		add(id)
	}
	for _, m := range t.TeamMemberMappings {
		for _, id := range m.ClientIDs {
			add(id)
		}
	}
	return out
}

// ServesClient reports whether id is one of the task's clients.
func (t Task) ServesClient(id ClientID) bool {
	for _, c := range t.Clients() {
		if c == id {
			return true
		}
	}
	return false
}

func (t Task) HasMappings() bool { return len(t.TeamMemberMappings) > 0 }

// IsExhausted is true once the next occurrence has passed the end date.
func (t Task) IsExhausted() bool {
	return t.EndDate != nil && t.NextOccurrence.After(*t.EndDate)
}

// LastCompleted returns the most recent completed history entry that has not
// been reopened since.
func (t Task) LastCompleted() (HistoryEntry, bool) {
	var stack []HistoryEntry
	for _, h := range t.CompletionHistory {
		switch h.Action {
		case HistoryCompleted:
			stack = append(stack, h)
		case HistoryReopened:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return HistoryEntry{}, false
	}
	return stack[len(stack)-1], true
}

// Validate checks the structural invariants of a task.
func (t Task) Validate() error {
	if t.Title == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if !t.Pattern.IsValid() {
		return &ValidationError{Field: "recurrencePattern", Message: "must be one of monthly, quarterly, half-yearly, yearly"}
	}
	if t.Priority != "" && !t.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: "must be one of low, medium, high, urgent"}
	}
	if t.Status != "" && !t.Status.IsValid() {
		return &ValidationError{Field: "status", Message: "must be one of pending, in-progress, completed"}
	}
	if t.StartDate.IsZero() {
		return &ValidationError{Field: "startDate", Message: "is required"}
	}
	if t.EndDate != nil && !t.EndDate.After(t.StartDate) {
		return &ValidationError{Field: "endDate", Message: "must be after startDate"}
	}
	seen := make(map[string]bool)
	for i, m := range t.TeamMemberMappings {
		if m.UserID == "" {
			return &ValidationError{Field: "teamMemberMappings", Message: "entry " + strconv.Itoa(i) + " has no userId"}
		}
		if seen[m.UserID] {
			return &ValidationError{Field: "teamMemberMappings", Message: "user " + m.UserID + " is mapped more than once"}
		}
		seen[m.UserID] = true
		if len(m.ClientIDs) == 0 {
			return &ValidationError{Field: "teamMemberMappings", Message: "user " + m.UserID + " has no clients"}
		}
	}
	return nil
}

// =============================================================================
// COMPLETION LEDGER RECORDS
// =============================================================================

// CompletionKey uniquely identifies a ledger entry.
type CompletionKey struct {
	TaskID    TaskID
	ClientID  ClientID
	PeriodKey string
}

// CompletionRecord states whether one client's obligation for one period
// was discharged.
type CompletionRecord struct {
	TaskID      TaskID
	ClientID    ClientID
	PeriodKey   string
	IsCompleted bool
	CompletedAt time.Time
	CompletedBy string
	ARNNumber   string
	ARNName     string
}

func (r CompletionRecord) Key() CompletionKey {
	return CompletionKey{TaskID: r.TaskID, ClientID: r.ClientID, PeriodKey: r.PeriodKey}
}

// CompletionPayload carries the mutable fields of an upsert.
type CompletionPayload struct {
	CompletedBy string
	CompletedAt time.Time
	ARNNumber   string
	ARNName     string
}

// ARN is the optional compliance reference supplied on completion.
type ARN struct {
	Number string
	Name   string
}

// =============================================================================
// VISITS
// =============================================================================

// VisitRecord is a single employee visit to a client.
type VisitRecord struct {
	ID           string
	ClientID     ClientID
	ClientName   string
	EmployeeID   string
	EmployeeName string
	VisitDate    Date
	SourceTaskID TaskID
	TaskTitle    string
	TaskType     TaskType
	PeriodKey    string
	ARNNumber    string
	ARNName      string
	CreatedAt    time.Time
}

// RosterEntry is a pre-planned activity owned by the roster service.
type RosterEntry struct {
	ID           string
	ClientID     ClientID
	ClientName   string
	EmployeeID   string
	EmployeeName string
	Date         Date
	TaskDetail   string
}
