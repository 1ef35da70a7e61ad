/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and everything it does not own:
  the document store (tasks, completion records, visits) and the external
  directories (user profiles, legacy employee records, teams, clients,
  roster).

KEY INTERFACES:
  Store:             Task, completion and visit collections
  TxStore:           Store plus all-or-nothing transactions
  ProfileDirectory:  Profile documents by email (identity resolution)
  EmployeeDirectory: Legacy employee records by email (identity resolution)
  TeamDirectory:     Team membership
  ClientDirectory:   Client display names
  RosterSource:      Pre-planned roster visits

QUERY SURFACE:
  Only exact-match filters, one date range per query, and small "in" sets.
  Any document database (or SQL) can serve it.

LOOKUP CONVENTION:
  Get* methods return (nil, nil) when the document does not exist.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - recurring/store/memory.go: In-memory for tests and development
*/
package recurring

import "context"

// =============================================================================
// DOCUMENT STORE
// =============================================================================

// TaskFilter narrows ListTasks. Zero value lists everything.
type TaskFilter struct {
	IDs        []TaskID
	CreatedBy  string
	PausedOnly bool
}

// CompletionFilter narrows ListCompletions. TaskID is required.
type CompletionFilter struct {
	TaskID   TaskID
	ClientID ClientID
}

// VisitFilter narrows visit and roster queries.
type VisitFilter struct {
	ClientID ClientID
	TaskID   TaskID
	From     *Date
	To       *Date
}

// Contains reports whether d falls within the filter's date range.
func (f VisitFilter) Contains(d Date) bool {
	if f.From != nil && d.Before(*f.From) {
		return false
	}
	if f.To != nil && d.After(*f.To) {
		return false
	}
	return true
}

type TaskStore interface {
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	// SaveTask inserts or replaces the whole document.
	SaveTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, id TaskID) error
}

type CompletionStore interface {
	// UpsertCompletion inserts or overwrites the record at rec.Key().
	UpsertCompletion(ctx context.Context, rec CompletionRecord) error
	GetCompletion(ctx context.Context, key CompletionKey) (*CompletionRecord, error)
	// DeleteCompletion is a no-op when the record does not exist.
	DeleteCompletion(ctx context.Context, key CompletionKey) error
	// ListCompletions returns records ordered by PeriodKey, then ClientID.
	ListCompletions(ctx context.Context, filter CompletionFilter) ([]CompletionRecord, error)
}

type VisitStore interface {
	// SaveVisit inserts or replaces the visit with the same ID.
	SaveVisit(ctx context.Context, visit VisitRecord) error
	ListVisits(ctx context.Context, filter VisitFilter) ([]VisitRecord, error)
}

// Store is the engine's view of the document store.
type Store interface {
	TaskStore
	CompletionStore
	VisitStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// ProfileDirectory finds user profile documents.
type ProfileDirectory interface {
	ProfileIDsByEmail(ctx context.Context, email string) ([]string, error)
}

// EmployeeDirectory finds legacy employee records.
type EmployeeDirectory interface {
	EmployeeIDsByEmail(ctx context.Context, email string) ([]string, error)
}

// TeamDirectory answers team membership for any of a principal's identifiers.
type TeamDirectory interface {
	TeamsForMember(ctx context.Context, ids IdentitySet) ([]TeamID, error)
}

// ClientDirectory resolves client display names.
type ClientDirectory interface {
	NameForClient(ctx context.Context, id ClientID) (string, error)
}

// RosterSource lists externally planned visits.
type RosterSource interface {
	RosterEntries(ctx context.Context, filter VisitFilter) ([]RosterEntry, error)
}
