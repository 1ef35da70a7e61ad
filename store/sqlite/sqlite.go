/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the recurring engine's document store (tasks, completion
  records, visits) and the reference directories it consults (profiles,
  legacy employees, teams, clients, roster). In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  recurring.TxStore:           Tasks, completion ledger, visits, transactions
  recurring.ProfileDirectory:  Profile ids by email
  recurring.EmployeeDirectory: Legacy employee ids by email
  recurring.TeamDirectory:     Team membership
  recurring.ClientDirectory:   Client names
  recurring.RosterSource:      Roster entries

KEY TABLES:
  tasks:              One row per task; assignment lists and history as JSON
  completion_records: Ledger, primary key (task_id, client_id, period_key)
  visits:             Emitted visits, upserted by deterministic id
  profiles:           Profile documents (id, email)
  legacy_employees:   Old employee records (id, email)
  team_members:       (team_id, member_id)
  clients:            Client names
  roster_entries:     Planned visits owned by the roster service

IDEMPOTENCE:
  Every write is an upsert (ON CONFLICT DO UPDATE). Repeating a completion
  or a visit emission overwrites the same row.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/staffdesk.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := recurring.NewEngine(store, store.Collaborators(), nil, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - recurring/store.go: Interface definitions
  - recurring/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/staffdesk/recurring"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Recurring tasks
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		pattern TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		next_occurrence TEXT NOT NULL,
		is_paused BOOLEAN NOT NULL DEFAULT FALSE,
		team_id TEXT,
		requires_arn BOOLEAN NOT NULL DEFAULT FALSE,
		contact_ids_json TEXT NOT NULL DEFAULT '[]',
		mappings_json TEXT NOT NULL DEFAULT '[]',
		history_json TEXT NOT NULL DEFAULT '[]',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created_by
		ON tasks(created_by);
	CREATE INDEX IF NOT EXISTS idx_tasks_team
		ON tasks(team_id) WHERE team_id IS NOT NULL;

	-- Completion ledger: one row per (task, client, period)
	CREATE TABLE IF NOT EXISTS completion_records (
		task_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		is_completed BOOLEAN NOT NULL,
		completed_at TEXT NOT NULL,
		completed_by TEXT NOT NULL,
		arn_number TEXT,
		arn_name TEXT,
		PRIMARY KEY (task_id, client_id, period_key)
	);

	CREATE INDEX IF NOT EXISTS idx_completion_records_client
		ON completion_records(client_id, task_id);

	-- Visits
	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		employee_name TEXT NOT NULL,
		visit_date TEXT NOT NULL,
		source_task_id TEXT NOT NULL,
		task_title TEXT NOT NULL,
		task_type TEXT NOT NULL,
		period_key TEXT,
		arn_number TEXT,
		arn_name TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_visits_date
		ON visits(visit_date);
	CREATE INDEX IF NOT EXISTS idx_visits_client_date
		ON visits(client_id, visit_date);

	-- Reference data consulted by the engine
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_email
		ON profiles(email);

	CREATE TABLE IF NOT EXISTS legacy_employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_legacy_employees_email
		ON legacy_employees(email);

	CREATE TABLE IF NOT EXISTS team_members (
		team_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		PRIMARY KEY (team_id, member_id)
	);
	CREATE INDEX IF NOT EXISTS idx_team_members_member
		ON team_members(member_id);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roster_entries (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		employee_name TEXT NOT NULL,
		date TEXT NOT NULL,
		task_detail TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_roster_entries_date
		ON roster_entries(date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TASK STORE (recurring.TaskStore interface)
// =============================================================================

const taskColumns = `id, title, description, priority, status, pattern, start_date, end_date,
	next_occurrence, is_paused, team_id, requires_arn, contact_ids_json, mappings_json,
	history_json, created_by, created_at, updated_at`

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id recurring.TaskID) (*recurring.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTask(ctx, s.db, id)
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, f recurring.TaskFilter) ([]recurring.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTasks(ctx, s.db, f)
}

// SaveTask inserts or replaces a task.
func (s *Store) SaveTask(ctx context.Context, t recurring.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTask(ctx, s.db, t)
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id recurring.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id recurring.TaskID) (*recurring.Task, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanTask(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func listTasks(ctx context.Context, q querier, f recurring.TaskFilter) ([]recurring.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, string(id))
		}
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.PausedOnly {
		where = append(where, "is_paused = TRUE")
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []recurring.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func saveTask(ctx context.Context, q querier, t recurring.Task) error {
	contacts, err := json.Marshal(nonNil(t.ContactIDs))
	if err != nil {
		return fmt.Errorf("failed to encode contact ids: %w", err)
	}
	mappings, err := json.Marshal(encodeMappings(t.TeamMemberMappings))
	if err != nil {
		return fmt.Errorf("failed to encode team member mappings: %w", err)
	}
	history, err := json.Marshal(encodeHistory(t.CompletionHistory))
	if err != nil {
		return fmt.Errorf("failed to encode completion history: %w", err)
	}

	var endDate, teamID sql.NullString
	if t.EndDate != nil {
		endDate = nullString(t.EndDate.String())
	}
	if t.TeamID != nil {
		teamID = nullString(string(*t.TeamID))
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			priority = excluded.priority,
			status = excluded.status,
			pattern = excluded.pattern,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			next_occurrence = excluded.next_occurrence,
			is_paused = excluded.is_paused,
			team_id = excluded.team_id,
			requires_arn = excluded.requires_arn,
			contact_ids_json = excluded.contact_ids_json,
			mappings_json = excluded.mappings_json,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at
	`

	_, err = q.ExecContext(ctx, query,
		string(t.ID), t.Title, t.Description, string(t.Priority), string(t.Status), string(t.Pattern),
		t.StartDate.String(), endDate, t.NextOccurrence.String(), t.IsPaused, teamID, t.RequiresARN,
		string(contacts), string(mappings), string(history),
		t.CreatedBy, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func deleteTask(ctx context.Context, q querier, id recurring.TaskID) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", string(id)); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func scanTask(rows *sql.Rows) (recurring.Task, error) {
	var (
		t                           recurring.Task
		priority, status, pattern   string
		startDate, nextOccurrence   string
		endDate, teamID             sql.NullString
		contacts, mappings, history string
		createdAt, updatedAt        string
	)

	err := rows.Scan(
		&t.ID, &t.Title, &t.Description, &priority, &status, &pattern,
		&startDate, &endDate, &nextOccurrence, &t.IsPaused, &teamID, &t.RequiresARN,
		&contacts, &mappings, &history, &t.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Priority = recurring.Priority(priority)
	t.Status = recurring.Status(status)
	t.Pattern = recurring.Pattern(pattern)
	if t.StartDate, err = recurring.ParseDate(startDate); err != nil {
		return t, fmt.Errorf("failed to parse start date of task %s: %w", t.ID, err)
	}
	if t.NextOccurrence, err = recurring.ParseDate(nextOccurrence); err != nil {
		return t, fmt.Errorf("failed to parse next occurrence of task %s: %w", t.ID, err)
	}
	if endDate.Valid {
		end, err := recurring.ParseDate(endDate.String)
		if err != nil {
			return t, fmt.Errorf("failed to parse end date of task %s: %w", t.ID, err)
		}
		t.EndDate = &end
	}
	if teamID.Valid {
		team := recurring.TeamID(teamID.String)
		t.TeamID = &team
	}

	if err := json.Unmarshal([]byte(contacts), &t.ContactIDs); err != nil {
		return t, fmt.Errorf("failed to decode contact ids of task %s: %w", t.ID, err)
	}
	var rawMappings []mappingJSON
	if err := json.Unmarshal([]byte(mappings), &rawMappings); err != nil {
		return t, fmt.Errorf("failed to decode mappings of task %s: %w", t.ID, err)
	}
	t.TeamMemberMappings = decodeMappings(rawMappings)
	var rawHistory []historyJSON
	if err := json.Unmarshal([]byte(history), &rawHistory); err != nil {
		return t, fmt.Errorf("failed to decode history of task %s: %w", t.ID, err)
	}
	if t.CompletionHistory, err = decodeHistory(rawHistory); err != nil {
		return t, fmt.Errorf("failed to decode history of task %s: %w", t.ID, err)
	}
	if len(t.ContactIDs) == 0 {
		t.ContactIDs = nil
	}

	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// JSON column shapes. Kept separate from the domain types so the column
// format does not change when a domain field is renamed.

type mappingJSON struct {
	UserID    string   `json:"userId"`
	UserName  string   `json:"userName"`
	ClientIDs []string `json:"clientIds"`
}

type historyJSON struct {
	PeriodKey   string `json:"periodKey"`
	Boundary    string `json:"boundary"`
	Action      string `json:"action"`
	By          string `json:"by"`
	At          string `json:"at"`
	ARNNumber   string `json:"arnNumber,omitempty"`
	ARNName     string `json:"arnName,omitempty"`
	ClientCount int    `json:"clientCount"`
}

func encodeMappings(ms []recurring.TeamMemberMapping) []mappingJSON {
	out := make([]mappingJSON, 0, len(ms))
	for _, m := range ms {
		clients := make([]string, len(m.ClientIDs))
		for i, c := range m.ClientIDs {
			clients[i] = string(c)
		}
		out = append(out, mappingJSON{UserID: m.UserID, UserName: m.UserName, ClientIDs: clients})
	}
	return out
}

func decodeMappings(raw []mappingJSON) []recurring.TeamMemberMapping {
	if len(raw) == 0 {
		return nil
	}
	out := make([]recurring.TeamMemberMapping, 0, len(raw))
	for _, m := range raw {
		clients := make([]recurring.ClientID, len(m.ClientIDs))
		for i, c := range m.ClientIDs {
			clients[i] = recurring.ClientID(c)
		}
		out = append(out, recurring.TeamMemberMapping{UserID: m.UserID, UserName: m.UserName, ClientIDs: clients})
	}
	return out
}

func encodeHistory(hs []recurring.HistoryEntry) []historyJSON {
	out := make([]historyJSON, 0, len(hs))
	for _, h := range hs {
		out = append(out, historyJSON{
			PeriodKey:   h.PeriodKey,
			Boundary:    h.Boundary.String(),
			Action:      string(h.Action),
			By:          h.By,
			At:          formatTime(h.At),
			ARNNumber:   h.ARNNumber,
			ARNName:     h.ARNName,
			ClientCount: h.ClientCount,
		})
	}
	return out
}

func decodeHistory(raw []historyJSON) ([]recurring.HistoryEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]recurring.HistoryEntry, 0, len(raw))
	for _, h := range raw {
		boundary, err := recurring.ParseDate(h.Boundary)
		if err != nil {
			return nil, err
		}
		out = append(out, recurring.HistoryEntry{
			PeriodKey:   h.PeriodKey,
			Boundary:    boundary,
			Action:      recurring.HistoryAction(h.Action),
			By:          h.By,
			At:          parseTime(h.At),
			ARNNumber:   h.ARNNumber,
			ARNName:     h.ARNName,
			ClientCount: h.ClientCount,
		})
	}
	return out, nil
}

// =============================================================================
// COMPLETION STORE (recurring.CompletionStore interface)
// =============================================================================

// UpsertCompletion inserts or overwrites a ledger record.
func (s *Store) UpsertCompletion(ctx context.Context, rec recurring.CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertCompletion(ctx, s.db, rec)
}

// GetCompletion retrieves a ledger record by key.
func (s *Store) GetCompletion(ctx context.Context, key recurring.CompletionKey) (*recurring.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCompletion(ctx, s.db, key)
}

// DeleteCompletion removes a ledger record if present.
func (s *Store) DeleteCompletion(ctx context.Context, key recurring.CompletionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteCompletion(ctx, s.db, key)
}

// ListCompletions returns ledger records ordered by period key, then client.
func (s *Store) ListCompletions(ctx context.Context, f recurring.CompletionFilter) ([]recurring.CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCompletions(ctx, s.db, f)
}

const completionColumns = `task_id, client_id, period_key, is_completed, completed_at, completed_by, arn_number, arn_name`

func upsertCompletion(ctx context.Context, q querier, rec recurring.CompletionRecord) error {
	query := `
		INSERT INTO completion_records (` + completionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, client_id, period_key) DO UPDATE SET
			is_completed = excluded.is_completed,
			completed_at = excluded.completed_at,
			completed_by = excluded.completed_by,
			arn_number = excluded.arn_number,
			arn_name = excluded.arn_name
	`
	_, err := q.ExecContext(ctx, query,
		string(rec.TaskID), string(rec.ClientID), rec.PeriodKey, rec.IsCompleted,
		formatTime(rec.CompletedAt), rec.CompletedBy,
		nullString(rec.ARNNumber), nullString(rec.ARNName),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert completion record: %w", err)
	}
	return nil
}

func getCompletion(ctx context.Context, q querier, key recurring.CompletionKey) (*recurring.CompletionRecord, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+completionColumns+" FROM completion_records WHERE task_id = ? AND client_id = ? AND period_key = ?",
		string(key.TaskID), string(key.ClientID), key.PeriodKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanCompletion(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func deleteCompletion(ctx context.Context, q querier, key recurring.CompletionKey) error {
	_, err := q.ExecContext(ctx,
		"DELETE FROM completion_records WHERE task_id = ? AND client_id = ? AND period_key = ?",
		string(key.TaskID), string(key.ClientID), key.PeriodKey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete completion record: %w", err)
	}
	return nil
}

func listCompletions(ctx context.Context, q querier, f recurring.CompletionFilter) ([]recurring.CompletionRecord, error) {
	query := "SELECT " + completionColumns + " FROM completion_records WHERE task_id = ?"
	args := []any{string(f.TaskID)}
	if f.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, string(f.ClientID))
	}
	query += " ORDER BY period_key ASC, client_id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion records: %w", err)
	}
	defer rows.Close()

	var recs []recurring.CompletionRecord
	for rows.Next() {
		rec, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanCompletion(rows *sql.Rows) (recurring.CompletionRecord, error) {
	var (
		rec                recurring.CompletionRecord
		completedAt        string
		arnNumber, arnName sql.NullString
	)
	err := rows.Scan(&rec.TaskID, &rec.ClientID, &rec.PeriodKey, &rec.IsCompleted,
		&completedAt, &rec.CompletedBy, &arnNumber, &arnName)
	if err != nil {
		return rec, fmt.Errorf("failed to scan completion record: %w", err)
	}
	rec.CompletedAt = parseTime(completedAt)
	rec.ARNNumber = arnNumber.String
	rec.ARNName = arnName.String
	return rec, nil
}

// =============================================================================
// VISIT STORE (recurring.VisitStore interface)
// =============================================================================

// SaveVisit inserts or replaces a visit.
func (s *Store) SaveVisit(ctx context.Context, v recurring.VisitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveVisit(ctx, s.db, v)
}

// ListVisits returns visits matching the filter, oldest first.
func (s *Store) ListVisits(ctx context.Context, f recurring.VisitFilter) ([]recurring.VisitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listVisits(ctx, s.db, f)
}

const visitColumns = `id, client_id, client_name, employee_id, employee_name, visit_date,
	source_task_id, task_title, task_type, period_key, arn_number, arn_name, created_at`

func saveVisit(ctx context.Context, q querier, v recurring.VisitRecord) error {
	query := `
		INSERT INTO visits (` + visitColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_name = excluded.client_name,
			employee_name = excluded.employee_name,
			visit_date = excluded.visit_date,
			task_title = excluded.task_title,
			arn_number = excluded.arn_number,
			arn_name = excluded.arn_name
	`
	_, err := q.ExecContext(ctx, query,
		v.ID, string(v.ClientID), v.ClientName, v.EmployeeID, v.EmployeeName, v.VisitDate.String(),
		string(v.SourceTaskID), v.TaskTitle, string(v.TaskType), nullString(v.PeriodKey),
		nullString(v.ARNNumber), nullString(v.ARNName), formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save visit: %w", err)
	}
	return nil
}

func listVisits(ctx context.Context, q querier, f recurring.VisitFilter) ([]recurring.VisitRecord, error) {
	where, args := dateRange("visit_date", f)
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, string(f.ClientID))
	}
	if f.TaskID != "" {
		where = append(where, "source_task_id = ?")
		args = append(args, string(f.TaskID))
	}

	query := "SELECT " + visitColumns + " FROM visits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY visit_date ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var visits []recurring.VisitRecord
	for rows.Next() {
		var (
			v                             recurring.VisitRecord
			visitDate, taskType, created  string
			periodKey, arnNumber, arnName sql.NullString
		)
		err := rows.Scan(&v.ID, &v.ClientID, &v.ClientName, &v.EmployeeID, &v.EmployeeName, &visitDate,
			&v.SourceTaskID, &v.TaskTitle, &taskType, &periodKey, &arnNumber, &arnName, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		if v.VisitDate, err = recurring.ParseDate(visitDate); err != nil {
			return nil, fmt.Errorf("failed to parse date of visit %s: %w", v.ID, err)
		}
		v.TaskType = recurring.TaskType(taskType)
		v.PeriodKey = periodKey.String
		v.ARNNumber = arnNumber.String
		v.ARNName = arnName.String
		v.CreatedAt = parseTime(created)
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (recurring.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store recurring.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. The parent's lock is
// already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetTask(ctx context.Context, id recurring.TaskID) (*recurring.Task, error) {
	return getTask(ctx, ts.tx, id)
}

func (ts *txStore) ListTasks(ctx context.Context, f recurring.TaskFilter) ([]recurring.Task, error) {
	return listTasks(ctx, ts.tx, f)
}

func (ts *txStore) SaveTask(ctx context.Context, t recurring.Task) error {
	return saveTask(ctx, ts.tx, t)
}

func (ts *txStore) DeleteTask(ctx context.Context, id recurring.TaskID) error {
	return deleteTask(ctx, ts.tx, id)
}

func (ts *txStore) UpsertCompletion(ctx context.Context, rec recurring.CompletionRecord) error {
	return upsertCompletion(ctx, ts.tx, rec)
}

func (ts *txStore) GetCompletion(ctx context.Context, key recurring.CompletionKey) (*recurring.CompletionRecord, error) {
	return getCompletion(ctx, ts.tx, key)
}

func (ts *txStore) DeleteCompletion(ctx context.Context, key recurring.CompletionKey) error {
	return deleteCompletion(ctx, ts.tx, key)
}

func (ts *txStore) ListCompletions(ctx context.Context, f recurring.CompletionFilter) ([]recurring.CompletionRecord, error) {
	return listCompletions(ctx, ts.tx, f)
}

func (ts *txStore) SaveVisit(ctx context.Context, v recurring.VisitRecord) error {
	return saveVisit(ctx, ts.tx, v)
}

func (ts *txStore) ListVisits(ctx context.Context, f recurring.VisitFilter) ([]recurring.VisitRecord, error) {
	return listVisits(ctx, ts.tx, f)
}

// =============================================================================
// DIRECTORIES - Reference data consulted by the engine
// =============================================================================

// Person is a profile or legacy employee record.
type Person struct {
	ID    string
	Name  string
	Email string
}

// SaveProfile saves a profile document.
func (s *Store) SaveProfile(ctx context.Context, p Person) error {
	return s.savePerson(ctx, "profiles", p)
}

// SaveLegacyEmployee saves an old-style employee record.
func (s *Store) SaveLegacyEmployee(ctx context.Context, p Person) error {
	return s.savePerson(ctx, "legacy_employees", p)
}

func (s *Store) savePerson(ctx context.Context, table string, p Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO ` + table + ` (id, name, email)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email
	`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name, strings.ToLower(p.Email)); err != nil {
		return fmt.Errorf("failed to save %s record: %w", table, err)
	}
	return nil
}

// ProfileIDsByEmail implements recurring.ProfileDirectory.
func (s *Store) ProfileIDsByEmail(ctx context.Context, email string) ([]string, error) {
	return s.idsByEmail(ctx, "profiles", email)
}

// EmployeeIDsByEmail implements recurring.EmployeeDirectory.
func (s *Store) EmployeeIDsByEmail(ctx context.Context, email string) ([]string, error) {
	return s.idsByEmail(ctx, "legacy_employees", email)
}

func (s *Store) idsByEmail(ctx context.Context, table, email string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM "+table+" WHERE email = ? ORDER BY id", strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddTeamMember records that memberID belongs to team.
func (s *Store) AddTeamMember(ctx context.Context, team recurring.TeamID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO team_members (team_id, member_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
		string(team), memberID)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

// TeamsForMember implements recurring.TeamDirectory.
func (s *Store) TeamsForMember(ctx context.Context, ids recurring.IdentitySet) ([]recurring.TeamID, error) {
	members := ids.Slice()
	if len(members) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT team_id FROM team_members WHERE member_id IN ("+placeholders(len(members))+") ORDER BY team_id",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query team members: %w", err)
	}
	defer rows.Close()

	var teams []recurring.TeamID
	for rows.Next() {
		var team string
		if err := rows.Scan(&team); err != nil {
			return nil, err
		}
		teams = append(teams, recurring.TeamID(team))
	}
	return teams, rows.Err()
}

// SaveClient saves a client's display name.
func (s *Store) SaveClient(ctx context.Context, id recurring.ClientID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		string(id), name)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// NameForClient implements recurring.ClientDirectory.
func (s *Store) NameForClient(ctx context.Context, id recurring.ClientID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM clients WHERE id = ?", string(id)).Scan(&name)
	if err == sql.ErrNoRows {
		return "", &recurring.NotFoundError{Kind: "client", ID: string(id)}
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client: %w", err)
	}
	return name, nil
}

// SaveRosterEntry saves a planned visit.
func (s *Store) SaveRosterEntry(ctx context.Context, e recurring.RosterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO roster_entries (id, client_id, client_name, employee_id, employee_name, date, task_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			client_name = excluded.client_name,
			employee_id = excluded.employee_id,
			employee_name = excluded.employee_name,
			date = excluded.date,
			task_detail = excluded.task_detail
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, string(e.ClientID), e.ClientName, e.EmployeeID, e.EmployeeName, e.Date.String(), e.TaskDetail)
	if err != nil {
		return fmt.Errorf("failed to save roster entry: %w", err)
	}
	return nil
}

// RosterEntries implements recurring.RosterSource.
func (s *Store) RosterEntries(ctx context.Context, f recurring.VisitFilter) ([]recurring.RosterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := dateRange("date", f)
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, string(f.ClientID))
	}
	query := "SELECT id, client_id, client_name, employee_id, employee_name, date, task_detail FROM roster_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query roster entries: %w", err)
	}
	defer rows.Close()

	var entries []recurring.RosterEntry
	for rows.Next() {
		var (
			e    recurring.RosterEntry
			date string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ClientName, &e.EmployeeID, &e.EmployeeName, &date, &e.TaskDetail); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		if e.Date, err = recurring.ParseDate(date); err != nil {
			return nil, fmt.Errorf("failed to parse date of roster entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Collaborators returns the store wired into every collaborator slot.
func (s *Store) Collaborators() recurring.Collaborators {
	return recurring.Collaborators{
		Profiles:  s,
		Employees: s,
		Teams:     s,
		Clients:   s,
		Roster:    s,
	}
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"completion_records", "visits", "tasks",
		"profiles", "legacy_employees", "team_members", "clients", "roster_entries",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func dateRange(column string, f recurring.VisitFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.From != nil {
		where = append(where, column+" >= ?")
		args = append(args, f.From.String())
	}
	if f.To != nil {
		where = append(where, column+" <= ?")
		args = append(args, f.To.String())
	}
	return where, args
}

func nonNil(ids []recurring.ClientID) []recurring.ClientID {
	if ids == nil {
		return []recurring.ClientID{}
	}
	return ids
}
