// Package store provides in-memory implementations of the recurring engine's
// store and directory interfaces.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/warp/staffdesk/recurring"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

type data struct {
	tasks       map[recurring.TaskID]recurring.Task
	completions map[recurring.CompletionKey]recurring.CompletionRecord
	visits      map[string]recurring.VisitRecord
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

func newData() data {
	return data{
		tasks:       make(map[recurring.TaskID]recurring.Task),
		completions: make(map[recurring.CompletionKey]recurring.CompletionRecord),
		visits:      make(map[string]recurring.VisitRecord),
	}
}

func (m *Memory) GetTask(ctx context.Context, id recurring.TaskID) (*recurring.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTask(ctx, id)
}

func (m *Memory) ListTasks(ctx context.Context, f recurring.TaskFilter) ([]recurring.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTasks(ctx, f)
}

func (m *Memory) SaveTask(ctx context.Context, t recurring.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTask(ctx, t)
}

func (m *Memory) DeleteTask(ctx context.Context, id recurring.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteTask(ctx, id)
}

func (m *Memory) UpsertCompletion(ctx context.Context, rec recurring.CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertCompletion(ctx, rec)
}

func (m *Memory) GetCompletion(ctx context.Context, key recurring.CompletionKey) (*recurring.CompletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCompletion(ctx, key)
}

func (m *Memory) DeleteCompletion(ctx context.Context, key recurring.CompletionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCompletion(ctx, key)
}

func (m *Memory) ListCompletions(ctx context.Context, f recurring.CompletionFilter) ([]recurring.CompletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCompletions(ctx, f)
}

func (m *Memory) SaveVisit(ctx context.Context, v recurring.VisitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveVisit(ctx, v)
}

func (m *Memory) ListVisits(ctx context.Context, f recurring.VisitFilter) ([]recurring.VisitRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listVisits(ctx, f)
}

// =============================================================================
// UNLOCKED OPERATIONS - Shared by Memory and the transactional view
// =============================================================================

func (d *data) getTask(_ context.Context, id recurring.TaskID) (*recurring.Task, error) {
	t, ok := d.tasks[id]
	if !ok {
		return nil, nil
	}
	c := cloneTask(t)
	return &c, nil
}

func (d *data) listTasks(_ context.Context, f recurring.TaskFilter) ([]recurring.Task, error) {
	var ids map[recurring.TaskID]bool
	if len(f.IDs) > 0 {
		ids = make(map[recurring.TaskID]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	var out []recurring.Task
	for _, t := range d.tasks {
		if ids != nil && !ids[t.ID] {
			continue
		}
		if f.CreatedBy != "" && t.CreatedBy != f.CreatedBy {
			continue
		}
		if f.PausedOnly && !t.IsPaused {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *data) saveTask(_ context.Context, t recurring.Task) error {
	d.tasks[t.ID] = cloneTask(t)
	return nil
}

func (d *data) deleteTask(_ context.Context, id recurring.TaskID) error {
	delete(d.tasks, id)
	return nil
}

func (d *data) upsertCompletion(_ context.Context, rec recurring.CompletionRecord) error {
	d.completions[rec.Key()] = rec
	return nil
}

func (d *data) getCompletion(_ context.Context, key recurring.CompletionKey) (*recurring.CompletionRecord, error) {
	rec, ok := d.completions[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (d *data) deleteCompletion(_ context.Context, key recurring.CompletionKey) error {
	delete(d.completions, key)
	return nil
}

func (d *data) listCompletions(_ context.Context, f recurring.CompletionFilter) ([]recurring.CompletionRecord, error) {
	var out []recurring.CompletionRecord
	for _, rec := range d.completions {
		if rec.TaskID != f.TaskID {
			continue
		}
		if f.ClientID != "" && rec.ClientID != f.ClientID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodKey != out[j].PeriodKey {
			return out[i].PeriodKey < out[j].PeriodKey
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}

func (d *data) saveVisit(_ context.Context, v recurring.VisitRecord) error {
	d.visits[v.ID] = v
	return nil
}

func (d *data) listVisits(_ context.Context, f recurring.VisitFilter) ([]recurring.VisitRecord, error) {
	var out []recurring.VisitRecord
	for _, v := range d.visits {
		if f.ClientID != "" && v.ClientID != f.ClientID {
			continue
		}
		if f.TaskID != "" && v.SourceTaskID != f.TaskID {
			continue
		}
		if !f.Contains(v.VisitDate) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VisitDate.Equal(out[j].VisitDate) {
			return out[i].VisitDate.Before(out[j].VisitDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneTask(t recurring.Task) recurring.Task {
	t.ContactIDs = append([]recurring.ClientID(nil), t.ContactIDs...)
	t.CompletionHistory = append([]recurring.HistoryEntry(nil), t.CompletionHistory...)
	mappings := make([]recurring.TeamMemberMapping, len(t.TeamMemberMappings))
	for i, m := range t.TeamMemberMappings {
		m.ClientIDs = append([]recurring.ClientID(nil), m.ClientIDs...)
		mappings[i] = m
	}
	if len(mappings) == 0 {
		mappings = nil
	}
	t.TeamMemberMappings = mappings
	if t.EndDate != nil {
		end := *t.EndDate
		t.EndDate = &end
	}
	if t.TeamID != nil {
		team := *t.TeamID
		t.TeamID = &team
	}
	return t
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(recurring.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{d: &tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() data {
	s := newData()
	for k, v := range tm.tasks {
		s.tasks[k] = cloneTask(v)
	}
	for k, v := range tm.completions {
		s.completions[k] = v
	}
	for k, v := range tm.visits {
		s.visits[k] = v
	}
	return s
}

// txMemoryView runs under the parent's write lock.
type txMemoryView struct {
	d *data
}

func (tv *txMemoryView) GetTask(ctx context.Context, id recurring.TaskID) (*recurring.Task, error) {
	return tv.d.getTask(ctx, id)
}

func (tv *txMemoryView) ListTasks(ctx context.Context, f recurring.TaskFilter) ([]recurring.Task, error) {
	return tv.d.listTasks(ctx, f)
}

func (tv *txMemoryView) SaveTask(ctx context.Context, t recurring.Task) error {
	return tv.d.saveTask(ctx, t)
}

func (tv *txMemoryView) DeleteTask(ctx context.Context, id recurring.TaskID) error {
	return tv.d.deleteTask(ctx, id)
}

func (tv *txMemoryView) UpsertCompletion(ctx context.Context, rec recurring.CompletionRecord) error {
	return tv.d.upsertCompletion(ctx, rec)
}

func (tv *txMemoryView) GetCompletion(ctx context.Context, key recurring.CompletionKey) (*recurring.CompletionRecord, error) {
	return tv.d.getCompletion(ctx, key)
}

func (tv *txMemoryView) DeleteCompletion(ctx context.Context, key recurring.CompletionKey) error {
	return tv.d.deleteCompletion(ctx, key)
}

func (tv *txMemoryView) ListCompletions(ctx context.Context, f recurring.CompletionFilter) ([]recurring.CompletionRecord, error) {
	return tv.d.listCompletions(ctx, f)
}

func (tv *txMemoryView) SaveVisit(ctx context.Context, v recurring.VisitRecord) error {
	return tv.d.saveVisit(ctx, v)
}

func (tv *txMemoryView) ListVisits(ctx context.Context, f recurring.VisitFilter) ([]recurring.VisitRecord, error) {
	return tv.d.listVisits(ctx, f)
}

// =============================================================================
// DIRECTORY - In-memory collaborators
// =============================================================================

// Directory implements every external lookup the engine consumes. The *Err
// fields inject failures for tests.
type Directory struct {
	mu        sync.RWMutex
	profiles  map[string][]string // email -> profile ids
	employees map[string][]string // email -> legacy employee ids
	teams     map[recurring.TeamID][]string
	clients   map[recurring.ClientID]string
	roster    []recurring.RosterEntry

	ProfileErr   error
	EmployeeErr  error
	TeamErr      error
	RosterErr    error
	ClientErrors map[recurring.ClientID]error

	// ProfileLookups counts ProfileIDsByEmail calls.
	ProfileLookups atomic.Int64
}

func NewDirectory() *Directory {
	return &Directory{
		profiles:     make(map[string][]string),
		employees:    make(map[string][]string),
		teams:        make(map[recurring.TeamID][]string),
		clients:      make(map[recurring.ClientID]string),
		ClientErrors: make(map[recurring.ClientID]error),
	}
}

func (d *Directory) AddProfile(email, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	email = strings.ToLower(email)
	d.profiles[email] = append(d.profiles[email], id)
}

func (d *Directory) AddEmployee(email, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	email = strings.ToLower(email)
	d.employees[email] = append(d.employees[email], id)
}

func (d *Directory) AddTeamMember(team recurring.TeamID, memberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teams[team] = append(d.teams[team], memberID)
}

func (d *Directory) AddClient(id recurring.ClientID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[id] = name
}

func (d *Directory) AddRosterEntry(e recurring.RosterEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster = append(d.roster, e)
}

func (d *Directory) ProfileIDsByEmail(_ context.Context, email string) ([]string, error) {
	d.ProfileLookups.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ProfileErr != nil {
		return nil, d.ProfileErr
	}
	return append([]string(nil), d.profiles[strings.ToLower(email)]...), nil
}

func (d *Directory) EmployeeIDsByEmail(_ context.Context, email string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.EmployeeErr != nil {
		return nil, d.EmployeeErr
	}
	return append([]string(nil), d.employees[strings.ToLower(email)]...), nil
}

func (d *Directory) TeamsForMember(_ context.Context, ids recurring.IdentitySet) ([]recurring.TeamID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.TeamErr != nil {
		return nil, d.TeamErr
	}
	var out []recurring.TeamID
	for team, members := range d.teams {
		if ids.ContainsAny(members...) {
			out = append(out, team)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NameForClient returns the client's name, or ErrNotFound.
func (d *Directory) NameForClient(_ context.Context, id recurring.ClientID) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.ClientErrors[id]; err != nil {
		return "", err
	}
	name, ok := d.clients[id]
	if !ok {
		return "", &recurring.NotFoundError{Kind: "client", ID: string(id)}
	}
	return name, nil
}

func (d *Directory) RosterEntries(_ context.Context, f recurring.VisitFilter) ([]recurring.RosterEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.RosterErr != nil {
		return nil, d.RosterErr
	}
	var out []recurring.RosterEntry
	for _, e := range d.roster {
		if f.ClientID != "" && e.ClientID != f.ClientID {
			continue
		}
		if !f.Contains(e.Date) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Collaborators returns d wired into every collaborator slot.
func (d *Directory) Collaborators() recurring.Collaborators {
	return recurring.Collaborators{
		Profiles:  d,
		Employees: d,
		Teams:     d,
		Clients:   d,
		Roster:    d,
	}
}
