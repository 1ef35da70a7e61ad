/*
cycle.go - Cycle completion orchestrator

PURPOSE:
  Moves a task from one cycle to the next and keeps the ledger, the task's
  history and the visit sink in step.

STATE PER (TASK, CLIENT):
  Pending(p) --complete--> Completed(p) --advance--> Pending(next(p))
  any state  --pause-----> Paused
  Paused     --resume----> Pending(current)      resume in place, no catch-up

COMPLETE CYCLE:
  Inside one transaction:
    1. Load the task and check the caller may see it
    2. Reject paused and exhausted tasks
    3. Upsert one ledger record per served client for PeriodKey(NextOccurrence)
    4. Advance NextOccurrence by one boundary and append a history entry
  After commit, when the task has team member mappings:
    5. Emit one visit per (mapping user, client) pair. Each pair is tried at
       most twice. Failures are logged and returned, never raised.

REPEATED COMPLETION:
  When the current cycle has not opened yet (its boundary is after today)
  the previous call already advanced the task. The last completed period is
  written again (refreshing CompletedBy and the ARN) and the task is left
  where it is. The result is flagged AlreadyCompleted.

SEE ALSO:
  - ledger.go: Record validation
  - recurrence.go: NextBoundary, period keys
*/
package recurring

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// visitNamespace seeds deterministic visit IDs so that re-emitting the same
// pair overwrites the earlier visit.
var visitNamespace = uuid.MustParse("6f1c7a52-3d4e-4b8a-9c1f-2e7d5a9b0c31")

// CycleResult is returned by CompleteCycle and ReopenCycle.
type CycleResult struct {
	Task             *Task
	PeriodKey        string
	AlreadyCompleted bool
	Visits           EmissionResult
}

// EmissionResult collects the outcome of visit emission.
type EmissionResult struct {
	Succeeded []VisitRecord
	Failed    []*ItemError
}

// =============================================================================
// COMPLETE
// =============================================================================

// CompleteCycle completes the task's current cycle on behalf of p.
func (e *Engine) CompleteCycle(ctx context.Context, id TaskID, p Principal, arn ARN) (*CycleResult, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}

	today := e.Clock.Today()
	now := e.now().UTC()
	payload := CompletionPayload{
		CompletedBy: p.SubjectID,
		CompletedAt: now,
		ARNNumber:   arn.Number,
		ARNName:     arn.Name,
	}

	var result CycleResult
	err = e.Store.WithTx(ctx, func(s Store) error {
		task, err := e.loadTask(ctx, s, id)
		if err != nil {
			return err
		}
		if !access.CanSee(*task) {
			return denied(p, "complete task "+string(id))
		}
		if task.IsPaused {
			return &ValidationError{Field: "isPaused", Message: "task " + string(id) + " is paused"}
		}
		if task.IsExhausted() {
			return &ValidationError{Field: "endDate", Message: "task " + string(id) + " has no remaining occurrences"}
		}

		if !task.IsCycleOpen(today) {
			last, ok := task.LastCompleted()
			if !ok {
				return &ValidationError{Field: "nextOccurrence", Message: "cycle " + task.CurrentPeriodKey() + " is not yet due"}
			}
			if err := completeClients(ctx, s, *task, last.PeriodKey, payload); err != nil {
				return err
			}
			result = CycleResult{Task: task, PeriodKey: last.PeriodKey, AlreadyCompleted: true}
			return nil
		}

		periodKey := task.CurrentPeriodKey()
		if err := completeClients(ctx, s, *task, periodKey, payload); err != nil {
			return err
		}

		boundary := task.NextOccurrence
		task.NextOccurrence = NextBoundary(boundary, task.Pattern, task.StartDate.Day())
		task.CompletionHistory = append(task.CompletionHistory, HistoryEntry{
			PeriodKey:   periodKey,
			Boundary:    boundary,
			Action:      HistoryCompleted,
			By:          p.SubjectID,
			At:          now,
			ARNNumber:   arn.Number,
			ARNName:     arn.Name,
			ClientCount: len(task.Clients()),
		})
		task.Status = StatusPending
		if task.IsExhausted() {
			task.Status = StatusCompleted
		}
		task.UpdatedAt = now
		if err := s.SaveTask(ctx, *task); err != nil {
			return err
		}
		result = CycleResult{Task: task, PeriodKey: periodKey}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	if result.AlreadyCompleted {
		e.Logger.InfoContext(ctx, "cycle already completed",
			"task", id, "period", result.PeriodKey, "by", p.SubjectID)
		return &result, nil
	}

	e.Logger.InfoContext(ctx, "cycle completed",
		"task", id, "period", result.PeriodKey,
		"next", result.Task.NextOccurrence.String(), "exhausted", result.Task.IsExhausted(),
		"by", p.SubjectID)

	if result.Task.HasMappings() {
		result.Visits = e.emitVisits(ctx, *result.Task, result.PeriodKey, arn)
	}
	return &result, nil
}

func completeClients(ctx context.Context, s CompletionStore, task Task, periodKey string, payload CompletionPayload) error {
	for _, c := range task.Clients() {
		if _, err := upsertCompletion(ctx, s, task, c, periodKey, payload, payload.CompletedAt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// REOPEN
// =============================================================================

// ReopenCycle undoes the most recent completion: its ledger records are
// deleted and NextOccurrence returns to that cycle's boundary. Emitted visits
// are kept.
func (e *Engine) ReopenCycle(ctx context.Context, id TaskID, p Principal) (*CycleResult, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	var result CycleResult
	err = e.Store.WithTx(ctx, func(s Store) error {
		task, err := e.loadTask(ctx, s, id)
		if err != nil {
			return err
		}
		if !access.CanSee(*task) {
			return denied(p, "reopen task "+string(id))
		}
		last, ok := task.LastCompleted()
		if !ok {
			return &ValidationError{Field: "completionHistory", Message: "task " + string(id) + " has no completed cycle to reopen"}
		}

		recs, err := s.ListCompletions(ctx, CompletionFilter{TaskID: id})
		if err != nil {
			return err
		}
		for _, r := range recs {
			if r.PeriodKey != last.PeriodKey {
				continue
			}
			if err := s.DeleteCompletion(ctx, r.Key()); err != nil {
				return err
			}
		}

		task.NextOccurrence = last.Boundary
		task.CompletionHistory = append(task.CompletionHistory, HistoryEntry{
			PeriodKey: last.PeriodKey,
			Boundary:  last.Boundary,
			Action:    HistoryReopened,
			By:        p.SubjectID,
			At:        now,
		})
		task.Status = StatusPending
		task.UpdatedAt = now
		if err := s.SaveTask(ctx, *task); err != nil {
			return err
		}
		result = CycleResult{Task: task, PeriodKey: last.PeriodKey}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	e.Logger.InfoContext(ctx, "cycle reopened", "task", id, "period", result.PeriodKey, "by", p.SubjectID)
	return &result, nil
}

// =============================================================================
// BULK
// =============================================================================

// BulkEntry marks or unmarks one client for one period.
type BulkEntry struct {
	ClientID  ClientID
	PeriodKey string
	Completed bool
	ARNNumber string
	ARNName   string
}

// BulkResult is the outcome of one BulkEntry. Err is an *ItemError or nil.
type BulkResult struct {
	Index     int
	ClientID  ClientID
	PeriodKey string
	Completed bool
	Record    *CompletionRecord
	Err       error
}

func (r BulkResult) OK() bool { return r.Err == nil }

// BulkSetCompletion applies each entry on its own. A bad entry never fails
// the batch; only a missing task or a denied caller does.
func (e *Engine) BulkSetCompletion(ctx context.Context, id TaskID, p Principal, entries []BulkEntry) ([]BulkResult, error) {
	access, err := e.ResolveAccess(ctx, p)
	if err != nil {
		return nil, err
	}
	task, err := e.loadTask(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(*task) {
		return nil, denied(p, "change completions of task "+string(id))
	}

	now := e.now().UTC()
	results := make([]BulkResult, len(entries))
	failed := 0
	for i, entry := range entries {
		res := BulkResult{Index: i, ClientID: entry.ClientID, PeriodKey: entry.PeriodKey, Completed: entry.Completed}
		rec, err := e.applyBulkEntry(ctx, *task, entry, p, now)
		if err != nil {
			failed++
			res.Err = &ItemError{TaskID: id, ClientID: entry.ClientID, PeriodKey: entry.PeriodKey, Err: err}
		} else {
			res.Record = rec
		}
		results[i] = res
	}

	e.Logger.InfoContext(ctx, "bulk completion applied",
		"task", id, "entries", len(entries), "failed", failed, "by", p.SubjectID)
	return results, nil
}

func (e *Engine) applyBulkEntry(ctx context.Context, task Task, entry BulkEntry, p Principal, now time.Time) (*CompletionRecord, error) {
	if entry.ClientID == "" {
		return nil, &ValidationError{Field: "clientId", Message: "is required"}
	}
	if entry.Completed {
		return upsertCompletion(ctx, e.Store, task, entry.ClientID, entry.PeriodKey, CompletionPayload{
			CompletedBy: p.SubjectID,
			CompletedAt: now,
			ARNNumber:   entry.ARNNumber,
			ARNName:     entry.ARNName,
		}, now)
	}
	if _, err := ParsePeriodKey(entry.PeriodKey, task.Pattern); err != nil {
		return nil, err
	}
	key := CompletionKey{TaskID: task.ID, ClientID: entry.ClientID, PeriodKey: entry.PeriodKey}
	return nil, storeErr(e.Store.DeleteCompletion(ctx, key))
}

// =============================================================================
// VISIT EMISSION
// =============================================================================

// VisitID is the deterministic id of the visit emitted for one pair.
func VisitID(taskID TaskID, periodKey, employeeID string, clientID ClientID) string {
	name := strings.Join([]string{string(taskID), periodKey, employeeID, string(clientID)}, "|")
	return uuid.NewSHA1(visitNamespace, []byte(name)).String()
}

// emitVisits writes one visit per (mapping user, client) pair.
func (e *Engine) emitVisits(ctx context.Context, task Task, periodKey string, arn ARN) EmissionResult {
	var res EmissionResult
	for _, m := range task.TeamMemberMappings {
		for _, c := range m.ClientIDs {
			var (
				visit *VisitRecord
				err   error
			)
			for attempt := 0; attempt < 2; attempt++ {
				if visit, err = e.emitVisit(ctx, task, m, c, periodKey, arn); err == nil {
					break
				}
			}
			if err != nil {
				e.Logger.WarnContext(ctx, "visit emission failed, skipping pair",
					"task", task.ID, "period", periodKey, "employee", m.UserID, "client", c, "err", err)
				res.Failed = append(res.Failed, &ItemError{
					TaskID:     task.ID,
					ClientID:   c,
					PeriodKey:  periodKey,
					EmployeeID: m.UserID,
					Err:        err,
				})
				continue
			}
			res.Succeeded = append(res.Succeeded, *visit)
		}
	}
	return res
}

func (e *Engine) emitVisit(ctx context.Context, task Task, m TeamMemberMapping, clientID ClientID, periodKey string, arn ARN) (*VisitRecord, error) {
	name, err := e.clientName(ctx, clientID)
	if err != nil {
		return nil, err
	}
	visit := VisitRecord{
		ID:           VisitID(task.ID, periodKey, m.UserID, clientID),
		ClientID:     clientID,
		ClientName:   name,
		EmployeeID:   m.UserID,
		EmployeeName: m.UserName,
		VisitDate:    e.Clock.Today(),
		SourceTaskID: task.ID,
		TaskTitle:    task.Title,
		TaskType:     TaskTypeRecurring,
		PeriodKey:    periodKey,
		ARNNumber:    arn.Number,
		ARNName:      arn.Name,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.Store.SaveVisit(ctx, visit); err != nil {
		return nil, storeErr(err)
	}
	return &visit, nil
}

func (e *Engine) clientName(ctx context.Context, id ClientID) (string, error) {
	if e.Clients == nil {
		return string(id), nil
	}
	name, err := e.Clients.NameForClient(ctx, id)
	if err != nil {
		return "", &DependencyError{Collaborator: "clients", Err: err}
	}
	if name == "" {
		return string(id), nil
	}
	return name, nil
}

// =============================================================================
// PER-CLIENT STATE
// =============================================================================

// Phase is the state of one (task, client) pair.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseCompleted Phase = "completed"
	PhasePaused    Phase = "paused"
)

// ClientState is where one client stands on a task.
type ClientState struct {
	ClientID  ClientID
	Phase     Phase
	PeriodKey string
}

// StateFor derives the state of every served client from the task and its
// ledger. An exhausted task reports its last completed period.
func StateFor(task Task, recs []CompletionRecord) []ClientState {
	periodKey := task.CurrentPeriodKey()
	if task.IsExhausted() {
		if last, ok := task.LastCompleted(); ok {
			periodKey = last.PeriodKey
		}
	}

	done := make(map[ClientID]bool)
	for _, r := range recs {
		if r.IsCompleted && r.PeriodKey == periodKey {
			done[r.ClientID] = true
		}
	}

	clients := task.Clients()
	out := make([]ClientState, 0, len(clients))
	for _, c := range clients {
		st := ClientState{ClientID: c, Phase: PhasePending, PeriodKey: periodKey}
		switch {
		case task.IsPaused:
			st.Phase = PhasePaused
		case done[c]:
			st.Phase = PhaseCompleted
		}
		out = append(out, st)
	}
	return out
}
