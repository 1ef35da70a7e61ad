/*
ledger.go - Completion ledger

PURPOSE:
  The ledger is the source of truth for "was client C's obligation on task T
  discharged for period P". The task's CompletionHistory is only a summary.

KEY:
  (TaskID, ClientID, PeriodKey) is unique. PeriodKey comes from
  recurrence.go, never from a caller-supplied free-form date, so a repeated
  completion of the same cycle overwrites one row instead of adding another.

WRITE RULES:
  - Upsert: insert or overwrite; the last writer's CompletedBy/ARN wins
  - ARN: required when the owning task has RequiresARN
  - Client: must be served by the task at the time of completion
  - Unmark: deletes the row; deleting a missing row is not an error

COMPLETION RATE:
  completed / (clients x due periods), where a period is due when its
  boundary is on or before today. Future cycles never enter the denominator.

  Example: monthly task, 2 clients, started 2025-01-01, today 2025-05-15
    due periods = Jan..May = 5, expected = 10
    3 completed records -> 3/10 = 30%

SEE ALSO:
  - cycle.go: Writes the ledger for a whole cycle at once
  - store.go: CompletionStore
*/
package recurring

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Clock Clock
	now   func() time.Time
}

func NewLedger(store Store, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{Store: store, Clock: clock, now: time.Now}
}

// Upsert records a completion for one client and period.
func (l *Ledger) Upsert(ctx context.Context, taskID TaskID, clientID ClientID, periodKey string, payload CompletionPayload) (*CompletionRecord, error) {
	task, err := l.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return upsertCompletion(ctx, l.Store, *task, clientID, periodKey, payload, l.now().UTC())
}

// Unmark removes the completion for one client and period.
func (l *Ledger) Unmark(ctx context.Context, taskID TaskID, clientID ClientID, periodKey string) error {
	key := CompletionKey{TaskID: taskID, ClientID: clientID, PeriodKey: periodKey}
	return storeErr(l.Store.DeleteCompletion(ctx, key))
}

// ListByTask returns all records of a task, ordered by period key.
func (l *Ledger) ListByTask(ctx context.Context, taskID TaskID) ([]CompletionRecord, error) {
	recs, err := l.Store.ListCompletions(ctx, CompletionFilter{TaskID: taskID})
	return recs, storeErr(err)
}

// ListByClientAndTask returns one client's records of a task, ordered by period key.
func (l *Ledger) ListByClientAndTask(ctx context.Context, clientID ClientID, taskID TaskID) ([]CompletionRecord, error) {
	recs, err := l.Store.ListCompletions(ctx, CompletionFilter{TaskID: taskID, ClientID: clientID})
	return recs, storeErr(err)
}

func (l *Ledger) loadTask(ctx context.Context, id TaskID) (*Task, error) {
	task, err := l.Store.GetTask(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if task == nil {
		return nil, taskNotFound(id)
	}
	return task, nil
}

// upsertCompletion validates and writes one record through s, which may be
// a transactional view.
func upsertCompletion(ctx context.Context, s CompletionStore, task Task, clientID ClientID, periodKey string, payload CompletionPayload, now time.Time) (*CompletionRecord, error) {
	if payload.CompletedBy == "" {
		return nil, &ValidationError{Field: "completedBy", Message: "is required"}
	}
	if task.RequiresARN && payload.ARNNumber == "" {
		return nil, &ValidationError{Field: "arnNumber", Message: "is required for task " + string(task.ID)}
	}
	if !task.ServesClient(clientID) {
		return nil, &ValidationError{Field: "clientId", Message: string(clientID) + " is not assigned to task " + string(task.ID)}
	}
	if _, err := ParsePeriodKey(periodKey, task.Pattern); err != nil {
		return nil, err
	}

	completedAt := payload.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	rec := CompletionRecord{
		TaskID:      task.ID,
		ClientID:    clientID,
		PeriodKey:   periodKey,
		IsCompleted: true,
		CompletedAt: completedAt,
		CompletedBy: payload.CompletedBy,
		ARNNumber:   payload.ARNNumber,
		ARNName:     payload.ARNName,
	}
	if err := s.UpsertCompletion(ctx, rec); err != nil {
		return nil, storeErr(err)
	}
	return &rec, nil
}

// =============================================================================
// COMPLETION RATE
// =============================================================================

// CompletionRate summarizes how many due obligations were discharged.
type CompletionRate struct {
	TaskID     TaskID
	AsOf       Date
	Clients    int
	DuePeriods int
	Expected   int
	Completed  int
	Rate       decimal.Decimal // fraction in [0, 1]
}

// Percent returns the rate as a percentage rounded to two places.
func (r CompletionRate) Percent() decimal.Decimal {
	return r.Rate.Mul(decimal.NewFromInt(100)).Round(2)
}

// CompletionRate computes the rate of a task as of today (from the clock).
func (l *Ledger) CompletionRate(ctx context.Context, taskID TaskID) (*CompletionRate, error) {
	task, err := l.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	recs, err := l.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rate := ComputeCompletionRate(*task, recs, l.Clock.Today())
	return &rate, nil
}

// ComputeCompletionRate is the pure core of Ledger.CompletionRate.
func ComputeCompletionRate(task Task, recs []CompletionRecord, today Date) CompletionRate {
	due := task.DuePeriods(today)
	clients := task.Clients()

	dueKeys := make(map[string]bool, len(due))
	for _, p := range due {
		dueKeys[p.Key] = true
	}
	served := make(map[ClientID]bool, len(clients))
	for _, c := range clients {
		served[c] = true
	}

	completed := 0
	for _, r := range recs {
		if r.IsCompleted && dueKeys[r.PeriodKey] && served[r.ClientID] {
			completed++
		}
	}

	expected := len(clients) * len(due)
	rate := decimal.Zero
	if expected > 0 {
		rate = decimal.NewFromInt(int64(completed)).DivRound(decimal.NewFromInt(int64(expected)), 4)
	}

	return CompletionRate{
		TaskID:     task.ID,
		AsOf:       today,
		Clients:    len(clients),
		DuePeriods: len(due),
		Expected:   expected,
		Completed:  completed,
		Rate:       rate,
	}
}
