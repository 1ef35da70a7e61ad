/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario seeds the reference directories (clients,
	profiles, teams, roster) and then drives the engine as a demo admin, so
	tasks, ledger records and visits are produced by the same code paths the
	API uses.

AVAILABLE SCENARIOS:

	quarterly-compliance: Quarterly GST return with mapped employees and ARNs
	monthly-bookkeeping:  Team-assigned monthly task with ledger corrections
	visit-report:         Mapped visits next to roster entries for the report

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed directories
 3. Create tasks from JSON via the factory and the engine
 4. Complete past cycles so the ledger and visits have history

	Dates are anchored on the engine clock, so a scenario always has some
	completed and some open cycles.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "quarterly-compliance"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - factory/task.go: Task JSON definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warp/staffdesk/recurring"
	"github.com/warp/staffdesk/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "quarterly-compliance",
		Name:        "Quarterly Compliance",
		Description: "Quarterly GST filing for three clients, two mapped employees, ARN on every completion",
		Category:    "compliance",
	},
	{
		ID:          "monthly-bookkeeping",
		Name:        "Monthly Bookkeeping",
		Description: "Team-assigned monthly reconciliation with a few ledger corrections",
		Category:    "bookkeeping",
	},
	{
		ID:          "visit-report",
		Name:        "Visit Report",
		Description: "Emitted visits and roster entries side by side in the monthly report",
		Category:    "reports",
	},
}

// DemoAdmin is the principal scenarios act as.
var DemoAdmin = recurring.Principal{
	SubjectID: "demo-admin",
	Email:     "admin@example.com",
	Role:      recurring.RoleAdmin,
}

type scenarioState struct {
	mu      sync.Mutex
	current string
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarios.mu.Lock()
	current := h.scenarios.current
	h.scenarios.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario. Admin only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "Only admins may load scenarios", nil)
		return
	}

	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.writeEngineError(w, r, "Invalid request", err)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
			return
		}
		h.writeEngineError(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

var errUnknownScenario = errors.New("unknown scenario")

// LoadScenarioByID resets the database and loads one scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "quarterly-compliance":
		load = h.loadQuarterlyComplianceScenario
	case "monthly-bookkeeping":
		load = h.loadMonthlyBookkeepingScenario
	case "visit-report":
		load = h.loadVisitReportScenario
	default:
		return errUnknownScenario
	}

	h.scenarios.mu.Lock()
	defer h.scenarios.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	h.scenarios.current = ""

	if err := load(ctx); err != nil {
		return err
	}
	h.scenarios.current = id
	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadQuarterlyComplianceScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}

	today := h.Engine.Clock.Today()
	start := recurring.NewDate(today.Year()-1, time.January, 1)
	taskJSON := fmt.Sprintf(`{
		"id": "gst-quarterly",
		"title": "File quarterly GST return",
		"description": "Prepare and lodge the GST return for each client",
		"priority": "high",
		"recurrence_pattern": "quarterly",
		"start_date": %q,
		"team_member_mappings": [
			{"user_id": "u-asha", "user_name": "Asha Rao", "client_ids": ["c-acme", "c-birch"]},
			{"user_id": "emp-ravi", "user_name": "Ravi Menon", "client_ids": ["c-cedar"]}
		],
		"requires_arn": true
	}`, start.String())

	task, err := h.createTaskFromJSON(ctx, taskJSON)
	if err != nil {
		return err
	}
	// Complete the four quarters of last year.
	return h.completeCycles(ctx, task.ID, 4, "AA")
}

func (h *Handler) loadMonthlyBookkeepingScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}

	today := h.Engine.Clock.Today()
	start := recurring.NewDate(today.Year(), today.Month(), 1).AddMonthsClamped(-6, 1)
	taskJSON := fmt.Sprintf(`{
		"id": "books-monthly",
		"title": "Monthly bank reconciliation",
		"recurrence_pattern": "monthly",
		"start_date": %q,
		"contact_ids": ["c-acme", "c-birch", "c-cedar"],
		"team_id": "books"
	}`, start.String())

	task, err := h.createTaskFromJSON(ctx, taskJSON)
	if err != nil {
		return err
	}
	if err := h.completeCycles(ctx, task.ID, 3, ""); err != nil {
		return err
	}

	// The fourth month was done for one client only; the first month is
	// corrected after an audit.
	fourth := recurring.PeriodKey(start.AddMonthsClamped(3, 1), recurring.PatternMonthly)
	first := recurring.PeriodKey(start, recurring.PatternMonthly)
	_, err = h.Engine.BulkSetCompletion(ctx, task.ID, DemoAdmin, []recurring.BulkEntry{
		{ClientID: "c-acme", PeriodKey: fourth, Completed: true},
		{ClientID: "c-cedar", PeriodKey: first, Completed: false},
	})
	return err
}

func (h *Handler) loadVisitReportScenario(ctx context.Context) error {
	if err := h.seedDirectory(ctx); err != nil {
		return err
	}

	today := h.Engine.Clock.Today()
	start := recurring.NewDate(today.Year(), today.Month(), 1).AddMonthsClamped(-3, 1)
	taskJSON := fmt.Sprintf(`{
		"id": "payroll-visit",
		"title": "Payroll review visit",
		"recurrence_pattern": "monthly",
		"start_date": %q,
		"team_member_mappings": [
			{"user_id": "u-asha", "user_name": "Asha Rao", "client_ids": ["c-acme"]},
			{"user_id": "emp-ravi", "user_name": "Ravi Menon", "client_ids": ["c-birch", "c-cedar"]}
		]
	}`, start.String())

	task, err := h.createTaskFromJSON(ctx, taskJSON)
	if err != nil {
		return err
	}
	if err := h.completeCycles(ctx, task.ID, 2, ""); err != nil {
		return err
	}

	roster := []recurring.RosterEntry{
		{ID: "r-1", ClientID: "c-acme", ClientName: "Acme Traders", EmployeeID: "u-asha", EmployeeName: "Asha Rao",
			Date: start.AddDays(9), TaskDetail: "Payroll Review Visit"},
		{ID: "r-2", ClientID: "c-birch", ClientName: "Birch & Co", EmployeeID: "emp-ravi", EmployeeName: "Ravi Menon",
			Date: start.AddMonthsClamped(1, 1).AddDays(4), TaskDetail: "payroll review visit"},
		// Not tied to a mapped task; left out of the report.
		{ID: "r-3", ClientID: "c-cedar", ClientName: "Cedar Holdings", EmployeeID: "emp-ravi", EmployeeName: "Ravi Menon",
			Date: start.AddDays(2), TaskDetail: "Office move"},
	}
	for _, e := range roster {
		if err := h.Store.SaveRosterEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// seedDirectory writes the clients, people and teams shared by all scenarios.
// Asha has both a profile and a legacy employee record under one email.
func (h *Handler) seedDirectory(ctx context.Context) error {
	clients := []struct {
		id   recurring.ClientID
		name string
	}{
		{"c-acme", "Acme Traders"},
		{"c-birch", "Birch & Co"},
		{"c-cedar", "Cedar Holdings"},
	}
	for _, c := range clients {
		if err := h.Store.SaveClient(ctx, c.id, c.name); err != nil {
			return err
		}
	}

	profiles := []sqlite.Person{
		{ID: "u-asha", Name: "Asha Rao", Email: "asha@example.com"},
		{ID: "u-mei", Name: "Mei Tan", Email: "mei@example.com"},
	}
	for _, p := range profiles {
		if err := h.Store.SaveProfile(ctx, p); err != nil {
			return err
		}
	}
	legacy := []sqlite.Person{
		{ID: "emp-asha", Name: "Asha Rao", Email: "asha@example.com"},
		{ID: "emp-ravi", Name: "Ravi Menon", Email: "ravi@example.com"},
	}
	for _, p := range legacy {
		if err := h.Store.SaveLegacyEmployee(ctx, p); err != nil {
			return err
		}
	}

	if err := h.Store.AddTeamMember(ctx, "books", "u-mei"); err != nil {
		return err
	}
	return h.Store.AddTeamMember(ctx, "books", "emp-ravi")
}

func (h *Handler) createTaskFromJSON(ctx context.Context, jsonStr string) (*recurring.Task, error) {
	task, err := h.Factory.ParseTask([]byte(jsonStr))
	if err != nil {
		return nil, err
	}
	return h.Engine.CreateTask(ctx, DemoAdmin, task)
}

// completeCycles completes up to n cycles, stopping early at the first cycle
// that has not opened yet. A non-empty arnPrefix attaches an ARN per cycle.
func (h *Handler) completeCycles(ctx context.Context, id recurring.TaskID, n int, arnPrefix string) error {
	for i := 0; i < n; i++ {
		var arn recurring.ARN
		if arnPrefix != "" {
			arn = recurring.ARN{Number: fmt.Sprintf("%s%06d", arnPrefix, i+1), Name: "GST return"}
		}
		res, err := h.Engine.CompleteCycle(ctx, id, DemoAdmin, arn)
		if err != nil {
			return err
		}
		if res.AlreadyCompleted {
			return nil
		}
	}
	return nil
}
