/*
handlers.go - HTTP API handlers for the recurring task engine

PURPOSE:
  Exposes the recurring engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Tasks:
    GET    /api/tasks                      List visible tasks (?due=true)
    POST   /api/tasks                      Create task
    GET    /api/tasks/{id}                 Get task
    PUT    /api/tasks/{id}                 Update task
    DELETE /api/tasks/{id}                 Delete (exhausted) or stop task
    POST   /api/tasks/{id}/pause           Pause
    POST   /api/tasks/{id}/resume          Resume in place

  Cycles:
    POST   /api/tasks/{id}/complete        Complete current cycle
    POST   /api/tasks/{id}/reopen          Reopen last completed cycle

  Ledger:
    GET    /api/tasks/{id}/completions     Records and client states (?client_id=)
    POST   /api/tasks/{id}/completions/bulk Bulk mark/unmark
    GET    /api/tasks/{id}/completion-rate Completion rate as of today

  Reports:
    GET    /api/reports/visits             Monthly visit report
                                           (?search=&start_date=&end_date=)

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    GET    /api/scenarios/current          Currently loaded scenario
    POST   /api/scenarios/load             Load a demo scenario (admin)

REQUEST FLOW:
  1. Take the principal placed in the context by RequirePrincipal
  2. Parse and validate input
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Engine errors map to HTTP status by sentinel:
  - 400: recurring.ErrValidation
  - 403: recurring.ErrPermissionDenied
  - 404: recurring.ErrNotFound
  - 503: recurring.ErrDependency (retryable)
  - 500: anything else
  A bulk request with failed entries answers 207 with per-entry errors.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principal headers
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/staffdesk/factory"
	"github.com/warp/staffdesk/recurring"
	"github.com/warp/staffdesk/store/sqlite"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Engine  *recurring.Engine
	Factory *factory.TaskFactory
	Metrics *Metrics
	Logger  *slog.Logger

	scenarios *scenarioState
}

// NewHandler creates a handler whose engine runs on store. A nil clock uses
// the system clock.
func NewHandler(store *sqlite.Store, clock recurring.Clock, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:     store,
		Engine:    recurring.NewEngine(store, store.Collaborators(), clock, logger),
		Factory:   factory.NewTaskFactory(),
		Metrics:   NewMetrics(),
		Logger:    logger,
		scenarios: &scenarioState{},
	}
}

func principal(r *http.Request) recurring.Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func taskID(r *http.Request) recurring.TaskID {
	return recurring.TaskID(chi.URLParam(r, "id"))
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// ListTasks returns the tasks visible to the caller.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	due, _ := strconv.ParseBool(r.URL.Query().Get("due"))

	tasks, err := h.Engine.ListVisibleTasks(r.Context(), principal(r), recurring.TaskQuery{DueOnly: due})
	if err != nil {
		h.writeEngineError(w, r, "Failed to list tasks", err)
		return
	}

	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(h.Factory, t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTask creates a task from a TaskJSON body.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	task, err := h.Factory.ParseTask(body)
	if err != nil {
		h.writeEngineError(w, r, "Invalid task", err)
		return
	}

	created, err := h.Engine.CreateTask(r.Context(), principal(r), task)
	if err != nil {
		h.writeEngineError(w, r, "Failed to create task", err)
		return
	}
	h.Metrics.taskCreated()

	writeJSON(w, http.StatusCreated, toTaskDTO(h.Factory, *created))
}

// GetTask returns a single task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.GetTask(r.Context(), principal(r), taskID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(h.Factory, *task))
}

// UpdateTask applies a partial update.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	patch, err := h.Factory.ParsePatch(body)
	if err != nil {
		h.writeEngineError(w, r, "Invalid update", err)
		return
	}

	task, err := h.Engine.UpdateTask(r.Context(), principal(r), taskID(r), patch)
	if err != nil {
		h.writeEngineError(w, r, "Failed to update task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(h.Factory, *task))
}

// DeleteTask removes an exhausted task or stops a live one.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.Engine.DeleteTask(r.Context(), principal(r), taskID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to delete task", err)
		return
	}

	resp := DeleteResponse{Deleted: outcome.Deleted, Stopped: outcome.Stopped}
	if outcome.Task != nil && outcome.Stopped {
		dto := toTaskDTO(h.Factory, *outcome.Task)
		resp.Task = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// PauseTask pauses a task.
func (h *Handler) PauseTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.PauseTask(r.Context(), principal(r), taskID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to pause task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(h.Factory, *task))
}

// ResumeTask resumes a paused task at its current cycle.
func (h *Handler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.ResumeTask(r.Context(), principal(r), taskID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to resume task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(h.Factory, *task))
}

// =============================================================================
// CYCLE HANDLERS
// =============================================================================

// CompleteCycle completes the current cycle. The ARN body is optional.
func (h *Handler) CompleteCycle(w http.ResponseWriter, r *http.Request) {
	var req CompleteCycleRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.writeEngineError(w, r, "Invalid request", err)
		return
	}

	res, err := h.Engine.CompleteCycle(r.Context(), taskID(r), principal(r), recurring.ARN{
		Number: strings.TrimSpace(req.ARNNumber),
		Name:   strings.TrimSpace(req.ARNName),
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to complete cycle", err)
		return
	}
	h.Metrics.cycleCompleted(res.AlreadyCompleted, len(res.Visits.Succeeded), len(res.Visits.Failed))

	writeJSON(w, http.StatusOK, toCycleResultDTO(h.Factory, res))
}

// ReopenCycle undoes the last completed cycle.
func (h *Handler) ReopenCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ReopenCycle(r.Context(), taskID(r), principal(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to reopen cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleResultDTO(h.Factory, res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListCompletions returns ledger records and the state of every client.
func (h *Handler) ListCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)
	id := taskID(r)
	clientID := recurring.ClientID(r.URL.Query().Get("client_id"))

	task, recs, err := h.Engine.ListCompletions(ctx, p, id, clientID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list completions", err)
		return
	}

	resp := CompletionsResponse{
		Records: make([]CompletionRecordDTO, len(recs)),
		States:  []ClientStateDTO{},
	}
	for i, rec := range recs {
		resp.Records[i] = toCompletionDTO(rec)
	}
	for _, st := range recurring.StateFor(*task, recs) {
		if clientID != "" && st.ClientID != clientID {
			continue
		}
		resp.States = append(resp.States, ClientStateDTO{
			ClientID:  string(st.ClientID),
			Phase:     string(st.Phase),
			PeriodKey: st.PeriodKey,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// BulkSetCompletion marks or unmarks many entries. Any failed entry turns
// the response into 207 Multi-Status.
func (h *Handler) BulkSetCompletion(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Factory.Validate(req); err != nil {
		h.writeEngineError(w, r, "Invalid request", err)
		return
	}

	entries := make([]recurring.BulkEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = recurring.BulkEntry{
			ClientID:  recurring.ClientID(e.ClientID),
			PeriodKey: e.PeriodKey,
			Completed: e.Completed,
			ARNNumber: strings.TrimSpace(e.ARNNumber),
			ARNName:   strings.TrimSpace(e.ARNName),
		}
	}

	results, err := h.Engine.BulkSetCompletion(r.Context(), taskID(r), principal(r), entries)
	if err != nil {
		h.writeEngineError(w, r, "Failed to apply bulk completion", err)
		return
	}

	resp := BulkResponse{Results: make([]BulkResultDTO, len(results))}
	for i, res := range results {
		dto := BulkResultDTO{
			Index:     res.Index,
			ClientID:  string(res.ClientID),
			PeriodKey: res.PeriodKey,
			Completed: res.Completed,
			OK:        res.OK(),
		}
		if res.Record != nil {
			rec := toCompletionDTO(*res.Record)
			dto.Record = &rec
		}
		if res.Err != nil {
			var item *recurring.ItemError
			if errors.As(res.Err, &item) {
				ie := toItemErrorDTO(item)
				dto.Error = &ie
			}
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Results[i] = dto
	}
	h.Metrics.bulkApplied(resp.Succeeded, resp.Failed)

	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// CompletionRate returns the task's completion rate as of today.
func (h *Handler) CompletionRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.Engine.CompletionRate(r.Context(), principal(r), taskID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to compute completion rate", err)
		return
	}

	f, _ := rate.Rate.Float64()
	writeJSON(w, http.StatusOK, CompletionRateDTO{
		TaskID:     string(rate.TaskID),
		AsOf:       rate.AsOf.String(),
		Clients:    rate.Clients,
		DuePeriods: rate.DuePeriods,
		Expected:   rate.Expected,
		Completed:  rate.Completed,
		Rate:       f,
		Percent:    rate.Percent().StringFixed(2),
	})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// VisitReport returns the monthly visit report grouped by client.
func (h *Handler) VisitReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := recurring.ReportFilter{Search: strings.TrimSpace(q.Get("search"))}

	for _, param := range []struct {
		name string
		dst  **recurring.Date
	}{{"start_date", &filter.From}, {"end_date", &filter.To}} {
		raw := q.Get(param.name)
		if raw == "" {
			continue
		}
		d, err := recurring.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+param.name+" format (use YYYY-MM-DD)", err)
			return
		}
		*param.dst = &d
	}

	reports, err := h.Engine.MonthlyReport(r.Context(), principal(r), filter)
	if err != nil {
		h.writeEngineError(w, r, "Failed to build visit report", err)
		return
	}
	writeJSON(w, http.StatusOK, toClientReportDTOs(reports))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its HTTP status.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), message, "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: errorCode(err), Details: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recurring.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, recurring.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, recurring.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recurring.ErrDependency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, recurring.ErrValidation):
		return "validation"
	case errors.Is(err, recurring.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, recurring.ErrNotFound):
		return "not_found"
	case errors.Is(err, recurring.ErrDependency):
		return "dependency"
	default:
		return "internal"
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := decodeJSON(w, r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
