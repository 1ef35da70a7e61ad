/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Principal headers (401 / 403)
- Task create, read and cycle completion over HTTP
- Bulk completion answering 207 on partial failure
- Visit report access
- Health, metrics and scenario endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/staffdesk/recurring"
	"github.com/warp/staffdesk/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveProfile(ctx, sqlite.Person{ID: "u1", Name: "Asha Rao", Email: "asha@example.com"}))
	require.NoError(t, store.SaveClient(ctx, "c1", "Acme Traders"))
	require.NoError(t, store.SaveClient(ctx, "c2", "Birch & Co"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(store, recurring.FixedClock(recurring.NewDate(2025, time.February, 15)), logger)
	return &testServer{handler: h, router: NewRouter(h, []string{"*"}), store: store}
}

type caller struct {
	subject, email, role string
}

var (
	asAdmin    = caller{"admin-1", "admin@example.com", "admin"}
	asEmployee = caller{"auth-asha", "asha@example.com", "employee"}
)

func (s *testServer) do(t *testing.T, c caller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c.subject != "" {
		req.Header.Set(HeaderSubjectID, c.subject)
	}
	if c.email != "" {
		req.Header.Set(HeaderEmail, c.email)
	}
	if c.role != "" {
		req.Header.Set(HeaderRole, c.role)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), rec.Body.String())
	return v
}

const gstTaskJSON = `{
	"id": "gst",
	"title": "File quarterly GST return",
	"recurrence_pattern": "quarterly",
	"start_date": "2025-01-01",
	"team_member_mappings": [
		{"user_id": "u1", "user_name": "Asha Rao", "client_ids": ["c1", "c2"]}
	]
}`

func (s *testServer) createGST(t *testing.T) {
	t.Helper()
	rec := s.do(t, asAdmin, http.MethodPost, "/api/tasks", gstTaskJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// AUTH
// =============================================================================

func TestRequirePrincipal(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, caller{}, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, caller{subject: "x", role: "superuser"}, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, caller{subject: "x", role: " Admin "}, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// TASKS AND CYCLES
// =============================================================================

func TestCreateGetAndCompleteTask(t *testing.T) {
	// GIVEN: A quarterly task mapping Asha to two clients
	// WHEN: Asha completes the open cycle over HTTP
	// THEN: Two visits are emitted and the task moves to Q2

	s := newTestServer(t)
	s.createGST(t)

	rec := s.do(t, asEmployee, http.MethodGet, "/api/tasks/gst", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decode[TaskDTO](t, rec)
	assert.Equal(t, "2025-Q1", task.CurrentPeriod)
	assert.Equal(t, "admin-1", task.CreatedBy)

	rec = s.do(t, asEmployee, http.MethodPost, "/api/tasks/gst/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CycleResultDTO](t, rec)
	assert.Equal(t, "2025-Q1", res.PeriodKey)
	assert.False(t, res.AlreadyCompleted)
	assert.Len(t, res.Visits, 2)
	assert.Empty(t, res.VisitErrors)
	assert.Equal(t, "2025-04-01", res.Task.NextOccurrence)

	rec = s.do(t, asEmployee, http.MethodGet, "/api/tasks/gst/completions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	completions := decode[CompletionsResponse](t, rec)
	assert.Len(t, completions.Records, 2)
	assert.Len(t, completions.States, 2)

	rec = s.do(t, asEmployee, http.MethodGet, "/api/tasks/gst/completion-rate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rate := decode[CompletionRateDTO](t, rec)
	assert.Equal(t, "100.00", rate.Percent)
}

func TestCreateTask_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, asAdmin, http.MethodPost, "/api/tasks", `{"title":"x","recurrence_pattern":"weekly","start_date":"2025-01-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation", body.Code)
	assert.Contains(t, body.Details, "recurrence_pattern")

	rec = s.do(t, asEmployee, http.MethodPost, "/api/tasks", gstTaskJSON)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, asAdmin, http.MethodGet, "/api/tasks/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteCycle_ARNTooLong(t *testing.T) {
	s := newTestServer(t)
	s.createGST(t)

	rec := s.do(t, asAdmin, http.MethodPost, "/api/tasks/gst/complete",
		`{"arn_number":"`+strings.Repeat("9", 101)+`"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTask_StopsLiveTask(t *testing.T) {
	s := newTestServer(t)
	s.createGST(t)

	rec := s.do(t, asAdmin, http.MethodDelete, "/api/tasks/gst", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DeleteResponse](t, rec)
	assert.True(t, resp.Stopped)
	require.NotNil(t, resp.Task)
	assert.True(t, resp.Task.IsPaused)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestBulkSetCompletion_PartialFailure(t *testing.T) {
	// GIVEN: The gst task
	// WHEN: A bulk request mixes a valid entry and an unassigned client
	// THEN: 207 with one success and one validation failure

	s := newTestServer(t)
	s.createGST(t)

	rec := s.do(t, asAdmin, http.MethodPost, "/api/tasks/gst/completions/bulk", `{"entries":[
		{"client_id":"c1","period_key":"2025-Q1","completed":true},
		{"client_id":"c9","period_key":"2025-Q1","completed":true}
	]}`)

	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp := decode[BulkResponse](t, rec)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].OK)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "validation", resp.Results[1].Error.Code)
}

func TestBulkSetCompletion_EmptyRejected(t *testing.T) {
	s := newTestServer(t)
	s.createGST(t)

	rec := s.do(t, asAdmin, http.MethodPost, "/api/tasks/gst/completions/bulk", `{"entries":[]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestVisitReport(t *testing.T) {
	s := newTestServer(t)
	s.createGST(t)
	rec := s.do(t, asEmployee, http.MethodPost, "/api/tasks/gst/complete", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, asAdmin, http.MethodGet, "/api/reports/visits?start_date=2025-02-01&end_date=2025-02-28", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reports := decode[[]ClientReportDTO](t, rec)
	require.Len(t, reports, 2)
	assert.Equal(t, "Acme Traders", reports[0].ClientName)
	assert.Equal(t, "2025-02", reports[0].Months[0].Key)

	rec = s.do(t, asEmployee, http.MethodGet, "/api/reports/visits", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, asAdmin, http.MethodGet, "/api/reports/visits?start_date=Feb", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.createGST(t)

	rec := s.do(t, caller{}, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, caller{}, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "staffdesk_tasks_created_total 1")
	assert.Contains(t, rec.Body.String(), "staffdesk_http_requests_total")
}

func TestScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, asEmployee, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"visit-report"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, asAdmin, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, sc := range scenarios {
		rec = s.do(t, asAdmin, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"`+sc.ID+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, sc.ID+": "+rec.Body.String())

		rec = s.do(t, asAdmin, http.MethodGet, "/api/scenarios/current", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, sc.ID, decode[ScenarioDTO](t, rec).ID)

		rec = s.do(t, asAdmin, http.MethodGet, "/api/tasks", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]TaskDTO](t, rec), 1, sc.ID)
	}
}

func TestScenario_VisitReportShowsRoster(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.handler.LoadScenarioByID(context.Background(), "visit-report"))

	rec := s.do(t, asAdmin, http.MethodGet, "/api/reports/visits?search=cedar", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decode[[]ClientReportDTO](t, rec)

	require.Len(t, reports, 1)
	for _, m := range reports[0].Months {
		for _, v := range m.Visits {
			assert.NotEqual(t, "r-3", v.ID, "unrelated roster entry is excluded")
		}
	}
}
