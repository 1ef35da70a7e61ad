/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the recurring engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Tasks:
    TaskDTO (wraps factory.TaskJSON), HistoryEntryDTO, DeleteResponse

  Cycles:
    CompleteCycleRequest, CycleResultDTO, VisitDTO, ItemErrorDTO

  Ledger:
    CompletionRecordDTO, ClientStateDTO, CompletionsResponse,
    BulkRequest, BulkEntryRequest, BulkResultDTO, BulkResponse,
    CompletionRateDTO

  Reports:
    ClientReportDTO, MonthBucketDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request bodies carry validator struct tags; handlers run them through the
  task factory's validator so errors name JSON fields.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/task.go: TaskJSON type
*/
package api

import (
	"time"

	"github.com/warp/staffdesk/factory"
	"github.com/warp/staffdesk/recurring"
)

// =============================================================================
// TASKS
// =============================================================================

// TaskDTO represents a task in API responses.
type TaskDTO struct {
	factory.TaskJSON
	NextOccurrence    string            `json:"next_occurrence"`
	CurrentPeriod     string            `json:"current_period"`
	IsPaused          bool              `json:"is_paused"`
	Exhausted         bool              `json:"exhausted"`
	CompletionHistory []HistoryEntryDTO `json:"completion_history"`
	CreatedBy         string            `json:"created_by"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

// HistoryEntryDTO is one line of a task's completion history.
type HistoryEntryDTO struct {
	PeriodKey   string `json:"period_key"`
	Boundary    string `json:"boundary"`
	Action      string `json:"action"`
	By          string `json:"by"`
	At          string `json:"at"`
	ARNNumber   string `json:"arn_number,omitempty"`
	ARNName     string `json:"arn_name,omitempty"`
	ClientCount int    `json:"client_count"`
}

// DeleteResponse reports whether a delete removed or stopped the task.
type DeleteResponse struct {
	Deleted bool     `json:"deleted"`
	Stopped bool     `json:"stopped"`
	Task    *TaskDTO `json:"task,omitempty"`
}

// =============================================================================
// CYCLES
// =============================================================================

// CompleteCycleRequest is the optional body of a cycle completion.
type CompleteCycleRequest struct {
	ARNNumber string `json:"arn_number" validate:"max=100"`
	ARNName   string `json:"arn_name" validate:"max=200"`
}

// CycleResultDTO is returned by complete and reopen.
type CycleResultDTO struct {
	Task             TaskDTO        `json:"task"`
	PeriodKey        string         `json:"period_key"`
	AlreadyCompleted bool           `json:"already_completed"`
	Visits           []VisitDTO     `json:"visits"`
	VisitErrors      []ItemErrorDTO `json:"visit_errors"`
}

// VisitDTO represents an emitted or rostered visit.
type VisitDTO struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ClientName   string `json:"client_name"`
	EmployeeID   string `json:"employee_id"`
	EmployeeName string `json:"employee_name"`
	VisitDate    string `json:"visit_date"`
	SourceTaskID string `json:"source_task_id,omitempty"`
	TaskTitle    string `json:"task_title"`
	TaskType     string `json:"task_type"`
	PeriodKey    string `json:"period_key,omitempty"`
	ARNNumber    string `json:"arn_number,omitempty"`
	ARNName      string `json:"arn_name,omitempty"`
}

// ItemErrorDTO describes one failed item of a fan-out or batch.
type ItemErrorDTO struct {
	TaskID     string `json:"task_id"`
	ClientID   string `json:"client_id,omitempty"`
	PeriodKey  string `json:"period_key,omitempty"`
	EmployeeID string `json:"employee_id,omitempty"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	Retryable  bool   `json:"retryable"`
}

// =============================================================================
// LEDGER
// =============================================================================

// CompletionRecordDTO represents one ledger entry.
type CompletionRecordDTO struct {
	TaskID      string `json:"task_id"`
	ClientID    string `json:"client_id"`
	PeriodKey   string `json:"period_key"`
	IsCompleted bool   `json:"is_completed"`
	CompletedAt string `json:"completed_at,omitempty"`
	CompletedBy string `json:"completed_by,omitempty"`
	ARNNumber   string `json:"arn_number,omitempty"`
	ARNName     string `json:"arn_name,omitempty"`
}

// ClientStateDTO is where one client stands on a task.
type ClientStateDTO struct {
	ClientID  string `json:"client_id"`
	Phase     string `json:"phase"`
	PeriodKey string `json:"period_key"`
}

// CompletionsResponse lists ledger records and the derived client states.
type CompletionsResponse struct {
	Records []CompletionRecordDTO `json:"records"`
	States  []ClientStateDTO      `json:"states"`
}

// BulkRequest sets or clears many ledger entries at once.
type BulkRequest struct {
	Entries []BulkEntryRequest `json:"entries" validate:"required,min=1,max=500,dive"`
}

// BulkEntryRequest is one entry of a bulk request.
type BulkEntryRequest struct {
	ClientID  string `json:"client_id" validate:"required"`
	PeriodKey string `json:"period_key" validate:"required"`
	Completed bool   `json:"completed"`
	ARNNumber string `json:"arn_number"`
	ARNName   string `json:"arn_name"`
}

// BulkResultDTO is the outcome of one bulk entry.
type BulkResultDTO struct {
	Index     int                  `json:"index"`
	ClientID  string               `json:"client_id"`
	PeriodKey string               `json:"period_key"`
	Completed bool                 `json:"completed"`
	OK        bool                 `json:"ok"`
	Record    *CompletionRecordDTO `json:"record,omitempty"`
	Error     *ItemErrorDTO        `json:"error,omitempty"`
}

// BulkResponse wraps the per-entry results.
type BulkResponse struct {
	Results   []BulkResultDTO `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// CompletionRateDTO summarizes discharged obligations.
type CompletionRateDTO struct {
	TaskID     string  `json:"task_id"`
	AsOf       string  `json:"as_of"`
	Clients    int     `json:"clients"`
	DuePeriods int     `json:"due_periods"`
	Expected   int     `json:"expected"`
	Completed  int     `json:"completed"`
	Rate       float64 `json:"rate"`
	Percent    string  `json:"percent"`
}

// =============================================================================
// REPORTS
// =============================================================================

// ClientReportDTO is one client's section of the monthly visit report.
type ClientReportDTO struct {
	ClientID    string           `json:"client_id"`
	ClientName  string           `json:"client_name"`
	TotalVisits int              `json:"total_visits"`
	Months      []MonthBucketDTO `json:"months"`
}

// MonthBucketDTO holds a client's visits in one month.
type MonthBucketDTO struct {
	Key    string     `json:"key"`
	Label  string     `json:"label"`
	Visits []VisitDTO `json:"visits"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTaskDTO(f *factory.TaskFactory, t recurring.Task) TaskDTO {
	dto := TaskDTO{
		TaskJSON:          f.ToJSON(t),
		NextOccurrence:    t.NextOccurrence.String(),
		CurrentPeriod:     t.CurrentPeriodKey(),
		IsPaused:          t.IsPaused,
		Exhausted:         t.IsExhausted(),
		CompletionHistory: make([]HistoryEntryDTO, len(t.CompletionHistory)),
		CreatedBy:         t.CreatedBy,
		CreatedAt:         formatTime(t.CreatedAt),
		UpdatedAt:         formatTime(t.UpdatedAt),
	}
	for i, h := range t.CompletionHistory {
		dto.CompletionHistory[i] = HistoryEntryDTO{
			PeriodKey:   h.PeriodKey,
			Boundary:    h.Boundary.String(),
			Action:      string(h.Action),
			By:          h.By,
			At:          formatTime(h.At),
			ARNNumber:   h.ARNNumber,
			ARNName:     h.ARNName,
			ClientCount: h.ClientCount,
		}
	}
	return dto
}

func toCompletionDTO(r recurring.CompletionRecord) CompletionRecordDTO {
	return CompletionRecordDTO{
		TaskID:      string(r.TaskID),
		ClientID:    string(r.ClientID),
		PeriodKey:   r.PeriodKey,
		IsCompleted: r.IsCompleted,
		CompletedAt: formatTime(r.CompletedAt),
		CompletedBy: r.CompletedBy,
		ARNNumber:   r.ARNNumber,
		ARNName:     r.ARNName,
	}
}

func toVisitDTO(v recurring.VisitRecord) VisitDTO {
	return VisitDTO{
		ID:           v.ID,
		ClientID:     string(v.ClientID),
		ClientName:   v.ClientName,
		EmployeeID:   v.EmployeeID,
		EmployeeName: v.EmployeeName,
		VisitDate:    v.VisitDate.String(),
		SourceTaskID: string(v.SourceTaskID),
		TaskTitle:    v.TaskTitle,
		TaskType:     string(v.TaskType),
		PeriodKey:    v.PeriodKey,
		ARNNumber:    v.ARNNumber,
		ARNName:      v.ARNName,
	}
}

func toItemErrorDTO(e *recurring.ItemError) ItemErrorDTO {
	return ItemErrorDTO{
		TaskID:     string(e.TaskID),
		ClientID:   string(e.ClientID),
		PeriodKey:  e.PeriodKey,
		EmployeeID: e.EmployeeID,
		Error:      e.Err.Error(),
		Code:       errorCode(e.Err),
		Retryable:  recurring.IsRetryable(e.Err),
	}
}

func toCycleResultDTO(f *factory.TaskFactory, res *recurring.CycleResult) CycleResultDTO {
	dto := CycleResultDTO{
		Task:             toTaskDTO(f, *res.Task),
		PeriodKey:        res.PeriodKey,
		AlreadyCompleted: res.AlreadyCompleted,
		Visits:           make([]VisitDTO, len(res.Visits.Succeeded)),
		VisitErrors:      make([]ItemErrorDTO, len(res.Visits.Failed)),
	}
	for i, v := range res.Visits.Succeeded {
		dto.Visits[i] = toVisitDTO(v)
	}
	for i, e := range res.Visits.Failed {
		dto.VisitErrors[i] = toItemErrorDTO(e)
	}
	return dto
}

func toClientReportDTOs(reports []recurring.ClientReport) []ClientReportDTO {
	out := make([]ClientReportDTO, len(reports))
	for i, r := range reports {
		dto := ClientReportDTO{
			ClientID:    string(r.ClientID),
			ClientName:  r.ClientName,
			TotalVisits: r.TotalVisits,
			Months:      make([]MonthBucketDTO, len(r.Months)),
		}
		for j, m := range r.Months {
			bucket := MonthBucketDTO{Key: m.Key, Label: m.Label, Visits: make([]VisitDTO, len(m.Visits))}
			for k, v := range m.Visits {
				bucket.Visits[k] = toVisitDTO(v)
			}
			dto.Months[j] = bucket
		}
		out[i] = dto
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
