/*
Package factory provides JSON to Go task conversion.

PURPOSE:
  Converts JSON task definitions into recurring.Task values and patches.
  Struct tags carry the shape rules (required fields, enumerations, date
  format); recurring.Task.Validate then checks the cross-field invariants.

JSON SCHEMA:
  {
    "id": "gst-q",
    "title": "File quarterly GST return",
    "priority": "high",
    "recurrence_pattern": "quarterly",
    "start_date": "2025-01-01",
    "end_date": "2026-12-31",
    "contact_ids": ["c-acme"],
    "team_id": "tax",
    "team_member_mappings": [
      {"user_id": "u1", "user_name": "Asha", "client_ids": ["c1", "c2"]}
    ],
    "requires_arn": true
  }

ERRORS:
  Every failure is a *recurring.ValidationError naming the JSON field.

USAGE:
  f := NewTaskFactory()
  task, err := f.ParseTask(body)
  patch, err := f.ParsePatch(body)

SEE ALSO:
  - recurring/types.go: Task and its invariants
  - api/handlers.go: Uses the factory for request bodies
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/warp/staffdesk/recurring"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TaskJSON is the JSON representation of a task.
type TaskJSON struct {
	ID                 string        `json:"id,omitempty"`
	Title              string        `json:"title" validate:"required,max=200"`
	Description        string        `json:"description,omitempty" validate:"max=2000"`
	Priority           string        `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Status             string        `json:"status,omitempty" validate:"omitempty,oneof=pending in-progress completed"`
	RecurrencePattern  string        `json:"recurrence_pattern" validate:"required,oneof=monthly quarterly half-yearly yearly"`
	StartDate          string        `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate            string        `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ContactIDs         []string      `json:"contact_ids,omitempty" validate:"dive,required"`
	TeamID             string        `json:"team_id,omitempty"`
	TeamMemberMappings []MappingJSON `json:"team_member_mappings,omitempty" validate:"dive"`
	RequiresARN        bool          `json:"requires_arn"`
}

// MappingJSON assigns an employee to clients.
type MappingJSON struct {
	UserID    string   `json:"user_id" validate:"required"`
	UserName  string   `json:"user_name"`
	ClientIDs []string `json:"client_ids" validate:"required,min=1,dive,required"`
}

// TaskPatchJSON is a partial update. Absent fields are left unchanged.
type TaskPatchJSON struct {
	Title              *string        `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description        *string        `json:"description,omitempty" validate:"omitempty,max=2000"`
	Priority           *string        `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Status             *string        `json:"status,omitempty" validate:"omitempty,oneof=pending in-progress completed"`
	RecurrencePattern  *string        `json:"recurrence_pattern,omitempty" validate:"omitempty,oneof=monthly quarterly half-yearly yearly"`
	StartDate          *string        `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate            *string        `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ClearEndDate       bool           `json:"clear_end_date,omitempty"`
	ContactIDs         *[]string      `json:"contact_ids,omitempty" validate:"omitempty,dive,required"`
	TeamID             *string        `json:"team_id,omitempty"`
	ClearTeam          bool           `json:"clear_team,omitempty"`
	TeamMemberMappings *[]MappingJSON `json:"team_member_mappings,omitempty" validate:"omitempty,dive"`
	RequiresARN        *bool          `json:"requires_arn,omitempty"`
}

// =============================================================================
// TASK FACTORY
// =============================================================================

// TaskFactory converts JSON tasks to Go structs.
type TaskFactory struct {
	validate *validator.Validate
}

// NewTaskFactory creates a new task factory.
func NewTaskFactory() *TaskFactory {
	v := validator.New()
	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &TaskFactory{validate: v}
}

// ParseTask parses a JSON body into a Task.
func (f *TaskFactory) ParseTask(data []byte) (recurring.Task, error) {
	var tj TaskJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return recurring.Task{}, &recurring.ValidationError{Field: "body", Message: "is not valid JSON: " + err.Error()}
	}
	return f.FromJSON(tj)
}

// FromJSON converts TaskJSON to a recurring.Task.
func (f *TaskFactory) FromJSON(tj TaskJSON) (recurring.Task, error) {
	if err := f.Validate(tj); err != nil {
		return recurring.Task{}, err
	}

	start, err := parseDate("start_date", tj.StartDate)
	if err != nil {
		return recurring.Task{}, err
	}
	task := recurring.Task{
		ID:                 recurring.TaskID(tj.ID),
		Title:              strings.TrimSpace(tj.Title),
		Description:        tj.Description,
		Priority:           recurring.Priority(tj.Priority),
		Status:             recurring.Status(tj.Status),
		Pattern:            recurring.Pattern(tj.RecurrencePattern),
		StartDate:          start,
		ContactIDs:         clientIDs(tj.ContactIDs),
		TeamMemberMappings: mappings(tj.TeamMemberMappings),
		RequiresARN:        tj.RequiresARN,
	}
	if tj.EndDate != "" {
		end, err := parseDate("end_date", tj.EndDate)
		if err != nil {
			return recurring.Task{}, err
		}
		task.EndDate = &end
	}
	if tj.TeamID != "" {
		team := recurring.TeamID(tj.TeamID)
		task.TeamID = &team
	}

	if err := task.Validate(); err != nil {
		return recurring.Task{}, err
	}
	return task, nil
}

// ParsePatch parses a JSON body into a TaskPatch.
func (f *TaskFactory) ParsePatch(data []byte) (recurring.TaskPatch, error) {
	var pj TaskPatchJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return recurring.TaskPatch{}, &recurring.ValidationError{Field: "body", Message: "is not valid JSON: " + err.Error()}
	}
	return f.PatchFromJSON(pj)
}

// PatchFromJSON converts TaskPatchJSON to a recurring.TaskPatch.
func (f *TaskFactory) PatchFromJSON(pj TaskPatchJSON) (recurring.TaskPatch, error) {
	if err := f.Validate(pj); err != nil {
		return recurring.TaskPatch{}, err
	}

	patch := recurring.TaskPatch{
		Title:        pj.Title,
		Description:  pj.Description,
		RequiresARN:  pj.RequiresARN,
		ClearEndDate: pj.ClearEndDate,
		ClearTeam:    pj.ClearTeam,
	}
	if pj.Priority != nil {
		p := recurring.Priority(*pj.Priority)
		patch.Priority = &p
	}
	if pj.Status != nil {
		s := recurring.Status(*pj.Status)
		patch.Status = &s
	}
	if pj.RecurrencePattern != nil {
		p := recurring.Pattern(*pj.RecurrencePattern)
		patch.Pattern = &p
	}
	if pj.StartDate != nil {
		d, err := parseDate("start_date", *pj.StartDate)
		if err != nil {
			return recurring.TaskPatch{}, err
		}
		patch.StartDate = &d
	}
	if pj.EndDate != nil && !pj.ClearEndDate {
		d, err := parseDate("end_date", *pj.EndDate)
		if err != nil {
			return recurring.TaskPatch{}, err
		}
		patch.EndDate = &d
	}
	if pj.ContactIDs != nil {
		ids := clientIDs(*pj.ContactIDs)
		patch.ContactIDs = &ids
	}
	if pj.TeamID != nil && !pj.ClearTeam {
		if *pj.TeamID == "" {
			patch.ClearTeam = true
		} else {
			team := recurring.TeamID(*pj.TeamID)
			patch.TeamID = &team
		}
	}
	if pj.TeamMemberMappings != nil {
		ms := mappings(*pj.TeamMemberMappings)
		patch.TeamMemberMappings = &ms
	}
	return patch, nil
}

// ToJSON converts a Task to TaskJSON.
func (f *TaskFactory) ToJSON(t recurring.Task) TaskJSON {
	tj := TaskJSON{
		ID:                string(t.ID),
		Title:             t.Title,
		Description:       t.Description,
		Priority:          string(t.Priority),
		Status:            string(t.Status),
		RecurrencePattern: string(t.Pattern),
		StartDate:         t.StartDate.String(),
		RequiresARN:       t.RequiresARN,
	}
	if t.EndDate != nil {
		tj.EndDate = t.EndDate.String()
	}
	if t.TeamID != nil {
		tj.TeamID = string(*t.TeamID)
	}
	for _, c := range t.ContactIDs {
		tj.ContactIDs = append(tj.ContactIDs, string(c))
	}
	for _, m := range t.TeamMemberMappings {
		mj := MappingJSON{UserID: m.UserID, UserName: m.UserName}
		for _, c := range m.ClientIDs {
			mj.ClientIDs = append(mj.ClientIDs, string(c))
		}
		tj.TeamMemberMappings = append(tj.TeamMemberMappings, mj)
	}
	return tj
}

// Validate runs the struct tag rules and reports the first failure as a
// *recurring.ValidationError.
func (f *TaskFactory) Validate(s any) error {
	err := f.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &recurring.ValidationError{Message: err.Error()}
	}
	return ValidationError(verrs[0])
}

// ValidationError converts a validator field error into the engine's error.
func ValidationError(fe validator.FieldError) *recurring.ValidationError {
	field := fieldPath(fe.Namespace())
	return &recurring.ValidationError{Field: field, Message: formatValidationError(fe)}
}

// fieldPath drops the root struct name: "TaskJSON.team_member_mappings[0].user_id"
// becomes "team_member_mappings[0].user_id".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must have at least %s items", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed rule %q", fe.Tag())
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDate(field, s string) (recurring.Date, error) {
	d, err := recurring.ParseDate(s)
	if err != nil {
		return recurring.Date{}, &recurring.ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD format"}
	}
	return d, nil
}

func clientIDs(ids []string) []recurring.ClientID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]recurring.ClientID, len(ids))
	for i, id := range ids {
		out[i] = recurring.ClientID(id)
	}
	return out
}

func mappings(ms []MappingJSON) []recurring.TeamMemberMapping {
	if len(ms) == 0 {
		return nil
	}
	out := make([]recurring.TeamMemberMapping, len(ms))
	for i, m := range ms {
		out[i] = recurring.TeamMemberMapping{
			UserID:    m.UserID,
			UserName:  m.UserName,
			ClientIDs: clientIDs(m.ClientIDs),
		}
	}
	return out
}
