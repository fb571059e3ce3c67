package server

import (
	"encoding/json"

	"sopline/internal/domain"
	"sopline/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	ID                string         `json:"id,omitempty"`
	Title             string         `json:"title" minLength:"1"`
	Description       string         `json:"description,omitempty"`
	Category          string         `json:"category,omitempty"`
	Priority          string         `json:"priority,omitempty" enum:"low,medium,high,critical"`
	OrgScope          string         `json:"org_scope,omitempty"`
	AssigneeID        string         `json:"assignee_id,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	EstimatedDuration *int64         `json:"estimated_duration,omitempty" minimum:"0"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type VersionRequest struct {
	ExpectedVersion int64 `json:"expected_version,omitempty" minimum:"0"`
}

type AddStepRequest struct {
	ID                string          `json:"id,omitempty"`
	Title             string          `json:"title" minLength:"1"`
	Description       string          `json:"description,omitempty"`
	Position          int             `json:"position,omitempty" minimum:"0" doc:"0 appends"`
	Optional          bool            `json:"optional,omitempty"`
	EstimatedDuration *int64          `json:"estimated_duration,omitempty" minimum:"0"`
	ParentStepID      string          `json:"parent_step_id,omitempty"`
	ValidationRules   json.RawMessage `json:"validation_rules,omitempty"`
	InputSchema       json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
	InputData         json.RawMessage `json:"input_data,omitempty"`
	ExpectedVersion   int64           `json:"expected_version,omitempty" minimum:"0"`
}

type MoveStepRequest struct {
	Position        int   `json:"position" minimum:"1"`
	ExpectedVersion int64 `json:"expected_version,omitempty" minimum:"0"`
}

type SetStepParentRequest struct {
	ParentStepID    string `json:"parent_step_id,omitempty" doc:"empty makes the step top-level"`
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
}

type TemplateStepRequest struct {
	Title             string          `json:"title" minLength:"1"`
	Description       string          `json:"description,omitempty"`
	Optional          bool            `json:"optional,omitempty"`
	EstimatedDuration *int64          `json:"estimated_duration,omitempty" minimum:"0"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
}

type CreateTemplateRequest struct {
	ID          string                `json:"id,omitempty"`
	Name        string                `json:"name" minLength:"1"`
	Description string                `json:"description,omitempty"`
	Category    string                `json:"category,omitempty"`
	Steps       []TemplateStepRequest `json:"steps,omitempty"`
}

type InstantiateTemplateRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Priority  string `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

type StartExecutionRequest struct {
	ProjectID string         `json:"project_id" minLength:"1"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type CompleteStepRequest struct {
	Output           json.RawMessage `json:"output,omitempty"`
	ExpectedVersion  int64           `json:"expected_version,omitempty" minimum:"0"`
	ExpectedPosition int             `json:"expected_position,omitempty" minimum:"0" doc:"current step position the caller is resolving; 409 when the run has moved on"`
}

type TransitionRequest struct {
	Reason           string `json:"reason,omitempty"`
	ExpectedVersion  int64  `json:"expected_version,omitempty" minimum:"0"`
	ExpectedPosition int    `json:"expected_position,omitempty" minimum:"0" doc:"skip-step only: current step position the caller is skipping"`
	Override         bool   `json:"override,omitempty" doc:"retry only: allow an escalated execution to run again"`
}

// Response payloads

type DeleteProjectResponse struct {
	ProjectID        string `json:"project_id"`
	Steps            int64  `json:"steps"`
	Executions       int64  `json:"executions"`
	ActiveExecutions int64  `json:"active_executions" doc:"Executions that were not yet completed or cancelled"`
	AuditUnlinked    int64  `json:"audit_unlinked"`
}

type SequenceResponse struct {
	ProjectID string   `json:"project_id"`
	Valid     bool     `json:"valid"`
	Problems  []string `json:"problems"`
}

type ExecutionListResponse struct {
	Items      []domain.Execution `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type AuditListResponse struct {
	Items      []domain.AuditLog `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func deleteResponse(projectID string, res repo.DeleteResult) DeleteProjectResponse {
	return DeleteProjectResponse{
		ProjectID:        projectID,
		Steps:            res.Steps,
		Executions:       res.Executions,
		ActiveExecutions: res.ActiveExecutions,
		AuditUnlinked:    res.AuditUnlinked,
	}
}

func templateSteps(in []TemplateStepRequest) []domain.TemplateStep {
	out := make([]domain.TemplateStep, 0, len(in))
	for _, s := range in {
		out = append(out, domain.TemplateStep{
			Title:             s.Title,
			Description:       s.Description,
			IsRequired:        !s.Optional,
			EstimatedDuration: s.EstimatedDuration,
			OutputSchema:      s.OutputSchema,
		})
	}
	return out
}
