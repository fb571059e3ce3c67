package domain

import (
	"encoding/json"
	"time"
)

type Project struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Category          string         `json:"category,omitempty"`
	Priority          Priority       `json:"priority" enum:"low,medium,high,critical"`
	OrgScope          string         `json:"org_scope,omitempty"`
	CreatedBy         string         `json:"created_by"`
	AssigneeID        *string        `json:"assignee_id,omitempty"`
	TemplateID        *string        `json:"template_id,omitempty"`
	Status            ProjectStatus  `json:"status" enum:"draft,active,archived"`
	Tags              []string       `json:"tags"`
	EstimatedDuration *int64         `json:"estimated_duration,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type Step struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Position          int             `json:"position"`
	IsRequired        bool            `json:"is_required"`
	EstimatedDuration *int64          `json:"estimated_duration,omitempty"`
	ParentStepID      *string         `json:"parent_step_id,omitempty"`
	ValidationRules   json.RawMessage `json:"validation_rules,omitempty"`
	InputSchema       json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
	InputData         json.RawMessage `json:"input_data,omitempty"`
	OutputData        json.RawMessage `json:"output_data,omitempty"`
	Status            StepStatus      `json:"status" enum:"pending,in-progress,completed,skipped"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Template is copied into a Project at instantiation; nothing references it afterwards.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	CreatedBy   string         `json:"created_by"`
	Steps       []TemplateStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
}

type TemplateStep struct {
	Position          int             `json:"position"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	IsRequired        bool            `json:"is_required"`
	EstimatedDuration *int64          `json:"estimated_duration,omitempty"`
	OutputSchema      json.RawMessage `json:"output_schema,omitempty"`
}

type Execution struct {
	ID                  string          `json:"id"`
	ProjectID           string          `json:"project_id"`
	ActorID             string          `json:"actor_id"`
	Status              ExecutionStatus `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	CurrentStepID       *string         `json:"current_step_id,omitempty"`
	CurrentStepPosition *int            `json:"current_step_position"`
	TotalSteps          int             `json:"total_steps"`
	CompletedSteps      int             `json:"completed_steps"`
	Progress            int             `json:"progress"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	PausedAt            *time.Time      `json:"paused_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	FailedAt            *time.Time      `json:"failed_at,omitempty"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	EstimatedCompletion *time.Time      `json:"estimated_completion,omitempty"`
	ActualDuration      *int64          `json:"actual_duration,omitempty"`
	EscalationLevel     int             `json:"escalation_level"`
	RetryCount          int             `json:"retry_count"`
	Retryable           bool            `json:"retryable"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	StepResults         []StepResult    `json:"step_results"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// StepResult records how one position of an execution was resolved.
type StepResult struct {
	Position int             `json:"position"`
	StepID   string          `json:"step_id,omitempty"`
	Outcome  StepStatus      `json:"outcome" enum:"completed,skipped"`
	ActorID  string          `json:"actor_id"`
	Output   json.RawMessage `json:"output,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
}

// AuditLog is append-only. ProjectID, StepID and ExecutionID are weak links
// that become nil once the referenced row is deleted.
type AuditLog struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	ActorID       string          `json:"actor_id"`
	ProjectID     *string         `json:"project_id,omitempty"`
	StepID        *string         `json:"step_id,omitempty"`
	ExecutionID   *string         `json:"execution_id,omitempty"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Description   string          `json:"description,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	PrevHash      string          `json:"prev_hash,omitempty"`
	IntegrityHash string          `json:"integrity_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ClientMeta describes the caller of a mutation for the audit trail.
type ClientMeta struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type EntityType string

const (
	EntityProject   EntityType = "project"
	EntityStep      EntityType = "step"
	EntityExecution EntityType = "execution"
	EntityTemplate  EntityType = "template"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityProject, EntityStep, EntityExecution, EntityTemplate:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}
