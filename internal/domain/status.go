package domain

import "fmt"

type ProjectStatus string

const (
	ProjectDraft    ProjectStatus = "draft"
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// CanBecome reports whether the draft -> active -> archived lifecycle allows next.
func (s ProjectStatus) CanBecome(next ProjectStatus) bool {
	switch s {
	case ProjectDraft:
		return next == ProjectActive
	case ProjectActive:
		return next == ProjectArchived
	case ProjectArchived:
		return false
	}
	return false
}

func ParseProjectStatus(v string) (ProjectStatus, error) {
	switch s := ProjectStatus(v); s {
	case ProjectDraft, ProjectActive, ProjectArchived:
		return s, nil
	}
	return "", fmt.Errorf("unknown project status %q", v)
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
)

func ParseStepStatus(v string) (StepStatus, error) {
	switch s := StepStatus(v); s {
	case StepPending, StepInProgress, StepCompleted, StepSkipped:
		return s, nil
	}
	return "", fmt.Errorf("unknown step status %q", v)
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionStatuses lists every execution status in lifecycle order.
var ExecutionStatuses = []ExecutionStatus{
	ExecutionPending, ExecutionRunning, ExecutionPaused, ExecutionCompleted, ExecutionFailed, ExecutionCancelled,
}

// Terminal reports statuses that admit no further transitions. Failed is not
// terminal here because a retry can leave it.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionCancelled:
		return true
	case ExecutionPending, ExecutionRunning, ExecutionPaused, ExecutionFailed:
		return false
	}
	return false
}

// ActiveExecutionStatuses returns the statuses an execution can still leave.
func ActiveExecutionStatuses() []ExecutionStatus {
	var out []ExecutionStatus
	for _, s := range ExecutionStatuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func ParseExecutionStatus(v string) (ExecutionStatus, error) {
	for _, s := range ExecutionStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown execution status %q", v)
}
