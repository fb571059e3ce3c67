package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"sopline/internal/audit"
	"sopline/internal/domain"
	"sopline/internal/metrics"
	"sopline/internal/policy"
	"sopline/internal/repo"
	"sopline/internal/sequence"
)

// Event names an actor-initiated execution transition.
type Event string

const (
	EventStart        Event = "start"
	EventCompleteStep Event = "complete_step"
	EventSkipStep     Event = "skip_step"
	EventPause        Event = "pause"
	EventResume       Event = "resume"
	EventFail         Event = "fail"
	EventRetry        Event = "retry"
	EventCancel       Event = "cancel"
)

// Allowed reports whether ev may fire from status from. Guards beyond the
// status (policy approval, required steps) are checked by the transition.
func Allowed(from domain.ExecutionStatus, ev Event) bool {
	switch from {
	case domain.ExecutionPending:
		return ev == EventStart
	case domain.ExecutionRunning:
		switch ev {
		case EventCompleteStep, EventSkipStep, EventPause, EventFail, EventCancel:
			return true
		}
		return false
	case domain.ExecutionPaused:
		return ev == EventResume || ev == EventCancel
	case domain.ExecutionFailed:
		return ev == EventRetry
	case domain.ExecutionCompleted, domain.ExecutionCancelled:
		return false
	}
	return false
}

type StartOptions struct {
	ProjectID string
	ActorID   string
	Metadata  map[string]any
	Client    domain.ClientMeta
}

// StartExecution snapshots the project's step count and enters running at
// position 1.
func (e Engine) StartExecution(ctx context.Context, opts StartOptions) (ex domain.Execution, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "execution.start")
	span.SetAttributes(attribute.String("project.id", opts.ProjectID))
	defer func() {
		e.finish(span, string(EventStart), started, err, zap.String("project_id", opts.ProjectID),
			zap.String("execution_id", ex.ID), zap.String("actor_id", opts.ActorID), zap.Int64("version", ex.Version))
	}()

	if strings.TrimSpace(opts.ProjectID) == "" {
		return domain.Execution{}, invalid("project_id", "is required")
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Execution{}, invalid("actor_id", "is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Execution{}, notFound("project", opts.ProjectID, err)
	}
	if p.Status == domain.ProjectArchived {
		return domain.Execution{}, invalid("project_id", "project is archived")
	}
	steps, err := e.Repo.ListStepsTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Execution{}, err
	}
	if len(steps) == 0 {
		return domain.Execution{}, &SequenceIntegrityError{ProjectID: p.ID, Problems: []string{"project has no steps"}}
	}
	if err := e.Sequencer.Check(p, steps); err != nil {
		return domain.Execution{}, fromIntegrity(err)
	}
	first, err := sequence.Next(steps, 0)
	if err != nil {
		return domain.Execution{}, err
	}

	now := e.now()
	ex = domain.Execution{
		ID:                  uuid.NewString(),
		ProjectID:           p.ID,
		ActorID:             opts.ActorID,
		Status:              domain.ExecutionRunning,
		CurrentStepID:       &first.Step.ID,
		CurrentStepPosition: intPtr(1),
		TotalSteps:          len(steps),
		StartedAt:           timePtr(now),
		EstimatedCompletion: initialEstimate(now, steps),
		ActualDuration:      new(int64),
		StepResults:         []domain.StepResult{},
		Metadata:            opts.Metadata,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.Repo.InsertExecutionTx(ctx, tx, ex); err != nil {
		return domain.Execution{}, err
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType: domain.EntityExecution,
		EntityID:   ex.ID,
		Action:     "execution.started",
		ActorID:    opts.ActorID,
		Links:      audit.Links{ProjectID: p.ID, StepID: first.Step.ID, ExecutionID: ex.ID},
		After:      ex,
		Client:     opts.Client,
	}); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return ex, nil
}

// TransitionOptions identify the execution and the caller. ExpectedVersion,
// when set, must match the stored version.
type TransitionOptions struct {
	ExecutionID     string
	ActorID         string
	ExpectedVersion *int64
	// ExpectedPosition, when set, must match the current step position. It
	// ties a step-resolving call to the step the caller looked at.
	ExpectedPosition *int
	Reason           string
	// Override lets an operator retry an escalated execution.
	Override bool
	Client   domain.ClientMeta
}

type CompleteStepOptions struct {
	ExecutionID      string
	ActorID          string
	Output           json.RawMessage
	ExpectedVersion  *int64
	ExpectedPosition *int
	Client           domain.ClientMeta
}

// mutation edits a copy of the execution in place and returns the audit
// description. It must not write.
type mutation func(ctx context.Context, tx *sql.Tx, ex *domain.Execution, now time.Time) (string, error)

// transition runs one atomic step: read under version, guard, mutate, write
// conditioned on the version, audit, commit.
func (e Engine) transition(ctx context.Context, ev Event, opts TransitionOptions, mutate mutation) (after domain.Execution, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "execution."+string(ev))
	span.SetAttributes(attribute.String("execution.id", opts.ExecutionID))
	var from domain.ExecutionStatus
	defer func() {
		e.finish(span, string(ev), started, err, zap.String("execution_id", opts.ExecutionID),
			zap.String("from", string(from)), zap.String("to", string(after.Status)),
			zap.Int64("version", after.Version), zap.String("actor_id", opts.ActorID))
	}()

	if strings.TrimSpace(opts.ExecutionID) == "" {
		return domain.Execution{}, invalid("execution_id", "is required")
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Execution{}, invalid("actor_id", "is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetExecutionTx(ctx, tx, opts.ExecutionID)
	if err != nil {
		return domain.Execution{}, notFound("execution", opts.ExecutionID, err)
	}
	from = before.Status
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != before.Version {
		return domain.Execution{}, &ConcurrentModificationError{Kind: "execution", ID: before.ID, Expected: *opts.ExpectedVersion, Actual: before.Version}
	}
	if !Allowed(before.Status, ev) {
		return domain.Execution{}, transitionError(string(ev), before.Status)
	}
	if opts.ExpectedPosition != nil && (before.CurrentStepPosition == nil || *before.CurrentStepPosition != *opts.ExpectedPosition) {
		return domain.Execution{}, &ConcurrentModificationError{
			Kind:             "execution",
			ID:               before.ID,
			Expected:         before.Version,
			Actual:           before.Version,
			ExpectedPosition: opts.ExpectedPosition,
			ActualPosition:   before.CurrentStepPosition,
		}
	}

	now := e.now()
	next := cloneExecution(before)
	desc, err := mutate(ctx, tx, &next, now)
	if err != nil {
		return domain.Execution{}, err
	}
	next.Version = before.Version + 1
	next.UpdatedAt = now
	if err := e.Repo.UpdateExecutionTx(ctx, tx, next, before.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Execution{}, &ConcurrentModificationError{Kind: "execution", ID: before.ID, Expected: before.Version}
		}
		return domain.Execution{}, notFound("execution", before.ID, err)
	}
	stepID := ""
	if before.CurrentStepID != nil {
		stepID = *before.CurrentStepID
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType:  domain.EntityExecution,
		EntityID:    next.ID,
		Action:      "execution." + string(ev),
		ActorID:     opts.ActorID,
		Links:       audit.Links{ProjectID: next.ProjectID, StepID: stepID, ExecutionID: next.ID},
		Before:      before,
		After:       next,
		Description: desc,
		Client:      opts.Client,
	}); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return next, nil
}

// CompleteStep resolves the current step and advances, completing the
// execution after the last step.
func (e Engine) CompleteStep(ctx context.Context, opts CompleteStepOptions) (domain.Execution, error) {
	if len(opts.Output) > 0 && !json.Valid(opts.Output) {
		return domain.Execution{}, invalid("output", "must be valid JSON")
	}
	topts := TransitionOptions{
		ExecutionID:      opts.ExecutionID,
		ActorID:          opts.ActorID,
		ExpectedVersion:  opts.ExpectedVersion,
		ExpectedPosition: opts.ExpectedPosition,
		Client:           opts.Client,
	}
	return e.transition(ctx, EventCompleteStep, topts, func(ctx context.Context, tx *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		step, ok, err := e.currentStep(ctx, tx, ex)
		if err != nil {
			return "", err
		}
		if ok {
			if err := validateOutput(step.OutputSchema, opts.Output); err != nil {
				return "", err
			}
		}
		result := domain.StepResult{Outcome: domain.StepCompleted, ActorID: opts.ActorID, Output: opts.Output, At: now}
		if err := e.advance(ctx, tx, ex, step, ok, result, now); err != nil {
			return "", err
		}
		return "step completed", nil
	})
}

// SkipStep resolves the current step without output. Only optional steps can
// be skipped.
func (e Engine) SkipStep(ctx context.Context, opts TransitionOptions) (domain.Execution, error) {
	return e.transition(ctx, EventSkipStep, opts, func(ctx context.Context, tx *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		step, ok, err := e.currentStep(ctx, tx, ex)
		if err != nil {
			return "", err
		}
		if ok && step.IsRequired {
			return "", invalid("step", "step at position "+strconv.Itoa(step.Position)+" is required and cannot be skipped")
		}
		result := domain.StepResult{Outcome: domain.StepSkipped, ActorID: opts.ActorID, Reason: opts.Reason, At: now}
		if err := e.advance(ctx, tx, ex, step, ok, result, now); err != nil {
			return "", err
		}
		return joinDesc("step skipped", opts.Reason), nil
	})
}

// currentStep loads the step the execution points at. ok is false when the
// step was removed from the project after the run started.
func (e Engine) currentStep(ctx context.Context, tx *sql.Tx, ex *domain.Execution) (domain.Step, bool, error) {
	if ex.CurrentStepID == nil {
		return domain.Step{}, false, nil
	}
	st, err := e.Repo.GetStepTx(ctx, tx, *ex.CurrentStepID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Step{}, false, nil
	}
	if err != nil {
		return domain.Step{}, false, err
	}
	return st, true, nil
}

// advance counts the current position as resolved and moves to the next one.
// Accounting follows the totalSteps snapshot, not the live step list.
func (e Engine) advance(ctx context.Context, tx *sql.Tx, ex *domain.Execution, step domain.Step, ok bool, result domain.StepResult, now time.Time) error {
	position := ex.CompletedSteps + 1
	if ex.CurrentStepPosition != nil {
		position = *ex.CurrentStepPosition
	}
	result.Position = position
	if ok {
		result.StepID = step.ID
	}
	ex.StepResults = append(ex.StepResults, result)
	ex.CompletedSteps++
	ex.Progress = Progress(ex.CompletedSteps, ex.TotalSteps)
	touchDuration(ex, now)

	if ex.CompletedSteps >= ex.TotalSteps {
		ex.Status = domain.ExecutionCompleted
		ex.CompletedAt = timePtr(now)
		ex.CurrentStepID = nil
		ex.CurrentStepPosition = nil
		ex.EstimatedCompletion = timePtr(now)
		return nil
	}
	ex.CurrentStepPosition = intPtr(position + 1)
	ex.CurrentStepID = nil
	steps, err := e.Repo.ListStepsTx(ctx, tx, ex.ProjectID)
	if err != nil {
		return err
	}
	if nextStep, found := sequence.At(steps, position+1); found {
		ex.CurrentStepID = &nextStep.ID
	}
	ex.EstimatedCompletion = projectedCompletion(*ex, now)
	return nil
}

func (e Engine) PauseExecution(ctx context.Context, opts TransitionOptions) (domain.Execution, error) {
	return e.transition(ctx, EventPause, opts, func(_ context.Context, _ *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		ex.Status = domain.ExecutionPaused
		ex.PausedAt = timePtr(now)
		touchDuration(ex, now)
		return joinDesc("paused", opts.Reason), nil
	})
}

func (e Engine) ResumeExecution(ctx context.Context, opts TransitionOptions) (domain.Execution, error) {
	return e.transition(ctx, EventResume, opts, func(_ context.Context, _ *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		ex.Status = domain.ExecutionRunning
		ex.PausedAt = nil
		touchDuration(ex, now)
		return "resumed", nil
	})
}

// CancelExecution is terminal. The current position is kept for reference.
func (e Engine) CancelExecution(ctx context.Context, opts TransitionOptions) (domain.Execution, error) {
	return e.transition(ctx, EventCancel, opts, func(_ context.Context, _ *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		ex.Status = domain.ExecutionCancelled
		ex.CancelledAt = timePtr(now)
		ex.PausedAt = nil
		touchDuration(ex, now)
		return joinDesc("cancelled", opts.Reason), nil
	})
}

// FailExecution moves a running execution to failed and applies the retry
// policy: either it becomes retryable or its escalation level rises.
func (e Engine) FailExecution(ctx context.Context, opts TransitionOptions) (domain.Execution, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.Execution{}, invalid("reason", "is required")
	}
	cfg := e.policy()
	return e.transition(ctx, EventFail, opts, func(_ context.Context, _ *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		out := policy.Decide(ex.RetryCount, ex.EscalationLevel, cfg)
		ex.Status = domain.ExecutionFailed
		ex.FailedAt = timePtr(now)
		ex.FailureReason = opts.Reason
		ex.RetryCount = out.RetryCount
		ex.EscalationLevel = out.EscalationLevel
		ex.Retryable = out.Retryable
		touchDuration(ex, now)
		metrics.IncrementPolicyDecision(string(out.Decision))
		return "decision " + string(out.Decision) + ": " + opts.Reason, nil
	})
}

// RetryExecution returns a failed execution to running at the position after
// the last resolved step. Escalated executions need Override, which resets the
// retry budget and keeps the escalation level.
func (e Engine) RetryExecution(ctx context.Context, opts TransitionOptions) (domain.Execution, error) {
	return e.transition(ctx, EventRetry, opts, func(ctx context.Context, tx *sql.Tx, ex *domain.Execution, now time.Time) (string, error) {
		desc := "automatic retry"
		switch {
		case ex.Retryable:
		case opts.Override:
			ex.RetryCount = 0
			desc = "operator override retry"
		default:
			return "", &RetryNotAllowedError{
				ExecutionID:     ex.ID,
				RetryCount:      ex.RetryCount,
				EscalationLevel: ex.EscalationLevel,
				Reason:          "retry budget exhausted; escalated for human action",
			}
		}
		position := ex.CompletedSteps + 1
		ex.Status = domain.ExecutionRunning
		ex.CurrentStepPosition = intPtr(position)
		ex.CurrentStepID = nil
		steps, err := e.Repo.ListStepsTx(ctx, tx, ex.ProjectID)
		if err != nil {
			return "", err
		}
		if st, found := sequence.At(steps, position); found {
			ex.CurrentStepID = &st.ID
		}
		ex.FailedAt = nil
		ex.FailureReason = ""
		ex.Retryable = false
		touchDuration(ex, now)
		return joinDesc(desc, opts.Reason), nil
	})
}

func (e Engine) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Execution{}, invalid("execution_id", "is required")
	}
	ex, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		return domain.Execution{}, notFound("execution", id, err)
	}
	return ex, nil
}

type ExecutionQuery struct {
	ProjectID string
	Status    string
	ActorID   string
	Limit     int
	Cursor    string
}

type ExecutionPage struct {
	Items      []domain.Execution `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func (e Engine) ListExecutions(ctx context.Context, q ExecutionQuery) (ExecutionPage, error) {
	if q.Status != "" {
		if _, err := domain.ParseExecutionStatus(q.Status); err != nil {
			return ExecutionPage{}, invalid("status", err.Error())
		}
	}
	items, next, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
		ProjectID: q.ProjectID,
		Status:    q.Status,
		ActorID:   q.ActorID,
		Limit:     e.pageSize(q.Limit),
		Cursor:    q.Cursor,
	})
	if err != nil {
		return ExecutionPage{}, cursorError(err)
	}
	if items == nil {
		items = []domain.Execution{}
	}
	return ExecutionPage{Items: items, NextCursor: next}, nil
}

func joinDesc(base, reason string) string {
	if strings.TrimSpace(reason) == "" {
		return base
	}
	return base + ": " + reason
}
