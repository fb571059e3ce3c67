package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sopline/internal/audit"
	"sopline/internal/domain"
	"sopline/internal/repo"
	"sopline/internal/sequence"
)

// StepAddOptions describe a new step. Position 0 appends; any other position
// inserts there and shifts later steps down.
type StepAddOptions struct {
	ProjectRef
	ID                string
	Title             string
	Description       string
	Position          int
	Optional          bool
	EstimatedDuration *int64
	ParentStepID      string
	ValidationRules   json.RawMessage
	InputSchema       json.RawMessage
	OutputSchema      json.RawMessage
	InputData         json.RawMessage
}

func (o StepAddOptions) validate() error {
	if err := o.ProjectRef.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(o.Title) == "" {
		return invalid("title", "is required")
	}
	if o.Position < 0 {
		return invalid("position", "must be >= 0")
	}
	if o.EstimatedDuration != nil && *o.EstimatedDuration < 0 {
		return invalid("estimated_duration", "must be >= 0")
	}
	for field, raw := range map[string]json.RawMessage{"validation_rules": o.ValidationRules, "input_data": o.InputData} {
		if len(raw) > 0 && !json.Valid(raw) {
			return invalid(field, "must be valid JSON")
		}
	}
	if err := checkSchema("input_schema", o.InputSchema); err != nil {
		return err
	}
	return checkSchema("output_schema", o.OutputSchema)
}

// structural runs a step edit under the project version and bumps it.
func (e Engine) structural(ctx context.Context, event string, ref ProjectRef, edit func(tx *sql.Tx, p domain.Project, now time.Time) ([]audit.Entry, error)) (p domain.Project, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, event)
	defer func() {
		e.finish(span, event, started, err, zap.String("project_id", ref.ProjectID), zap.String("actor_id", ref.ActorID),
			zap.Int64("version", p.Version))
	}()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	before, err := e.loadProjectForEdit(ctx, tx, ref)
	if err != nil {
		return domain.Project{}, err
	}
	if before.Status == domain.ProjectArchived {
		return domain.Project{}, invalid("project_id", "project is archived")
	}
	entries, err := edit(tx, before, e.now())
	if err != nil {
		return domain.Project{}, err
	}
	p = before
	if err := e.saveProject(ctx, tx, &p, before.Version); err != nil {
		return domain.Project{}, err
	}
	for _, entry := range entries {
		entry.ActorID = ref.ActorID
		entry.Client = ref.Client
		if _, err := e.record(ctx, tx, entry); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Sequencer.Forget(p.ID)
	return p, nil
}

// AddStep inserts a step. The parent, when given, must be a step of the same
// project; a new step cannot close a cycle.
func (e Engine) AddStep(ctx context.Context, opts StepAddOptions) (domain.Step, error) {
	if err := opts.validate(); err != nil {
		return domain.Step{}, err
	}
	var created domain.Step
	_, err := e.structural(ctx, "step.add", opts.ProjectRef, func(tx *sql.Tx, p domain.Project, now time.Time) ([]audit.Entry, error) {
		n, err := e.Repo.CountStepsTx(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		pos := opts.Position
		if pos == 0 {
			pos = n + 1
		}
		if pos > n+1 {
			return nil, invalid("position", "must be between 1 and "+strconv.Itoa(n+1))
		}
		var parent *string
		if opts.ParentStepID != "" {
			ps, err := e.Repo.GetStepTx(ctx, tx, opts.ParentStepID)
			if err != nil {
				return nil, notFound("step", opts.ParentStepID, err)
			}
			if ps.ProjectID != p.ID {
				return nil, invalid("parent_step_id", "parent step belongs to another project")
			}
			parent = &ps.ID
		}
		if pos <= n {
			if err := e.Repo.ShiftPositionsTx(ctx, tx, p.ID, pos, 1, now); err != nil {
				return nil, err
			}
		}
		id := opts.ID
		if id == "" {
			id = uuid.NewString()
		}
		created = domain.Step{
			ID:                id,
			ProjectID:         p.ID,
			Title:             opts.Title,
			Description:       opts.Description,
			Position:          pos,
			IsRequired:        !opts.Optional,
			EstimatedDuration: opts.EstimatedDuration,
			ParentStepID:      parent,
			ValidationRules:   opts.ValidationRules,
			InputSchema:       opts.InputSchema,
			OutputSchema:      opts.OutputSchema,
			InputData:         opts.InputData,
			Status:            domain.StepPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := e.Repo.InsertStepTx(ctx, tx, created); err != nil {
			return nil, conflictOnDuplicate("step", id, err)
		}
		return []audit.Entry{{
			EntityType: domain.EntityStep,
			EntityID:   created.ID,
			Action:     "step.created",
			Links:      audit.Links{ProjectID: p.ID, StepID: created.ID},
			After:      created,
		}}, nil
	})
	if err != nil {
		return domain.Step{}, err
	}
	return created, nil
}

// StepRef names a step for a structural edit. ExpectedVersion refers to the
// owning project's version.
type StepRef struct {
	StepID          string
	ActorID         string
	ExpectedVersion *int64
	Client          domain.ClientMeta
}

func (e Engine) resolveStep(ctx context.Context, ref StepRef) (domain.Step, ProjectRef, error) {
	if strings.TrimSpace(ref.StepID) == "" {
		return domain.Step{}, ProjectRef{}, invalid("step_id", "is required")
	}
	if strings.TrimSpace(ref.ActorID) == "" {
		return domain.Step{}, ProjectRef{}, invalid("actor_id", "is required")
	}
	st, err := e.Repo.GetStep(ctx, ref.StepID)
	if err != nil {
		return domain.Step{}, ProjectRef{}, notFound("step", ref.StepID, err)
	}
	return st, ProjectRef{ProjectID: st.ProjectID, ActorID: ref.ActorID, ExpectedVersion: ref.ExpectedVersion, Client: ref.Client}, nil
}

// RemoveStep deletes a step and closes the gap it leaves. Children become
// top-level steps.
func (e Engine) RemoveStep(ctx context.Context, ref StepRef) (domain.Project, error) {
	st, pref, err := e.resolveStep(ctx, ref)
	if err != nil {
		return domain.Project{}, err
	}
	return e.structural(ctx, "step.remove", pref, func(tx *sql.Tx, p domain.Project, now time.Time) ([]audit.Entry, error) {
		current, err := e.Repo.GetStepTx(ctx, tx, st.ID)
		if err != nil {
			return nil, notFound("step", st.ID, err)
		}
		if err := e.Repo.DeleteStepTx(ctx, tx, current.ID); err != nil {
			return nil, notFound("step", current.ID, err)
		}
		if err := e.Repo.ShiftPositionsTx(ctx, tx, p.ID, current.Position+1, -1, now); err != nil {
			return nil, err
		}
		return []audit.Entry{{
			EntityType: domain.EntityStep,
			EntityID:   current.ID,
			Action:     "step.deleted",
			Links:      audit.Links{ProjectID: p.ID},
			Before:     current,
		}}, nil
	})
}

// MoveStep places a step at position, shifting the steps in between.
func (e Engine) MoveStep(ctx context.Context, ref StepRef, position int) (domain.Project, error) {
	st, pref, err := e.resolveStep(ctx, ref)
	if err != nil {
		return domain.Project{}, err
	}
	if position < 1 {
		return domain.Project{}, invalid("position", "must be >= 1")
	}
	return e.structural(ctx, "step.move", pref, func(tx *sql.Tx, p domain.Project, now time.Time) ([]audit.Entry, error) {
		steps, err := e.Repo.ListStepsTx(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		if position > len(steps) {
			return nil, invalid("position", "must be between 1 and "+strconv.Itoa(len(steps)))
		}
		ids := make([]string, 0, len(steps))
		from := 0
		for _, s := range sequence.Sorted(steps) {
			if s.ID == st.ID {
				from = s.Position
				continue
			}
			ids = append(ids, s.ID)
		}
		if from == 0 {
			return nil, notFound("step", st.ID, repo.ErrNotFound)
		}
		ids = append(ids[:position-1], append([]string{st.ID}, ids[position-1:]...)...)
		if err := e.Repo.ReorderStepsTx(ctx, tx, p.ID, ids, now); err != nil {
			return nil, err
		}
		return []audit.Entry{{
			EntityType: domain.EntityStep,
			EntityID:   st.ID,
			Action:     "step.moved",
			Links:      audit.Links{ProjectID: p.ID, StepID: st.ID},
			Before:     map[string]int{"position": from},
			After:      map[string]int{"position": position},
		}}, nil
	})
}

// SetStepParent reparents a step within its project. An empty parentID makes
// it top-level.
func (e Engine) SetStepParent(ctx context.Context, ref StepRef, parentID string) (domain.Step, error) {
	st, pref, err := e.resolveStep(ctx, ref)
	if err != nil {
		return domain.Step{}, err
	}
	var updated domain.Step
	_, err = e.structural(ctx, "step.reparent", pref, func(tx *sql.Tx, p domain.Project, now time.Time) ([]audit.Entry, error) {
		steps, err := e.Repo.ListStepsTx(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		arena := make(map[string]domain.Step, len(steps))
		for _, s := range steps {
			arena[s.ID] = s
		}
		before, ok := arena[st.ID]
		if !ok {
			return nil, notFound("step", st.ID, repo.ErrNotFound)
		}
		updated = before
		updated.ParentStepID = nil
		if parentID != "" {
			if _, ok := arena[parentID]; !ok {
				return nil, invalid("parent_step_id", "parent step is not part of project "+p.ID)
			}
			if sequence.WouldCycle(arena, st.ID, parentID) {
				return nil, invalid("parent_step_id", "parent would create a cycle")
			}
			pid := parentID
			updated.ParentStepID = &pid
		}
		updated.UpdatedAt = now
		if err := e.Repo.UpdateStepTx(ctx, tx, updated); err != nil {
			return nil, notFound("step", st.ID, err)
		}
		return []audit.Entry{{
			EntityType: domain.EntityStep,
			EntityID:   st.ID,
			Action:     "step.reparented",
			Links:      audit.Links{ProjectID: p.ID, StepID: st.ID},
			Before:     before,
			After:      updated,
		}}, nil
	})
	if err != nil {
		return domain.Step{}, err
	}
	return updated, nil
}

func (e Engine) GetStep(ctx context.Context, id string) (domain.Step, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Step{}, invalid("step_id", "is required")
	}
	st, err := e.Repo.GetStep(ctx, id)
	if err != nil {
		return domain.Step{}, notFound("step", id, err)
	}
	return st, nil
}

// ListSteps returns a project's steps by position.
func (e Engine) ListSteps(ctx context.Context, projectID string) ([]domain.Step, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	steps, err := e.Repo.ListSteps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []domain.Step{}
	}
	return steps, nil
}

// CheckSequence reports the integrity of a project's steps without starting
// an execution.
func (e Engine) CheckSequence(ctx context.Context, projectID string) error {
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	steps, err := e.Repo.ListSteps(ctx, projectID)
	if err != nil {
		return err
	}
	return fromIntegrity(e.Sequencer.Check(p, steps))
}
