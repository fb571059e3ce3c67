package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sopline/internal/audit"
	"sopline/internal/domain"
	"sopline/internal/repo"
)

type ProjectCreateOptions struct {
	ID                string
	Title             string
	Description       string
	Category          string
	Priority          domain.Priority
	OrgScope          string
	AssigneeID        string
	Tags              []string
	EstimatedDuration *int64
	Metadata          map[string]any
	ActorID           string
	Client            domain.ClientMeta
}

func (o ProjectCreateOptions) validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return invalid("title", "is required")
	}
	if strings.TrimSpace(o.ActorID) == "" {
		return invalid("actor_id", "is required")
	}
	if o.Priority != "" && !o.Priority.Valid() {
		return invalid("priority", "must be one of low, medium, high, critical")
	}
	if o.EstimatedDuration != nil && *o.EstimatedDuration < 0 {
		return invalid("estimated_duration", "must be >= 0")
	}
	return nil
}

// CreateProject creates a draft project with no steps.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (p domain.Project, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "project.create")
	defer func() {
		e.finish(span, "project.create", started, err, zap.String("project_id", p.ID), zap.String("actor_id", opts.ActorID))
	}()
	if err := opts.validate(); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p = newProject(opts, e.now())
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, conflictOnDuplicate("project", p.ID, err)
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType: domain.EntityProject,
		EntityID:   p.ID,
		Action:     "project.created",
		ActorID:    opts.ActorID,
		Links:      audit.Links{ProjectID: p.ID},
		After:      p,
		Client:     opts.Client,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func newProject(opts ProjectCreateOptions, now time.Time) domain.Project {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	var assignee *string
	if opts.AssigneeID != "" {
		a := opts.AssigneeID
		assignee = &a
	}
	return domain.Project{
		ID:                id,
		Title:             opts.Title,
		Description:       opts.Description,
		Category:          opts.Category,
		Priority:          priority,
		OrgScope:          opts.OrgScope,
		CreatedBy:         opts.ActorID,
		AssigneeID:        assignee,
		Status:            domain.ProjectDraft,
		Tags:              tags,
		EstimatedDuration: opts.EstimatedDuration,
		Metadata:          opts.Metadata,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// ProjectRef names a project for a lifecycle or structural operation.
type ProjectRef struct {
	ProjectID       string
	ActorID         string
	ExpectedVersion *int64
	Client          domain.ClientMeta
}

func (r ProjectRef) validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return invalid("project_id", "is required")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		return invalid("actor_id", "is required")
	}
	return nil
}

func (e Engine) ActivateProject(ctx context.Context, ref ProjectRef) (domain.Project, error) {
	return e.setProjectStatus(ctx, ref, domain.ProjectActive, "activate")
}

// ArchiveProject is terminal for the project. Running executions keep going;
// new ones cannot start.
func (e Engine) ArchiveProject(ctx context.Context, ref ProjectRef) (domain.Project, error) {
	return e.setProjectStatus(ctx, ref, domain.ProjectArchived, "archive")
}

func (e Engine) setProjectStatus(ctx context.Context, ref ProjectRef, next domain.ProjectStatus, verb string) (p domain.Project, err error) {
	started := time.Now()
	event := "project." + verb
	ctx, span := e.startSpan(ctx, event)
	defer func() {
		e.finish(span, event, started, err, zap.String("project_id", ref.ProjectID), zap.String("actor_id", ref.ActorID))
	}()
	if err := ref.validate(); err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	before, err := e.loadProjectForEdit(ctx, tx, ref)
	if err != nil {
		return domain.Project{}, err
	}
	if !before.Status.CanBecome(next) {
		return domain.Project{}, &InvalidTransitionError{Kind: "project", Event: verb, Current: string(before.Status)}
	}
	p = before
	p.Status = next
	if err := e.saveProject(ctx, tx, &p, before.Version); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType: domain.EntityProject,
		EntityID:   p.ID,
		Action:     "project." + verb + "d",
		ActorID:    ref.ActorID,
		Links:      audit.Links{ProjectID: p.ID},
		Before:     before,
		After:      p,
		Client:     ref.Client,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// loadProjectForEdit reads a project and checks the caller's expected version.
func (e Engine) loadProjectForEdit(ctx context.Context, tx *sql.Tx, ref ProjectRef) (domain.Project, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, ref.ProjectID)
	if err != nil {
		return domain.Project{}, notFound("project", ref.ProjectID, err)
	}
	if ref.ExpectedVersion != nil && *ref.ExpectedVersion != p.Version {
		return domain.Project{}, &ConcurrentModificationError{Kind: "project", ID: p.ID, Expected: *ref.ExpectedVersion, Actual: p.Version}
	}
	return p, nil
}

// saveProject bumps the version and writes conditioned on the previous one.
func (e Engine) saveProject(ctx context.Context, tx *sql.Tx, p *domain.Project, expected int64) error {
	p.Version = expected + 1
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdateProjectTx(ctx, tx, *p, expected); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return &ConcurrentModificationError{Kind: "project", ID: p.ID, Expected: expected}
		}
		return notFound("project", p.ID, err)
	}
	return nil
}

// DeleteProject removes the project with its steps and executions. Their audit
// history stays readable by entity id with the links cleared.
func (e Engine) DeleteProject(ctx context.Context, ref ProjectRef) (res repo.DeleteResult, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "project.delete")
	defer func() {
		e.finish(span, "project.delete", started, err, zap.String("project_id", ref.ProjectID), zap.String("actor_id", ref.ActorID),
			zap.Int64("steps", res.Steps), zap.Int64("executions", res.Executions), zap.Int64("active_executions", res.ActiveExecutions))
	}()
	if err := ref.validate(); err != nil {
		return repo.DeleteResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.DeleteResult{}, err
	}
	defer tx.Rollback()

	before, err := e.loadProjectForEdit(ctx, tx, ref)
	if err != nil {
		return repo.DeleteResult{}, err
	}
	active, err := e.Repo.CountActiveExecutionsTx(ctx, tx, before.ID)
	if err != nil {
		return repo.DeleteResult{}, err
	}
	res, err = e.Repo.DeleteProjectTx(ctx, tx, before.ID)
	if err != nil {
		return repo.DeleteResult{}, notFound("project", before.ID, err)
	}
	res.ActiveExecutions = active
	if active > 0 {
		e.log().Warn("deleting project with unfinished executions", zap.String("project_id", before.ID), zap.Int64("active_executions", active))
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType:  domain.EntityProject,
		EntityID:    before.ID,
		Action:      "project.deleted",
		ActorID:     ref.ActorID,
		Before:      before,
		After:       res,
		Description: "project deleted with its steps and executions",
		Client:      ref.Client,
	}); err != nil {
		return repo.DeleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.DeleteResult{}, err
	}
	e.Sequencer.Forget(before.ID)
	return res, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Project{}, invalid("project_id", "is required")
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, notFound("project", id, err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, status, category string) ([]domain.Project, error) {
	if status != "" {
		if _, err := domain.ParseProjectStatus(status); err != nil {
			return nil, invalid("status", err.Error())
		}
	}
	items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{Status: status, Category: category})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Project{}
	}
	return items, nil
}

func conflictOnDuplicate(kind, id string, err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed") {
		return invalid("id", kind+" "+id+" already exists")
	}
	return err
}
