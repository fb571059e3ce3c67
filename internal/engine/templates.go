package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sopline/internal/audit"
	"sopline/internal/domain"
)

type TemplateCreateOptions struct {
	ID          string
	Name        string
	Description string
	Category    string
	// Steps are stored in the given order; their Position fields are ignored.
	Steps   []domain.TemplateStep
	ActorID string
	Client  domain.ClientMeta
}

func (o TemplateCreateOptions) validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return invalid("name", "is required")
	}
	if strings.TrimSpace(o.ActorID) == "" {
		return invalid("actor_id", "is required")
	}
	for i, s := range o.Steps {
		if strings.TrimSpace(s.Title) == "" {
			return invalid("steps", "step "+strconv.Itoa(i+1)+" needs a title")
		}
		if err := checkSchema("steps.output_schema", s.OutputSchema); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (t domain.Template, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "template.create")
	defer func() {
		e.finish(span, "template.create", started, err, zap.String("template_id", t.ID), zap.String("actor_id", opts.ActorID))
	}()
	if err := opts.validate(); err != nil {
		return domain.Template{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t = domain.Template{
		ID:          id,
		Name:        opts.Name,
		Description: opts.Description,
		Category:    opts.Category,
		CreatedBy:   opts.ActorID,
		Steps:       make([]domain.TemplateStep, 0, len(opts.Steps)),
		CreatedAt:   e.now(),
	}
	for i, s := range opts.Steps {
		s.Position = i + 1
		t.Steps = append(t.Steps, s)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, conflictOnDuplicate("template", t.ID, err)
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType: domain.EntityTemplate,
		EntityID:   t.ID,
		Action:     "template.created",
		ActorID:    opts.ActorID,
		After:      t,
		Client:     opts.Client,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

type TemplateInstantiateOptions struct {
	TemplateID string
	ProjectID  string
	// Title defaults to the template name.
	Title    string
	Priority domain.Priority
	ActorID  string
	Client   domain.ClientMeta
}

// InstantiateTemplate copies a template into a new draft project. The project
// keeps the template id for reference only.
func (e Engine) InstantiateTemplate(ctx context.Context, opts TemplateInstantiateOptions) (p domain.Project, err error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "template.instantiate")
	defer func() {
		e.finish(span, "template.instantiate", started, err, zap.String("template_id", opts.TemplateID),
			zap.String("project_id", p.ID), zap.String("actor_id", opts.ActorID))
	}()
	if strings.TrimSpace(opts.TemplateID) == "" {
		return domain.Project{}, invalid("template_id", "is required")
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Project{}, invalid("actor_id", "is required")
	}
	if opts.Priority != "" && !opts.Priority.Valid() {
		return domain.Project{}, invalid("priority", "must be one of low, medium, high, critical")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplateTx(ctx, tx, opts.TemplateID)
	if err != nil {
		return domain.Project{}, notFound("template", opts.TemplateID, err)
	}
	title := opts.Title
	if title == "" {
		title = t.Name
	}
	now := e.now()
	p = newProject(ProjectCreateOptions{
		ID:          opts.ProjectID,
		Title:       title,
		Description: t.Description,
		Category:    t.Category,
		Priority:    opts.Priority,
		ActorID:     opts.ActorID,
	}, now)
	tid := t.ID
	p.TemplateID = &tid

	steps := make([]domain.Step, 0, len(t.Steps))
	var estimate int64
	hasEstimate := false
	for _, ts := range t.Steps {
		steps = append(steps, domain.Step{
			ID:                uuid.NewString(),
			ProjectID:         p.ID,
			Title:             ts.Title,
			Description:       ts.Description,
			Position:          ts.Position,
			IsRequired:        ts.IsRequired,
			EstimatedDuration: ts.EstimatedDuration,
			OutputSchema:      ts.OutputSchema,
			Status:            domain.StepPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if ts.EstimatedDuration != nil {
			estimate += *ts.EstimatedDuration
			hasEstimate = true
		}
	}
	if hasEstimate {
		p.EstimatedDuration = &estimate
	}

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, conflictOnDuplicate("project", p.ID, err)
	}
	if _, err := e.record(ctx, tx, audit.Entry{
		EntityType:  domain.EntityProject,
		EntityID:    p.ID,
		Action:      "project.created",
		ActorID:     opts.ActorID,
		Links:       audit.Links{ProjectID: p.ID},
		After:       p,
		Description: "instantiated from template " + t.ID,
		Client:      opts.Client,
	}); err != nil {
		return domain.Project{}, err
	}
	for _, st := range steps {
		if err := e.Repo.InsertStepTx(ctx, tx, st); err != nil {
			return domain.Project{}, err
		}
		if _, err := e.record(ctx, tx, audit.Entry{
			EntityType: domain.EntityStep,
			EntityID:   st.ID,
			Action:     "step.created",
			ActorID:    opts.ActorID,
			Links:      audit.Links{ProjectID: p.ID, StepID: st.ID},
			After:      st,
			Client:     opts.Client,
		}); err != nil {
			return domain.Project{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Template{}, invalid("template_id", "is required")
	}
	t, err := e.Repo.GetTemplate(ctx, id)
	if err != nil {
		return domain.Template{}, notFound("template", id, err)
	}
	return t, nil
}

func (e Engine) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	items, err := e.Repo.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Template{}
	}
	return items, nil
}
