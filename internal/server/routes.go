package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sopline/internal/audit"
	"sopline/internal/domain"
	"sopline/internal/engine"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type stepPath struct {
	StepID string `path:"step_id"`
}

type executionPath struct {
	ExecutionID string `path:"execution_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:                b.ID,
			Title:             b.Title,
			Description:       b.Description,
			Category:          b.Category,
			Priority:          domain.Priority(b.Priority),
			OrgScope:          b.OrgScope,
			AssigneeID:        b.AssigneeID,
			Tags:              b.Tags,
			EstimatedDuration: b.EstimatedDuration,
			Metadata:          b.Metadata,
			ActorID:           actorID,
			Client:            clientMeta(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"draft,active,archived"`
		Category string `query:"category"`
	}) (*output[[]domain.Project], error) {
		items, err := e.ListProjects(ctx, input.Status, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.Project], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	for _, verb := range []string{"activate", "archive"} {
		huma.Register(api, huma.Operation{
			OperationID: verb + "-project",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/" + verb,
			Summary:     verb + " project",
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			ProjectID string         `path:"project_id"`
			Body      VersionRequest `required:"false"`
		}) (*output[domain.Project], error) {
			ref, authErr := projectRef(ctx, input.ProjectID, input.Body.ExpectedVersion)
			if authErr != nil {
				return nil, authErr
			}
			change := e.ActivateProject
			if verb == "archive" {
				change = e.ArchiveProject
			}
			p, err := change(ctx, ref)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(p), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project with its steps and executions",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*output[DeleteProjectResponse], error) {
		ref, authErr := projectRef(ctx, input.ProjectID, input.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeleteProject(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(deleteResponse(input.ProjectID, res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-sequence",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sequence",
		Summary:     "Check step sequence integrity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[SequenceResponse], error) {
		resp := SequenceResponse{ProjectID: input.ProjectID, Valid: true, Problems: []string{}}
		err := e.CheckSequence(ctx, input.ProjectID)
		var sie *engine.SequenceIntegrityError
		switch {
		case errors.As(err, &sie):
			resp.Valid = false
			resp.Problems = sie.Problems
		case err != nil:
			return nil, handleError(err)
		}
		return reply(resp), nil
	})
}

func projectRef(ctx context.Context, projectID string, expected int64) (engine.ProjectRef, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return engine.ProjectRef{}, authErr
	}
	return engine.ProjectRef{ProjectID: projectID, ActorID: actorID, ExpectedVersion: versionPtr(expected), Client: clientMeta(ctx)}, nil
}

func stepRef(ctx context.Context, stepID string, expected int64) (engine.StepRef, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return engine.StepRef{}, authErr
	}
	return engine.StepRef{StepID: stepID, ActorID: actorID, ExpectedVersion: versionPtr(expected), Client: clientMeta(ctx)}, nil
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/steps",
		Summary:     "List steps by position",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Step], error) {
		steps, err := e.ListSteps(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(steps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-step",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/steps",
		Summary:       "Add or insert a step",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AddStepRequest
	}) (*output[domain.Step], error) {
		b := input.Body
		ref, authErr := projectRef(ctx, input.ProjectID, b.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.AddStep(ctx, engine.StepAddOptions{
			ProjectRef:        ref,
			ID:                b.ID,
			Title:             b.Title,
			Description:       b.Description,
			Position:          b.Position,
			Optional:          b.Optional,
			EstimatedDuration: b.EstimatedDuration,
			ParentStepID:      b.ParentStepID,
			ValidationRules:   b.ValidationRules,
			InputSchema:       b.InputSchema,
			OutputSchema:      b.OutputSchema,
			InputData:         b.InputData,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-step",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}",
		Summary:     "Get step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *stepPath) (*output[domain.Step], error) {
		st, err := e.GetStep(ctx, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-step",
		Method:      http.MethodDelete,
		Path:        "/steps/{step_id}",
		Summary:     "Remove step and close the position gap",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		StepID          string `path:"step_id"`
		ExpectedVersion int64  `query:"expected_version"`
	}) (*output[domain.Project], error) {
		ref, authErr := stepRef(ctx, input.StepID, input.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RemoveStep(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-step",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/move",
		Summary:     "Move step to a position",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
		Body   MoveStepRequest
	}) (*output[domain.Project], error) {
		ref, authErr := stepRef(ctx, input.StepID, input.Body.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.MoveStep(ctx, ref, input.Body.Position)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-step-parent",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/parent",
		Summary:     "Set or clear a step's parent",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
		Body   SetStepParentRequest
	}) (*output[domain.Step], error) {
		ref, authErr := stepRef(ctx, input.StepID, input.Body.ExpectedVersion)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.SetStepParent(ctx, ref, input.Body.ParentStepID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest
	}) (*output[domain.Template], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
			ID:          b.ID,
			Name:        b.Name,
			Description: b.Description,
			Category:    b.Category,
			Steps:       templateSteps(b.Steps),
			ActorID:     actorID,
			Client:      clientMeta(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Template], error) {
		items, err := e.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*output[domain.Template], error) {
		t, err := e.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-template",
		Method:        http.MethodPost,
		Path:          "/templates/{template_id}/instantiate",
		Summary:       "Create a draft project from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string                     `path:"template_id"`
		Body       InstantiateTemplateRequest `required:"false"`
	}) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InstantiateTemplate(ctx, engine.TemplateInstantiateOptions{
			TemplateID: input.TemplateID,
			ProjectID:  input.Body.ProjectID,
			Title:      input.Body.Title,
			Priority:   domain.Priority(input.Body.Priority),
			ActorID:    actorID,
			Client:     clientMeta(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

type transitionFunc func(context.Context, engine.TransitionOptions) (domain.Execution, error)

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Start an execution of a project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body StartExecutionRequest
	}) (*output[domain.Execution], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.StartExecution(ctx, engine.StartOptions{
			ProjectID: input.Body.ProjectID,
			ActorID:   actorID,
			Metadata:  input.Body.Metadata,
			Client:    clientMeta(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ex), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:"pending,running,paused,completed,failed,cancelled"`
		ActorID   string `query:"actor_id"`
		Limit     int    `query:"limit" minimum:"0"`
		Cursor    string `query:"cursor"`
	}) (*output[ExecutionListResponse], error) {
		page, err := e.ListExecutions(ctx, engine.ExecutionQuery{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			ActorID:   input.ActorID,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ExecutionListResponse{Items: page.Items, NextCursor: page.NextCursor}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*output[domain.Execution], error) {
		ex, err := e.GetExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ex), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/complete-step",
		Summary:     "Complete the current step",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionID string              `path:"execution_id"`
		Body        CompleteStepRequest `required:"false"`
	}) (*output[domain.Execution], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.CompleteStep(ctx, engine.CompleteStepOptions{
			ExecutionID:      input.ExecutionID,
			ActorID:          actorID,
			Output:           input.Body.Output,
			ExpectedVersion:  versionPtr(input.Body.ExpectedVersion),
			ExpectedPosition: positionPtr(input.Body.ExpectedPosition),
			Client:           clientMeta(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ex), nil
	})

	transitions := []struct {
		name    string
		summary string
		run     transitionFunc
	}{
		{"skip-step", "Skip the current optional step", e.SkipStep},
		{"pause", "Pause a running execution", e.PauseExecution},
		{"resume", "Resume a paused execution", e.ResumeExecution},
		{"fail", "Fail a running execution and apply the retry policy", e.FailExecution},
		{"retry", "Retry a failed execution", e.RetryExecution},
		{"cancel", "Cancel an execution", e.CancelExecution},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-execution",
			Method:      http.MethodPost,
			Path:        "/executions/{execution_id}/" + tr.name,
			Summary:     tr.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			ExecutionID string            `path:"execution_id"`
			Body        TransitionRequest `required:"false"`
		}) (*output[domain.Execution], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			ex, err := tr.run(ctx, engine.TransitionOptions{
				ExecutionID:      input.ExecutionID,
				ActorID:          actorID,
				ExpectedVersion:  versionPtr(input.Body.ExpectedVersion),
				ExpectedPosition: positionPtr(input.Body.ExpectedPosition),
				Reason:           input.Body.Reason,
				Override:         input.Body.Override,
				Client:           clientMeta(ctx),
			})
			if err != nil {
				return nil, handleError(err)
			}
			return reply(ex), nil
		})
	}
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "entity-audit",
		Method:      http.MethodGet,
		Path:        "/audit/{entity_type}/{entity_id}",
		Summary:     "Audit history of one entity, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type" enum:"project,step,execution,template"`
		EntityID   string `path:"entity_id"`
		Limit      int    `query:"limit" minimum:"0"`
		Cursor     string `query:"cursor"`
	}) (*output[AuditListResponse], error) {
		page, err := e.AuditHistory(ctx, engine.AuditQuery{
			EntityType: domain.EntityType(input.EntityType),
			EntityID:   input.EntityID,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AuditListResponse{Items: page.Items, NextCursor: page.NextCursor}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-chain",
		Method:      http.MethodGet,
		Path:        "/audit/{entity_type}/{entity_id}/verify",
		Summary:     "Verify the integrity hash chain of one entity",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type" enum:"project,step,execution,template"`
		EntityID   string `path:"entity_id"`
	}) (*output[audit.ChainReport], error) {
		rep, err := e.VerifyAuditChain(ctx, domain.EntityType(input.EntityType), input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-audit",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audit",
		Summary:     "Audit rows still linked to a project",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" minimum:"0"`
		Cursor    string `query:"cursor"`
	}) (*output[AuditListResponse], error) {
		page, err := e.ProjectAudit(ctx, input.ProjectID, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AuditListResponse{Items: page.Items, NextCursor: page.NextCursor}), nil
	})
}
