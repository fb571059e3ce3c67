package engine

import (
	"context"
	"errors"
	"strings"

	"sopline/internal/audit"
	"sopline/internal/domain"
	"sopline/internal/repo"
)

// AuditQuery selects one entity's history. Cursor is the NextCursor of the
// previous page.
type AuditQuery struct {
	EntityType domain.EntityType
	EntityID   string
	Limit      int
	Cursor     string
}

type AuditPage struct {
	Items      []domain.AuditLog `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// AuditHistory returns an entity's audit rows oldest first. History outlives
// the entity, so a deleted entity still has one.
func (e Engine) AuditHistory(ctx context.Context, q AuditQuery) (AuditPage, error) {
	if !q.EntityType.Valid() {
		return AuditPage{}, invalid("entity_type", "must be one of project, step, execution, template")
	}
	if strings.TrimSpace(q.EntityID) == "" {
		return AuditPage{}, invalid("entity_id", "is required")
	}
	items, next, err := e.Repo.ListAuditLogs(ctx, repo.AuditFilters{
		EntityType: q.EntityType,
		EntityID:   q.EntityID,
		Limit:      e.pageSize(q.Limit),
		Cursor:     q.Cursor,
	})
	if err != nil {
		return AuditPage{}, cursorError(err)
	}
	if items == nil {
		items = []domain.AuditLog{}
	}
	return AuditPage{Items: items, NextCursor: next}, nil
}

// ProjectAudit returns every audit row still linked to a project.
func (e Engine) ProjectAudit(ctx context.Context, projectID string, limit int, cursor string) (AuditPage, error) {
	if strings.TrimSpace(projectID) == "" {
		return AuditPage{}, invalid("project_id", "is required")
	}
	items, next, err := e.Repo.ListAuditLogs(ctx, repo.AuditFilters{ProjectID: projectID, Limit: e.pageSize(limit), Cursor: cursor})
	if err != nil {
		return AuditPage{}, cursorError(err)
	}
	if items == nil {
		items = []domain.AuditLog{}
	}
	return AuditPage{Items: items, NextCursor: next}, nil
}

func (e Engine) VerifyAuditChain(ctx context.Context, entityType domain.EntityType, entityID string) (audit.ChainReport, error) {
	if !entityType.Valid() {
		return audit.ChainReport{}, invalid("entity_type", "must be one of project, step, execution, template")
	}
	if strings.TrimSpace(entityID) == "" {
		return audit.ChainReport{}, invalid("entity_id", "is required")
	}
	rec := e.Audit
	rec.Repo = e.Repo
	return rec.VerifyChain(ctx, entityType, entityID)
}

func (e Engine) pageSize(limit int) int {
	def, maxSize := 50, 200
	if e.Config != nil {
		def, maxSize = e.Config.Audit.PageSize, e.Config.Audit.MaxPageSize
	}
	if limit <= 0 {
		return def
	}
	if limit > maxSize {
		return maxSize
	}
	return limit
}

func cursorError(err error) error {
	if errors.Is(err, repo.ErrInvalidCursor) {
		return invalid("cursor", err.Error())
	}
	return err
}
