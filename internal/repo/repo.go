package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sopline/internal/domain"
)

// Repo is the entity store. Methods with a Tx suffix run inside the caller's
// transaction; the rest read through DB.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version-conditioned write matched no row
	// although the row exists.
	ErrConflict = errors.New("version conflict")
	// ErrInvalidCursor is returned for a page cursor this store did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func rawFromNull(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func stringPtrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64PtrFromNull(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// --- projects ---

const projectColumns = `id,title,description,category,priority,org_scope,created_by,assignee_id,template_id,status,tags_json,estimated_duration,metadata_json,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var desc, category, orgScope, assignee, template sql.NullString
	var tagsJSON, metadataJSON, createdAt, updatedAt, priority, status string
	var estimated sql.NullInt64
	err := row.Scan(&p.ID, &p.Title, &desc, &category, &priority, &orgScope, &p.CreatedBy, &assignee, &template, &status,
		&tagsJSON, &estimated, &metadataJSON, &p.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = desc.String
	p.Category = category.String
	p.OrgScope = orgScope.String
	p.Priority = domain.Priority(priority)
	p.Status = domain.ProjectStatus(status)
	p.AssigneeID = stringPtrFromNull(assignee)
	p.TemplateID = stringPtrFromNull(template)
	p.EstimatedDuration = int64PtrFromNull(estimated)
	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return p, fmt.Errorf("decode project tags: %w", err)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if err := json.Unmarshal([]byte(metadataJSON), &p.Metadata); err != nil {
		return p, fmt.Errorf("decode project metadata: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	tags, err := marshalJSON(p.Tags, "[]")
	if err != nil {
		return err
	}
	meta, err := marshalJSON(p.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sop_projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), nullable(p.Category), string(p.Priority), nullable(p.OrgScope), p.CreatedBy,
		nullableStringPtr(p.AssigneeID), nullableStringPtr(p.TemplateID), string(p.Status), tags, nullableInt64Ptr(p.EstimatedDuration),
		meta, p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM sop_projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM sop_projects WHERE id=?`, id))
}

type ProjectFilters struct {
	Status   string
	Category string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM sop_projects `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectTx writes p when the stored version still equals expectedVersion.
// p.Version must already hold the new version.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project, expectedVersion int64) error {
	tags, err := marshalJSON(p.Tags, "[]")
	if err != nil {
		return err
	}
	meta, err := marshalJSON(p.Metadata, "{}")
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE sop_projects SET title=?, description=?, category=?, priority=?, org_scope=?, assignee_id=?, status=?, tags_json=?, estimated_duration=?, metadata_json=?, version=?, updated_at=? WHERE id=? AND version=?`,
		p.Title, nullable(p.Description), nullable(p.Category), string(p.Priority), nullable(p.OrgScope), nullableStringPtr(p.AssigneeID),
		string(p.Status), tags, nullableInt64Ptr(p.EstimatedDuration), meta, p.Version, formatTime(p.UpdatedAt), p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return r.checkConditional(ctx, tx, res, "sop_projects", p.ID)
}

func (r Repo) checkConditional(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=?)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// DeleteResult counts the rows touched by a project delete.
type DeleteResult struct {
	Steps            int64 `json:"steps"`
	Executions       int64 `json:"executions"`
	ActiveExecutions int64 `json:"active_executions"`
	AuditUnlinked    int64 `json:"audit_unlinked"`
}

// DeleteProjectTx removes a project with its steps and executions. Audit rows
// that point at any of them keep their content and lose only the link.
func (r Repo) DeleteProjectTx(ctx context.Context, tx *sql.Tx, id string) (DeleteResult, error) {
	var out DeleteResult
	unlink := []string{
		`UPDATE sop_audit_logs SET execution_id=NULL WHERE execution_id IN (SELECT id FROM sop_executions WHERE project_id=?)`,
		`UPDATE sop_audit_logs SET step_id=NULL WHERE step_id IN (SELECT id FROM sop_steps WHERE project_id=?)`,
		`UPDATE sop_audit_logs SET project_id=NULL WHERE project_id=?`,
	}
	for _, q := range unlink {
		res, err := tx.ExecContext(ctx, q, id)
		if err != nil {
			return out, fmt.Errorf("unlink audit: %w", err)
		}
		n, _ := res.RowsAffected()
		out.AuditUnlinked += n
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sop_executions WHERE project_id=?`, id)
	if err != nil {
		return out, fmt.Errorf("delete executions: %w", err)
	}
	out.Executions, _ = res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `UPDATE sop_steps SET parent_step_id=NULL WHERE project_id=?`, id); err != nil {
		return out, fmt.Errorf("detach steps: %w", err)
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM sop_steps WHERE project_id=?`, id)
	if err != nil {
		return out, fmt.Errorf("delete steps: %w", err)
	}
	out.Steps, _ = res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM sop_projects WHERE id=?`, id)
	if err != nil {
		return out, fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out, ErrNotFound
	}
	return out, nil
}
