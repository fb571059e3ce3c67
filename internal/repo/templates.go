package repo

import (
	"context"
	"database/sql"
	"fmt"

	"sopline/internal/domain"
)

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO sop_templates(id,name,description,category,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Description), nullable(t.Category), t.CreatedBy, formatTime(t.CreatedAt)); err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	for _, s := range t.Steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sop_template_steps(template_id,position,title,description,is_required,estimated_duration,output_schema_json) VALUES (?,?,?,?,?,?,?)`,
			t.ID, s.Position, s.Title, nullable(s.Description), boolToInt(s.IsRequired), nullableInt64Ptr(s.EstimatedDuration),
			nullableRaw(s.OutputSchema)); err != nil {
			return fmt.Errorf("insert template step: %w", err)
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return getTemplate(ctx, r.DB, id)
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Template, error) {
	return getTemplate(ctx, tx, id)
}

func getTemplate(ctx context.Context, q queryer, id string) (domain.Template, error) {
	var t domain.Template
	var desc, category sql.NullString
	var createdAt string
	err := q.QueryRowContext(ctx, `SELECT id,name,description,category,created_by,created_at FROM sop_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &desc, &category, &t.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	t.Category = category.String
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	rows, err := q.QueryContext(ctx, `SELECT position,title,description,is_required,estimated_duration,output_schema_json FROM sop_template_steps WHERE template_id=? ORDER BY position`, id)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	t.Steps = []domain.TemplateStep{}
	for rows.Next() {
		var s domain.TemplateStep
		var sdesc, schema sql.NullString
		var required int
		var estimated sql.NullInt64
		if err := rows.Scan(&s.Position, &s.Title, &sdesc, &required, &estimated, &schema); err != nil {
			return t, err
		}
		s.Description = sdesc.String
		s.IsRequired = required == 1
		s.EstimatedDuration = int64PtrFromNull(estimated)
		s.OutputSchema = rawFromNull(schema)
		t.Steps = append(t.Steps, s)
	}
	return t, rows.Err()
}

// ListTemplates returns templates without their steps.
func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,category,created_by,created_at FROM sop_templates ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		var desc, category sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &desc, &category, &t.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.Category = category.String
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
