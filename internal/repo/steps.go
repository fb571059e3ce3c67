package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sopline/internal/domain"
)

const stepColumns = `id,project_id,title,description,position,is_required,estimated_duration,parent_step_id,validation_rules_json,input_schema_json,output_schema_json,input_data_json,output_data_json,status,created_at,updated_at`

func scanStep(row rowScanner) (domain.Step, error) {
	var s domain.Step
	var desc, parent, rules, inSchema, outSchema, inData, outData sql.NullString
	var estimated sql.NullInt64
	var required int
	var status, createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.ProjectID, &s.Title, &desc, &s.Position, &required, &estimated, &parent,
		&rules, &inSchema, &outSchema, &inData, &outData, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Description = desc.String
	s.IsRequired = required == 1
	s.EstimatedDuration = int64PtrFromNull(estimated)
	s.ParentStepID = stringPtrFromNull(parent)
	s.ValidationRules = rawFromNull(rules)
	s.InputSchema = rawFromNull(inSchema)
	s.OutputSchema = rawFromNull(outSchema)
	s.InputData = rawFromNull(inData)
	s.OutputData = rawFromNull(outData)
	if s.Status, err = domain.ParseStepStatus(status); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sop_steps(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Title, nullable(s.Description), s.Position, boolToInt(s.IsRequired), nullableInt64Ptr(s.EstimatedDuration),
		nullableStringPtr(s.ParentStepID), nullableRaw(s.ValidationRules), nullableRaw(s.InputSchema), nullableRaw(s.OutputSchema),
		nullableRaw(s.InputData), nullableRaw(s.OutputData), string(s.Status), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return scanStep(r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM sop_steps WHERE id=?`, id))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.Step, error) {
	return scanStep(tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM sop_steps WHERE id=?`, id))
}

// ListSteps returns a project's steps ordered by position.
func (r Repo) ListSteps(ctx context.Context, projectID string) ([]domain.Step, error) {
	return listSteps(ctx, r.DB, projectID)
}

func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Step, error) {
	return listSteps(ctx, tx, projectID)
}

func listSteps(ctx context.Context, q queryer, projectID string) ([]domain.Step, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM sop_steps WHERE project_id=? ORDER BY position ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountStepsTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sop_steps WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

func (r Repo) UpdateStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	res, err := tx.ExecContext(ctx, `UPDATE sop_steps SET title=?, description=?, is_required=?, estimated_duration=?, parent_step_id=?, validation_rules_json=?, input_schema_json=?, output_schema_json=?, input_data_json=?, output_data_json=?, status=?, updated_at=? WHERE id=?`,
		s.Title, nullable(s.Description), boolToInt(s.IsRequired), nullableInt64Ptr(s.EstimatedDuration), nullableStringPtr(s.ParentStepID),
		nullableRaw(s.ValidationRules), nullableRaw(s.InputSchema), nullableRaw(s.OutputSchema), nullableRaw(s.InputData),
		nullableRaw(s.OutputData), string(s.Status), formatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ShiftPositionsTx adds delta to every position >= from. Rows pass through
// negative positions first so the unique (project, position) index holds at
// every row update.
func (r Repo) ShiftPositionsTx(ctx context.Context, tx *sql.Tx, projectID string, from, delta int, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sop_steps SET position = -(position + ?), updated_at=? WHERE project_id=? AND position >= ?`,
		delta, formatTime(at), projectID, from); err != nil {
		return fmt.Errorf("shift steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sop_steps SET position = -position WHERE project_id=? AND position < 0`, projectID); err != nil {
		return fmt.Errorf("shift steps: %w", err)
	}
	return nil
}

// ReorderStepsTx assigns positions 1..n following ids.
func (r Repo) ReorderStepsTx(ctx context.Context, tx *sql.Tx, projectID string, ids []string, at time.Time) error {
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE sop_steps SET position=?, updated_at=? WHERE id=? AND project_id=?`,
			-(i + 1), formatTime(at), id, projectID); err != nil {
			return fmt.Errorf("reorder steps: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sop_steps SET position = -position WHERE project_id=? AND position < 0`, projectID); err != nil {
		return fmt.Errorf("reorder steps: %w", err)
	}
	return nil
}

// DeleteStepTx removes a step. Children lose their parent, executions pointing
// at it lose the current step link, and audit rows lose the step link.
func (r Repo) DeleteStepTx(ctx context.Context, tx *sql.Tx, id string) error {
	stmts := []string{
		`UPDATE sop_audit_logs SET step_id=NULL WHERE step_id=?`,
		`UPDATE sop_steps SET parent_step_id=NULL WHERE parent_step_id=?`,
		`UPDATE sop_executions SET current_step_id=NULL WHERE current_step_id=?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("detach step: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sop_steps WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
