package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"sopline/internal/domain"
)

const executionColumns = `id,project_id,actor_id,status,current_step_id,current_step_position,total_steps,completed_steps,progress,started_at,paused_at,completed_at,failed_at,cancelled_at,estimated_completion,actual_duration,escalation_level,retry_count,retryable,failure_reason,step_results_json,metadata_json,version,created_at,updated_at`

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var currentStep, started, paused, completed, failed, cancelled, estimated, reason sql.NullString
	var position, actual sql.NullInt64
	var retryable int
	var status, results, metadata, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.ProjectID, &e.ActorID, &status, &currentStep, &position, &e.TotalSteps, &e.CompletedSteps, &e.Progress,
		&started, &paused, &completed, &failed, &cancelled, &estimated, &actual, &e.EscalationLevel, &e.RetryCount, &retryable,
		&reason, &results, &metadata, &e.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.Status, err = domain.ParseExecutionStatus(status); err != nil {
		return e, err
	}
	e.CurrentStepID = stringPtrFromNull(currentStep)
	if position.Valid {
		p := int(position.Int64)
		e.CurrentStepPosition = &p
	}
	e.ActualDuration = int64PtrFromNull(actual)
	e.Retryable = retryable == 1
	e.FailureReason = reason.String
	if e.StartedAt, err = parseNullTime(started); err != nil {
		return e, err
	}
	if e.PausedAt, err = parseNullTime(paused); err != nil {
		return e, err
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return e, err
	}
	if e.FailedAt, err = parseNullTime(failed); err != nil {
		return e, err
	}
	if e.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return e, err
	}
	if e.EstimatedCompletion, err = parseNullTime(estimated); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(results), &e.StepResults); err != nil {
		return e, fmt.Errorf("decode step results: %w", err)
	}
	if e.StepResults == nil {
		e.StepResults = []domain.StepResult{}
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return e, fmt.Errorf("decode execution metadata: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	return e, nil
}

func executionArgs(e domain.Execution) ([]any, error) {
	results, err := marshalJSON(e.StepResults, "[]")
	if err != nil {
		return nil, err
	}
	meta, err := marshalJSON(e.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	return []any{
		e.ProjectID, e.ActorID, string(e.Status), nullableStringPtr(e.CurrentStepID), nullableIntPtr(e.CurrentStepPosition),
		e.TotalSteps, e.CompletedSteps, e.Progress, formatTimePtr(e.StartedAt), formatTimePtr(e.PausedAt),
		formatTimePtr(e.CompletedAt), formatTimePtr(e.FailedAt), formatTimePtr(e.CancelledAt), formatTimePtr(e.EstimatedCompletion),
		nullableInt64Ptr(e.ActualDuration), e.EscalationLevel, e.RetryCount, boolToInt(e.Retryable), nullable(e.FailureReason),
		results, meta, e.Version, formatTime(e.UpdatedAt),
	}, nil
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	args = append([]any{e.ID}, args...)
	args = append(args, formatTime(e.CreatedAt))
	_, err = tx.ExecContext(ctx, `INSERT INTO sop_executions(id,project_id,actor_id,status,current_step_id,current_step_position,total_steps,completed_steps,progress,started_at,paused_at,completed_at,failed_at,cancelled_at,estimated_completion,actual_duration,escalation_level,retry_count,retryable,failure_reason,step_results_json,metadata_json,version,updated_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM sop_executions WHERE id=?`, id))
}

func (r Repo) GetExecutionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM sop_executions WHERE id=?`, id))
}

// UpdateExecutionTx is a compare-and-swap on version. e.Version must already
// hold expectedVersion+1.
func (r Repo) UpdateExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution, expectedVersion int64) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	args = append(args, e.ID, expectedVersion)
	res, err := tx.ExecContext(ctx, `UPDATE sop_executions SET project_id=?, actor_id=?, status=?, current_step_id=?, current_step_position=?, total_steps=?, completed_steps=?, progress=?, started_at=?, paused_at=?, completed_at=?, failed_at=?, cancelled_at=?, estimated_completion=?, actual_duration=?, escalation_level=?, retry_count=?, retryable=?, failure_reason=?, step_results_json=?, metadata_json=?, version=?, updated_at=? WHERE id=? AND version=?`, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return r.checkConditional(ctx, tx, res, "sop_executions", e.ID)
}

type ExecutionFilters struct {
	ProjectID string
	Status    string
	ActorID   string
	Limit     int
	// Cursor is "started_at|id" of the last row of the previous page.
	Cursor string
}

// ListExecutions pages executions by started_at then id, newest first.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, string, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor != "" {
		ts, id, err := parseCompositeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		clauses = append(clauses, "(COALESCE(started_at,'') < ? OR (COALESCE(started_at,'') = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit+1)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM sop_executions `+where+` ORDER BY COALESCE(started_at,'') DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, "", err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) > limit {
		res = res[:limit]
		last := res[len(res)-1]
		ts := ""
		if last.StartedAt != nil {
			ts = formatTime(*last.StartedAt)
		}
		next = composeCursor(ts, last.ID)
	}
	return res, next, nil
}

// CountActiveExecutionsTx counts executions of a project that are not terminal.
func (r Repo) CountActiveExecutionsTx(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	active := domain.ActiveExecutionStatuses()
	args := []any{projectID}
	marks := make([]string, len(active))
	for i, s := range active {
		marks[i] = "?"
		args = append(args, string(s))
	}
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sop_executions WHERE project_id=? AND status IN (`+strings.Join(marks, ",")+`)`, args...).Scan(&n)
	return n, err
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w %q", ErrInvalidCursor, cursor)
	}
	return ts, id, nil
}
