package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"sopline/internal/domain"
)

const auditColumns = `seq,id,entity_type,entity_id,action,actor_id,project_id,step_id,execution_id,before_json,after_json,description,ip_address,user_agent,prev_hash,integrity_hash,created_at`

func scanAudit(row rowScanner) (domain.AuditLog, error) {
	var a domain.AuditLog
	var entityType, createdAt string
	var project, step, execution, before, after, desc, ip, ua, prev sql.NullString
	err := row.Scan(&a.Seq, &a.ID, &entityType, &a.EntityID, &a.Action, &a.ActorID, &project, &step, &execution,
		&before, &after, &desc, &ip, &ua, &prev, &a.IntegrityHash, &createdAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.EntityType = domain.EntityType(entityType)
	a.ProjectID = stringPtrFromNull(project)
	a.StepID = stringPtrFromNull(step)
	a.ExecutionID = stringPtrFromNull(execution)
	a.Before = rawFromNull(before)
	a.After = rawFromNull(after)
	a.Description = desc.String
	a.IPAddress = ip.String
	a.UserAgent = ua.String
	a.PrevHash = prev.String
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	return a, nil
}

// InsertAuditLogTx appends a row and returns its sequence number.
func (r Repo) InsertAuditLogTx(ctx context.Context, tx *sql.Tx, a domain.AuditLog) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO sop_audit_logs(id,entity_type,entity_id,action,actor_id,project_id,step_id,execution_id,before_json,after_json,description,ip_address,user_agent,prev_hash,integrity_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.EntityType), a.EntityID, a.Action, a.ActorID, nullableStringPtr(a.ProjectID), nullableStringPtr(a.StepID),
		nullableStringPtr(a.ExecutionID), nullableRaw(a.Before), nullableRaw(a.After), nullable(a.Description), nullable(a.IPAddress),
		nullable(a.UserAgent), nullable(a.PrevHash), a.IntegrityHash, formatTime(a.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert audit log: %w", err)
	}
	return res.LastInsertId()
}

// LastAuditForEntityTx returns the newest row of an entity's history.
func (r Repo) LastAuditForEntityTx(ctx context.Context, tx *sql.Tx, entityType domain.EntityType, entityID string) (domain.AuditLog, error) {
	return scanAudit(tx.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM sop_audit_logs WHERE entity_type=? AND entity_id=? ORDER BY seq DESC LIMIT 1`,
		string(entityType), entityID))
}

type AuditFilters struct {
	EntityType domain.EntityType
	EntityID   string
	ProjectID  string
	Limit      int
	// Cursor is "created_at|seq" of the last row of the previous page.
	Cursor string
}

// ListAuditLogs returns history oldest first, ordered by created_at then seq.
// The returned cursor is empty on the last page.
func (r Repo) ListAuditLogs(ctx context.Context, f AuditFilters) ([]domain.AuditLog, string, error) {
	var clauses []string
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Cursor != "" {
		ts, seqStr, err := parseCompositeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("%w %q", ErrInvalidCursor, f.Cursor)
		}
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND seq > ?))")
		args = append(args, ts, ts, seq)
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
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM sop_audit_logs `+where+` ORDER BY created_at ASC, seq ASC LIMIT ?`, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var res []domain.AuditLog
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, "", err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) > limit {
		res = res[:limit]
		last := res[len(res)-1]
		next = composeCursor(formatTime(last.CreatedAt), strconv.FormatInt(last.Seq, 10))
	}
	return res, next, nil
}

// AuditChain returns an entity's full history in append order.
func (r Repo) AuditChain(ctx context.Context, entityType domain.EntityType, entityID string) ([]domain.AuditLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM sop_audit_logs WHERE entity_type=? AND entity_id=? ORDER BY seq ASC`,
		string(entityType), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLog
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
