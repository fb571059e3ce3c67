// Package audit appends immutable audit rows inside the caller's transaction
// and checks the per-entity hash chain they form.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sopline/internal/domain"
	"sopline/internal/repo"
)

type Recorder struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Links are the weak references stored with a row.
type Links struct {
	ProjectID   string
	StepID      string
	ExecutionID string
}

type Entry struct {
	EntityType  domain.EntityType
	EntityID    string
	Action      string
	ActorID     string
	Links       Links
	Before      any
	After       any
	Description string
	Client      domain.ClientMeta
}

func (e Entry) validate() error {
	if !e.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", e.EntityType)
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return errors.New("entity id is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.ActorID) == "" {
		return errors.New("actor id is required")
	}
	return nil
}

// Record appends one row. The created_at of the new row is never earlier than
// the previous row of the same entity, and its hash chains to that row.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditLog, error) {
	if err := e.validate(); err != nil {
		return domain.AuditLog{}, err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	before, err := snapshot(e.Before)
	if err != nil {
		return domain.AuditLog{}, fmt.Errorf("marshal before snapshot: %w", err)
	}
	after, err := snapshot(e.After)
	if err != nil {
		return domain.AuditLog{}, fmt.Errorf("marshal after snapshot: %w", err)
	}
	row := domain.AuditLog{
		ID:          uuid.NewString(),
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Action:      e.Action,
		ActorID:     e.ActorID,
		ProjectID:   optional(e.Links.ProjectID),
		StepID:      optional(e.Links.StepID),
		ExecutionID: optional(e.Links.ExecutionID),
		Before:      before,
		After:       after,
		Description: e.Description,
		IPAddress:   e.Client.IPAddress,
		UserAgent:   e.Client.UserAgent,
		CreatedAt:   now().UTC(),
	}
	prev, err := r.Repo.LastAuditForEntityTx(ctx, tx, e.EntityType, e.EntityID)
	switch {
	case err == nil:
		row.PrevHash = prev.IntegrityHash
		if row.CreatedAt.Before(prev.CreatedAt) {
			row.CreatedAt = prev.CreatedAt
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.AuditLog{}, fmt.Errorf("read previous audit row: %w", err)
	}
	row.IntegrityHash, err = ComputeIntegritySHA256(row)
	if err != nil {
		return domain.AuditLog{}, err
	}
	seq, err := r.Repo.InsertAuditLogTx(ctx, tx, row)
	if err != nil {
		return domain.AuditLog{}, err
	}
	row.Seq = seq
	return row, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ComputeIntegritySHA256 hashes the immutable content of a row together with
// the previous hash of its entity. Weak links are excluded because deletes of
// the referenced rows clear them.
func ComputeIntegritySHA256(a domain.AuditLog) (string, error) {
	type integrityInput struct {
		PrevHash    string          `json:"prev_hash"`
		ID          string          `json:"id"`
		EntityType  string          `json:"entity_type"`
		EntityID    string          `json:"entity_id"`
		Action      string          `json:"action"`
		ActorID     string          `json:"actor_id"`
		Before      json.RawMessage `json:"before,omitempty"`
		After       json.RawMessage `json:"after,omitempty"`
		Description string          `json:"description,omitempty"`
		IPAddress   string          `json:"ip_address,omitempty"`
		UserAgent   string          `json:"user_agent,omitempty"`
		CreatedAt   string          `json:"created_at"`
	}
	in := integrityInput{
		PrevHash:    a.PrevHash,
		ID:          a.ID,
		EntityType:  string(a.EntityType),
		EntityID:    a.EntityID,
		Action:      a.Action,
		ActorID:     a.ActorID,
		Before:      a.Before,
		After:       a.After,
		Description: a.Description,
		IPAddress:   a.IPAddress,
		UserAgent:   a.UserAgent,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// ChainReport is the result of verifying one entity's history.
type ChainReport struct {
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Entries    int               `json:"entries"`
	Valid      bool              `json:"valid"`
	// BrokenAt is the id of the first row whose hash or link does not match.
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes the chain of rows given in append order.
func Verify(chain []domain.AuditLog) ChainReport {
	rep := ChainReport{Entries: len(chain), Valid: true}
	if len(chain) > 0 {
		rep.EntityType = chain[0].EntityType
		rep.EntityID = chain[0].EntityID
	}
	prevHash := ""
	var prevAt time.Time
	for i, a := range chain {
		if a.PrevHash != prevHash {
			return broken(rep, a.ID, "previous hash does not match")
		}
		if i > 0 && a.CreatedAt.Before(prevAt) {
			return broken(rep, a.ID, "created_at goes backwards")
		}
		sum, err := ComputeIntegritySHA256(a)
		if err != nil || sum != a.IntegrityHash {
			return broken(rep, a.ID, "integrity hash does not match")
		}
		prevHash = a.IntegrityHash
		prevAt = a.CreatedAt
	}
	return rep
}

func broken(rep ChainReport, id, reason string) ChainReport {
	rep.Valid = false
	rep.BrokenAt = id
	rep.Reason = reason
	return rep
}

// VerifyChain loads and verifies an entity's history.
func (r Recorder) VerifyChain(ctx context.Context, entityType domain.EntityType, entityID string) (ChainReport, error) {
	chain, err := r.Repo.AuditChain(ctx, entityType, entityID)
	if err != nil {
		return ChainReport{}, err
	}
	rep := Verify(chain)
	rep.EntityType = entityType
	rep.EntityID = entityID
	return rep, nil
}
