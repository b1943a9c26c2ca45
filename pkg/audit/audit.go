package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Record is one admission event: a denial by any gate, or a decision
// citation accepted on a governed mutation.
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Code       string    `json:"code,omitempty"`
	CallerKey  string    `json:"caller_key,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Entity     string    `json:"entity,omitempty"`
	Action     string    `json:"action,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	KindRateLimited      = "rate_limited"
	KindAuthRejected     = "auth_rejected"
	KindDecisionRequired = "decision_required"
	KindDecisionCited    = "decision_cited"
)

// Writer appends admission records. With HashSalt set, caller keys are
// stored as salted hashes so the trail carries no raw identities.
type Writer struct {
	DB       auditDB
	HashSalt []byte
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if len(w.HashSalt) > 0 && rec.CallerKey != "" {
		rec.CallerKey = hashString(rec.CallerKey, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admission_audit
		(id, kind, code, caller_key, method, path, entity, action, decision_id, retry_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.Kind, rec.Code, rec.CallerKey, rec.Method, rec.Path, rec.Entity, rec.Action, rec.DecisionID, rec.RetryAfter, rec.CreatedAt)
	return err
}

// Recent returns the newest records for the ops view.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, kind, code, caller_key, method, path, entity, action, decision_id, retry_after, created_at
		FROM admission_audit ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Code, &rec.CallerKey, &rec.Method, &rec.Path, &rec.Entity, &rec.Action, &rec.DecisionID, &rec.RetryAfter, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
