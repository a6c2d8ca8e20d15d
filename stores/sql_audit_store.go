package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permguard"
)

var _ permguard.AuditSink = (*SQLAuditSink)(nil)

// SQLAuditSink persists audit entries in SQL (squealx).
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

// Append inserts entry. A retried append of an already stored id is a no-op.
func (s *SQLAuditSink) Append(ctx context.Context, entry *permguard.AuditEntry) error {
	ctxJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("encode audit context: %w", err)
	}
	q := `INSERT INTO audit_log(id, timestamp, action, actor_id, company_id, context_json)
VALUES(:id, :timestamp, :action, :actor_id, :company_id, :context_json) ON CONFLICT(id) DO NOTHING`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":           entry.ID,
		"timestamp":    formatTime(entry.Timestamp),
		"action":       string(entry.Action),
		"actor_id":     entry.ActorID,
		"company_id":   entry.CompanyID,
		"context_json": string(ctxJSON),
	})
	return err
}

// Query returns matching entries in timestamp order, at most 100 unless
// the filter says otherwise.
func (s *SQLAuditSink) Query(ctx context.Context, filter permguard.AuditFilter) ([]*permguard.AuditEntry, error) {
	q := `SELECT id, timestamp, action, actor_id, company_id, context_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.ActorID != "" {
		q += " AND actor_id = :actor_id"
		params["actor_id"] = filter.ActorID
	}
	if filter.CompanyID != "" {
		q += " AND company_id = :company_id"
		params["company_id"] = filter.CompanyID
	}
	if len(filter.Actions) == 1 {
		q += " AND action = :action"
		params["action"] = string(filter.Actions[0])
	}
	if !filter.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = formatTime(filter.Since)
	}
	if !filter.Until.IsZero() {
		q += " AND timestamp < :until"
		params["until"] = formatTime(filter.Until)
	}
	q += " ORDER BY timestamp, id"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(filter.Actions) <= 1 {
		q += " LIMIT :limit"
		params["limit"] = limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permguard.AuditEntry, 0)
	for r.Next() {
		var id, action, actor, company, ctxJSON string
		var tsRaw any
		if err := r.Scan(&id, &tsRaw, &action, &actor, &company, &ctxJSON); err != nil {
			return nil, err
		}
		entry := &permguard.AuditEntry{
			ID:        id,
			Action:    permguard.AuditAction(action),
			ActorID:   actor,
			CompanyID: company,
			Timestamp: scanTime(tsRaw),
		}
		// several actions are filtered here rather than in SQL
		if len(filter.Actions) > 1 && !filter.Match(entry) {
			continue
		}
		if ctxJSON != "" && ctxJSON != "null" {
			if err := json.Unmarshal([]byte(ctxJSON), &entry.Context); err != nil {
				return nil, fmt.Errorf("audit %q context: %w", id, err)
			}
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, r.Err()
}

// PurgeBefore deletes the company's entries older than cutoff.
func (s *SQLAuditSink) PurgeBefore(ctx context.Context, companyID string, cutoff time.Time) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM audit_log WHERE company_id = :company_id AND timestamp < :cutoff`,
		map[string]any{"company_id": companyID, "cutoff": formatTime(cutoff)})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
