package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oarkflow/permguard"
)

const pgErrUniqueViolation = "23505"

var _ permguard.AuditSink = (*PostgresAuditSink)(nil)

// PostgresAuditSink appends audit entries to a Postgres audit_log table
// with a jsonb context column.
type PostgresAuditSink struct {
	db *sql.DB
}

// OpenPostgresAuditSink connects through the pgx database/sql driver.
func OpenPostgresAuditSink(dsn string) (*PostgresAuditSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	return &PostgresAuditSink{db: db}, nil
}

func NewPostgresAuditSink(db *sql.DB) *PostgresAuditSink {
	return &PostgresAuditSink{db: db}
}

func (s *PostgresAuditSink) Close() error { return s.db.Close() }

// EnsureSchema creates the audit table when missing.
func (s *PostgresAuditSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		create table if not exists audit_log (
			id text primary key,
			ts timestamptz not null,
			action text not null,
			actor_id text not null,
			company_id text not null default '',
			context jsonb not null default '{}'::jsonb
		);
		create index if not exists audit_log_company_ts on audit_log (company_id, ts)
	`)
	return err
}

func (s *PostgresAuditSink) Append(ctx context.Context, entry *permguard.AuditEntry) error {
	ctxJSON := []byte("{}")
	if len(entry.Context) > 0 {
		b, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("encode audit context: %w", err)
		}
		ctxJSON = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, ts, action, actor_id, company_id, context)
		values ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Timestamp.UTC(), string(entry.Action), entry.ActorID, entry.CompanyID, ctxJSON)
	if err != nil {
		// a retry after a lost ack lands here; the row is already stored
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil
		}
		return err
	}
	return nil
}

// PurgeBefore deletes the company's entries older than cutoff.
func (s *PostgresAuditSink) PurgeBefore(ctx context.Context, companyID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_log where company_id = $1 and ts < $2`, companyID, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpired applies each company's retention setting. Companies without
// a retention period are left alone.
func (s *PostgresAuditSink) PurgeExpired(ctx context.Context, companies []*permguard.Company, now time.Time) (int64, error) {
	var total int64
	for _, c := range companies {
		cutoff, ok := permguard.RetentionCutoff(c, now)
		if !ok {
			continue
		}
		n, err := s.PurgeBefore(ctx, c.ID, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", c.ID, err)
		}
		total += n
	}
	return total, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
