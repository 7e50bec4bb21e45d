package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one security-relevant event.
type AuditEntry struct {
	Action    string
	UserID    string
	SessionID string
	IP        string
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// AuditSink records audit entries. Implementations must not fail the request:
// errors are logged and dropped.
type AuditSink interface {
	Record(ctx context.Context, e AuditEntry)
}

// LogAudit writes audit entries to the structured logger. It is the sink used
// when no database is configured.
type LogAudit struct {
	Log *slog.Logger
}

func (a LogAudit) Record(_ context.Context, e AuditEntry) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("auth.audit",
		"action", e.Action,
		"user_id", e.UserID,
		"session_id", e.SessionID,
		"ip", e.IP,
		"meta", e.Meta,
	)
}

var auditSchemaRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresAudit inserts audit entries into <schema>.audit_log.
type PostgresAudit struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
}

// NewPostgresAudit returns a sink writing to schema.audit_log.
func NewPostgresAudit(pool *pgxpool.Pool, schema string, log *slog.Logger) (*PostgresAudit, error) {
	if pool == nil {
		return nil, errors.New("authapi: nil db pool")
	}
	if !auditSchemaRe.MatchString(schema) {
		return nil, errors.New("authapi: invalid audit schema name")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresAudit{pool: pool, schema: schema, log: log}, nil
}

func (a *PostgresAudit) Record(ctx context.Context, e AuditEntry) {
	action := strings.TrimSpace(e.Action)
	if action == "" {
		return
	}

	var metaVal *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.schema+`.audit_log (
			user_id, session_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5::inet, $6, $7::jsonb)
	`, trimOrNil(e.UserID), trimOrNil(e.SessionID), action, e.At, trimOrNil(e.IP), trimOrNil(e.UserAgent), metaVal)
	if err != nil {
		a.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

func (h *Handler) audit(ctx context.Context, action string, e AuditEntry) {
	if h == nil || h.audits == nil {
		return
	}
	e.Action = action
	if e.At.IsZero() {
		e.At = h.now().UTC()
	}
	h.audits.Record(ctx, e)
}
