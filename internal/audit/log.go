// Package audit journals security-relevant actions: logins, logouts and
// report submissions. The trail is append-only and independent of the report
// ledger. Session signatures are random per-call tags for human traceability,
// not cryptographic non-repudiation.
package audit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sitesnap-evidence/internal/models"
)

// Log appends to and reads the audit trail.
type Log struct {
	pool *pgxpool.Pool
}

// New builds the trail over a shared Postgres pool.
func New(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Record appends one event. It is best-effort by contract: a storage failure
// is logged and swallowed so auditing never blocks the action being audited.
func (l *Log) Record(ctx context.Context, actor string, role models.Role, event string) {
	if l == nil || l.pool == nil {
		return
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO audit_events (ts, actor, role, event, session_sig)
		VALUES ($1, $2, $3, $4, $5)
	`, time.Now().UTC(), actor, string(role), event, sessionSignature())
	if err != nil {
		log.Printf("audit append failed (event dropped): actor=%s event=%q err=%v", actor, event, err)
	}
}

// Query returns events newest-first for operator review.
func (l *Log) Query(ctx context.Context) ([]models.AuditEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT ts, actor, role, event, session_sig
		FROM audit_events ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var role string
		if err := rows.Scan(&ev.Timestamp, &ev.Actor, &role, &ev.Event, &ev.SessionSig); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Role = models.Role(role)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

// sessionSignature mints the per-call SESSION-XXXX tag.
func sessionSignature() string {
	return "SESSION-" + strings.ToUpper(uuid.NewString()[:4])
}
