// Package audit persists a durable trail of security-relevant admission
// events (authentication/authorization failures, rate-limit denials,
// backend-degraded markers) so an operator can reconstruct why a given
// caller was refused, independent of the in-memory orchestrator.EventSink
// fan-out used for live dashboards.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists Records to Postgres, optionally redacting the caller
// address and raw params before they hit disk.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one admission-pipeline event, mirroring orchestrator.Event plus
// the fields needed for a standalone audit trail (request id, raw params for
// forensic replay).
type Record struct {
	RequestID     string
	CallerAddress string
	Method        string
	Code          string
	Reason        string
	ParamsRaw     json.RawMessage
	CreatedAt     time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(request_id, caller_address, method, code, reason, params_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.RequestID, rec.CallerAddress, rec.Method, rec.Code, rec.Reason, rec.ParamsRaw, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, caller_address, method, code, reason, params_raw, created_at
		FROM audit_records WHERE request_id=$1
	`, requestID)
	if err := row.Scan(&rec.RequestID, &rec.CallerAddress, &rec.Method, &rec.Code, &rec.Reason, &rec.ParamsRaw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// ListByCaller returns the most recent events recorded for callerAddress,
// newest first, for the admin "why was this caller refused" lookup.
func (w *Writer) ListByCaller(ctx context.Context, callerAddress string, limit int) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT request_id, caller_address, method, code, reason, params_raw, created_at
		FROM audit_records WHERE caller_address=$1
		ORDER BY created_at DESC LIMIT $2
	`, callerAddress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RequestID, &rec.CallerAddress, &rec.Method, &rec.Code, &rec.Reason, &rec.ParamsRaw, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
