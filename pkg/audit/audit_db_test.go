package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	rowsOut   [][]any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	if f.rowErr != nil {
		return nil, f.rowErr
	}
	return &fakeAuditRows{rows: f.rowsOut}, nil
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeAuditRows struct {
	rows [][]any
	idx  int
}

func (r *fakeAuditRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeAuditRows) Scan(dest ...any) error {
	values := r.rows[r.idx-1]
	for i := range dest {
		if err := assignAuditScan(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeAuditRows) Err() error                                    { return nil }
func (r *fakeAuditRows) Close()                                        {}
func (r *fakeAuditRows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (r *fakeAuditRows) FieldDescriptions() []pgconn.FieldDescription   { return nil }
func (r *fakeAuditRows) Values() ([]any, error)                        { return nil, nil }
func (r *fakeAuditRows) RawValues() [][]byte                           { return nil }
func (r *fakeAuditRows) Conn() *pgx.Conn                               { return nil }

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	params := json.RawMessage(`{"amount":"10.00"}`)
	db := &fakeAuditDB{
		rowValues: []any{"req-1", "t1abc...", "z_sendmany", "rate_limited", "bucket_exhausted", params, now},
	}
	w := &Writer{DB: db}

	rec := Record{
		RequestID:     "req-1",
		CallerAddress: "t1abc...",
		Method:        "z_sendmany",
		Code:          "rate_limited",
		Reason:        "bucket_exhausted",
		ParamsRaw:     params,
		CreatedAt:     now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 7 {
		t.Fatalf("expected 7 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[5]); got != string(params) {
		t.Fatalf("unexpected params arg: %s", got)
	}

	got, err := w.Get(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RequestID != "req-1" || got.CallerAddress != "t1abc..." || got.Code != "rate_limited" {
		t.Fatalf("unexpected get record: %+v", got)
	}
}

func TestWriterListByCaller(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeAuditDB{
		rowsOut: [][]any{
			{"req-2", "t1abc...", "getinfo", "ok", "", json.RawMessage(`{}`), now},
			{"req-1", "t1abc...", "z_sendmany", "rate_limited", "bucket_exhausted", json.RawMessage(`{}`), now},
		},
	}
	w := &Writer{DB: db}

	recs, err := w.ListByCaller(context.Background(), "t1abc...", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].RequestID != "req-2" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestWriterRedactionAndErrors(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{
		DB:       db,
		HashSalt: []byte("salt-1"),
		Redact:   true,
	}
	params := json.RawMessage(`{"address":"t1abc...","amount":"10.00"}`)
	rec := Record{
		RequestID:     "req-1",
		CallerAddress: "t1abc...",
		Method:        "z_sendmany",
		CreatedAt:     time.Now().UTC(),
		ParamsRaw:     params,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append redacted: %v", err)
	}

	callerStored := rawArgString(db.execArgs[1])
	if callerStored == "t1abc..." {
		t.Fatalf("caller address was not redacted: %s", callerStored)
	}

	paramsStored := rawArgString(db.execArgs[5])
	if strings.Contains(paramsStored, "t1abc...") {
		t.Fatalf("params leaked into audit record: %s", paramsStored)
	}
	if !strings.Contains(paramsStored, "params_hash") {
		t.Fatalf("expected redacted params hash payload: %s", paramsStored)
	}

	db.execErr = errors.New("exec failed")
	if err := w.Append(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}

	db.rowErr = errors.New("not found")
	if _, err := w.Get(context.Background(), "req-1"); err == nil {
		t.Fatal("expected get error")
	}
}
