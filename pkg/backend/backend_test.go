package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rpcgate/pkg/breaker"
)

func newTestProxy(t *testing.T, url string) *Proxy {
	t.Helper()
	br := breaker.New(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Hour})
	return New(Config{URL: url, PerAttemptTimeout: time.Second, MaxRetries: 2, InitialBackoff: time.Millisecond}, http.DefaultClient, br)
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","result":{"blocks":100},"id":1}`))
	}))
	defer srv.Close()

	p := newTestProxy(t, srv.URL)
	result, err := p.Call(context.Background(), "getblockchaininfo", nil, json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]int
	if jerr := json.Unmarshal(result, &v); jerr != nil || v["blocks"] != 100 {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestCallBackendErrorCodeNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-8,"message":"bad params"},"id":1}`))
	}))
	defer srv.Close()

	p := newTestProxy(t, srv.URL)
	_, err := p.Call(context.Background(), "getblock", nil, json.RawMessage(`1`))
	if err == nil || err.Kind != ErrBackendCode {
		t.Fatalf("expected ErrBackendCode, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call (no retry on backend_error_code), got %d", got)
	}
}

func TestCallConnectErrorIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.Write([]byte(`{"jsonrpc":"2.0","result":"ok","id":1}`))
	}))
	defer srv.Close()

	p := newTestProxy(t, srv.URL)
	result, err := p.Call(context.Background(), "getinfo", nil, json.RawMessage(`1`))
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	var s string
	json.Unmarshal(result, &s)
	if s != "ok" {
		t.Fatalf("unexpected result %s", result)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCallMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	p := newTestProxy(t, srv.URL)
	_, err := p.Call(context.Background(), "getinfo", nil, json.RawMessage(`1`))
	if err == nil || err.Kind != ErrMalformedResponse {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestCallOpenBreakerFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","result":"ok","id":1}`))
	}))
	defer srv.Close()

	br := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	p := New(Config{URL: srv.URL, PerAttemptTimeout: time.Second, MaxRetries: 0}, http.DefaultClient, br)
	br.Reset()
	permit, _ := br.Allow()
	permit.Failure() // trip it directly

	_, err := p.Call(context.Background(), "getinfo", nil, json.RawMessage(`1`))
	if err == nil || err.Kind != ErrBackendUnavailable {
		t.Fatalf("expected ErrBackendUnavailable while breaker open, got %v", err)
	}
}
