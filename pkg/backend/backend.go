// Package backend implements the JSON-RPC Backend Proxy (§4.7): the sole
// path by which the gateway talks to the upstream blockchain daemon,
// wrapped by the circuit breaker and bounded by per-attempt retries.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"rpcgate/pkg/breaker"
	"rpcgate/pkg/models"
)

// ErrorKind enumerates the outcomes distinct from a successful result
// (§4.7's contract set).
type ErrorKind string

const (
	ErrConnect            ErrorKind = "connect_error"
	ErrTimeout            ErrorKind = "timeout"
	ErrBackendCode        ErrorKind = "backend_error_code"
	ErrMalformedResponse  ErrorKind = "malformed_response"
	ErrBackendUnavailable ErrorKind = "backend_unavailable"
)

// Error is the Backend Proxy's typed failure.
type Error struct {
	Kind       ErrorKind
	RPCError   *models.JSONRPCError // populated only for ErrBackendCode
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("backend: %s: %v", e.Kind, e.underlying)
	}
	return fmt.Sprintf("backend: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.underlying }

// retryable reports whether this kind is eligible for another attempt —
// only connect_error and timeout; a backend_error_code means the backend
// already executed (or intentionally refused) the call, so retrying it
// could double-submit a mutating method (§4.7).
func (e *Error) retryable() bool {
	return e.Kind == ErrConnect || e.Kind == ErrTimeout
}

// Config holds the proxy's tunables.
type Config struct {
	URL             string
	PerAttemptTimeout time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
}

// Proxy sends JSON-RPC requests to the backend daemon, gated by a circuit
// breaker (§4.6: "the breaker is the single chokepoint; every backend call
// is wrapped").
type Proxy struct {
	cfg     Config
	client  *http.Client
	breaker *breaker.Breaker
}

func New(cfg Config, client *http.Client, br *breaker.Breaker) *Proxy {
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = 5 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Proxy{cfg: cfg, client: client, breaker: br}
}

// Call sends one JSON-RPC method call through the breaker, retrying only on
// connect_error/timeout, up to cfg.MaxRetries additional attempts with
// exponential backoff. It returns only the backend's result; callerID is not
// used here, and the HTTP layer echoes the caller's own id in the envelope it
// writes. The id sent to the backend is local to this call (§4.7's
// deduplication note).
func (p *Proxy) Call(ctx context.Context, method string, params json.RawMessage, callerID json.RawMessage) (json.RawMessage, *Error) {
	permit, permitErr := p.breaker.Allow()
	if permitErr != nil {
		return nil, &Error{Kind: ErrBackendUnavailable, underlying: permitErr}
	}

	result, err := p.callWithRetries(ctx, method, params)
	if err != nil {
		if err.Kind == ErrBackendCode {
			// The backend executed the call; this is not a breaker-relevant
			// failure of the backend's availability.
			permit.Success()
		} else {
			permit.Failure()
		}
		return nil, err
	}
	permit.Success()
	return result, nil
}

func (p *Proxy) callWithRetries(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *Error) {
	var lastErr *Error
	attempts := p.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := p.attempt(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !err.retryable() || attempt == attempts-1 {
			return nil, err
		}
		backoff := time.Duration(float64(p.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, &Error{Kind: ErrTimeout, underlying: ctx.Err()}
		}
	}
	return nil, lastErr
}

func (p *Proxy) attempt(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PerAttemptTimeout)
	defer cancel()

	reqBody, err := json.Marshal(models.JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      json.RawMessage(`1`),
	})
	if err != nil {
		return nil, &Error{Kind: ErrMalformedResponse, underlying: err}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &Error{Kind: ErrConnect, underlying: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: ErrTimeout, underlying: err}
		}
		return nil, &Error{Kind: ErrConnect, underlying: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrMalformedResponse, underlying: err}
	}

	var envelope models.JSONRPCResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, &Error{Kind: ErrMalformedResponse, underlying: err}
	}
	if envelope.Error != nil {
		return nil, &Error{Kind: ErrBackendCode, RPCError: envelope.Error}
	}
	return envelope.Result, nil
}
