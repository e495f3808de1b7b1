package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"rpcgate/pkg/auth"
	"rpcgate/pkg/backend"
	"rpcgate/pkg/breaker"
	"rpcgate/pkg/cache"
	"rpcgate/pkg/gatewayerr"
	"rpcgate/pkg/models"
	"rpcgate/pkg/ratelimit"
	"rpcgate/pkg/registry"
	"rpcgate/pkg/secctx"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(e Event) { s.events = append(s.events, e) }

func newTestRequest(remoteAddr, bearer string) *http.Request {
	r := &http.Request{Header: http.Header{}, RemoteAddr: remoteAddr, URL: &url.URL{}}
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func newCountingBackend(t *testing.T, handler func(calls int32) string) (*backend.Proxy, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Write([]byte(handler(n)))
	}))
	t.Cleanup(srv.Close)
	br := breaker.New(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Hour})
	return backend.New(backend.Config{URL: srv.URL, PerAttemptTimeout: time.Second, MaxRetries: 0}, http.DefaultClient, br), &calls
}

func newFailingBackend(t *testing.T, failureThreshold int) *backend.Proxy {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	br := breaker.New(breaker.Config{FailureThreshold: failureThreshold, RecoveryTimeout: time.Hour})
	return backend.New(backend.Config{URL: srv.URL, PerAttemptTimeout: time.Second, MaxRetries: 0}, http.DefaultClient, br)
}

func baseOrchestrator(t *testing.T, be *backend.Proxy, defs ...models.MethodDefinition) (*Orchestrator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	o := New(
		secctx.New(nil, false),
		auth.New("test-secret", "rpcgate", "rpcgate-clients", nil),
		registry.New(defs...),
		ratelimit.NewInMemory(),
		cache.New(1<<20),
		be,
		sink,
		Config{DefaultCapacity: 100, DefaultRefillPerSecond: 100},
	)
	return o, sink
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	be, _ := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":1,"id":1}` })
	o, _ := baseOrchestrator(t, be)

	_, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "nope"})
	if gwErr == nil || gwErr.Code != gatewayerr.MethodNotAllowed {
		t.Fatalf("expected method_not_allowed, got %v", gwErr)
	}
}

func TestHandleCachesReadOnlyResult(t *testing.T) {
	be, calls := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":42,"id":1}` })
	def := models.MethodDefinition{Name: "getinfo", ReadOnly: true, SecurityLevel: models.SecurityPublic, Enabled: true}
	o, _ := baseOrchestrator(t, be, def)

	for i := 0; i < 2; i++ {
		result, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "getinfo"})
		if gwErr != nil {
			t.Fatalf("Handle: %v", gwErr)
		}
		if string(result) != "42" {
			t.Fatalf("unexpected result %s", result)
		}
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected exactly one backend call, got %d", atomic.LoadInt32(calls))
	}
}

func TestHandleRequiresCredentialForAuthenticatedMethod(t *testing.T) {
	be, _ := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":1,"id":1}` })
	def := models.MethodDefinition{Name: "dosomething", SecurityLevel: models.SecurityAuthenticated, Enabled: true}
	o, sink := baseOrchestrator(t, be, def)

	_, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "dosomething"})
	if gwErr == nil || gwErr.Code != gatewayerr.AuthenticationFail {
		t.Fatalf("expected authentication_failed, got %v", gwErr)
	}
	if len(sink.events) != 1 || sink.events[0].Type != "authentication_failed" {
		t.Fatalf("expected an authentication_failed event, got %v", sink.events)
	}
}

func TestHandleRejectsMissingPermission(t *testing.T) {
	be, _ := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":1,"id":1}` })
	def := models.MethodDefinition{Name: "dosomething", SecurityLevel: models.SecurityAuthenticated, RequiredPermissions: []string{"write"}, Enabled: true}
	signer := auth.New("test-secret", "rpcgate", "rpcgate-clients", nil)
	o := mustOrchestrator(t, be, signer, def)

	token, err := signer.Sign(models.BearerCredential{
		Subject: "caller-1", CredentialID: "cred-1",
		IssuedAt: time.Now(), NotBefore: time.Now().Add(-time.Minute), ExpiresAt: time.Now().Add(time.Hour),
		Permissions: []string{"read"},
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", token), models.JSONRPCRequest{Method: "dosomething"})
	if gwErr == nil || gwErr.Code != gatewayerr.AuthorizationFail {
		t.Fatalf("expected authorization_failed, got %v", gwErr)
	}
}

func mustOrchestrator(t *testing.T, be *backend.Proxy, signer *auth.Authenticator, defs ...models.MethodDefinition) *Orchestrator {
	t.Helper()
	return New(
		secctx.New(nil, false),
		signer,
		registry.New(defs...),
		ratelimit.NewInMemory(),
		cache.New(1<<20),
		be,
		&recordingSink{},
		Config{DefaultCapacity: 100, DefaultRefillPerSecond: 100},
	)
}

func TestHandleValidatesParams(t *testing.T) {
	be, _ := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":1,"id":1}` })
	def := models.MethodDefinition{
		Name: "echo", ReadOnly: true, SecurityLevel: models.SecurityPublic, Enabled: true,
		Params: []models.ParameterRule{{Index: 0, Name: "value", ParamType: models.ParamString, Required: true}},
	}
	o, _ := baseOrchestrator(t, be, def)

	_, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "echo", Params: json.RawMessage(`[]`)})
	if gwErr == nil || gwErr.Code != gatewayerr.InvalidParameters {
		t.Fatalf("expected invalid_parameters, got %v", gwErr)
	}
}

func TestHandleRateLimitsCaller(t *testing.T) {
	be, _ := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":1,"id":1}` })
	def := models.MethodDefinition{Name: "getinfo", ReadOnly: true, SecurityLevel: models.SecurityPublic, Enabled: true}
	o := New(
		secctx.New(nil, false),
		auth.New("test-secret", "rpcgate", "rpcgate-clients", nil),
		registry.New(def),
		ratelimit.NewInMemory(),
		cache.New(1<<20),
		be,
		&recordingSink{},
		Config{DefaultCapacity: 1, DefaultRefillPerSecond: 0},
	)

	if _, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "getinfo"}); gwErr != nil {
		t.Fatalf("first call: %v", gwErr)
	}
	_, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "getinfo"})
	if gwErr == nil || gwErr.Code != gatewayerr.RateLimited {
		t.Fatalf("expected rate_limited on second call, got %v", gwErr)
	}
}

func TestHandleDegradedCacheFallbackOnBreakerOpen(t *testing.T) {
	def := models.MethodDefinition{Name: "getinfo", ReadOnly: true, SecurityLevel: models.SecurityPublic, Enabled: true}
	be, calls := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":99,"id":1}` })
	c := cache.New(1 << 20)
	o := New(
		secctx.New(nil, false),
		auth.New("test-secret", "rpcgate", "rpcgate-clients", nil),
		registry.New(def),
		ratelimit.NewInMemory(),
		c,
		be,
		&recordingSink{},
		Config{DefaultCapacity: 100, DefaultRefillPerSecond: 100, DegradedCacheFallback: true},
	)
	if _, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "getinfo"}); gwErr != nil {
		t.Fatalf("priming call: %v", gwErr)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected one priming backend call")
	}

	failing := newFailingBackend(t, 1)
	o.backend = failing
	failing.Call(context.Background(), "getinfo", nil, nil) // trip the breaker

	fp, err := models.Fingerprint("getinfo", nil)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	c.Put(fp, []byte("99"), -time.Second) // force the entry stale so it only survives via Peek

	result, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "getinfo"})
	if gwErr != nil {
		t.Fatalf("expected degraded fallback to succeed, got %v", gwErr)
	}
	if string(result) != "99" {
		t.Fatalf("expected the stale cached result, got %s", result)
	}
}

func TestHandleDevelopmentModeBypassesAuthentication(t *testing.T) {
	be, _ := newCountingBackend(t, func(int32) string { return `{"jsonrpc":"2.0","result":1,"id":1}` })
	def := models.MethodDefinition{Name: "dosomething", SecurityLevel: models.SecurityPrivileged, RequiredPermissions: []string{"admin"}, Enabled: true}
	o := New(
		secctx.New(nil, true),
		auth.New("test-secret", "rpcgate", "rpcgate-clients", nil),
		registry.New(def),
		ratelimit.NewInMemory(),
		cache.New(1<<20),
		be,
		&recordingSink{},
		Config{DefaultCapacity: 100, DefaultRefillPerSecond: 100},
	)

	_, gwErr := o.Handle(context.Background(), newTestRequest("127.0.0.1:1234", ""), models.JSONRPCRequest{Method: "dosomething"})
	if gwErr != nil {
		t.Fatalf("expected development-mode bypass to succeed without a credential, got %v", gwErr)
	}
}

func TestHandleCoalescesConcurrentCacheMisses(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"jsonrpc":"2.0","result":7,"id":1}`))
	}))
	t.Cleanup(srv.Close)
	br := breaker.New(breaker.Config{FailureThreshold: 100, RecoveryTimeout: time.Hour})
	be := backend.New(backend.Config{URL: srv.URL, PerAttemptTimeout: 10 * time.Second, MaxRetries: 0}, http.DefaultClient, br)
	def := models.MethodDefinition{Name: "getinfo", ReadOnly: true, SecurityLevel: models.SecurityPublic, Enabled: true}
	o, _ := baseOrchestrator(t, be, def)

	const concurrency = 8
	results := make(chan string, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			result, gwErr := o.Handle(context.Background(), newTestRequest("203.0.113.1:1234", ""), models.JSONRPCRequest{Method: "getinfo"})
			if gwErr != nil {
				results <- "error:" + string(gwErr.Code)
				return
			}
			results <- string(result)
		}()
	}

	time.Sleep(50 * time.Millisecond) // give every goroutine time to register as in-flight
	close(release)

	for i := 0; i < concurrency; i++ {
		if got := <-results; got != "7" {
			t.Fatalf("unexpected result %q", got)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected concurrent misses to coalesce into one backend call, got %d", got)
	}
}
