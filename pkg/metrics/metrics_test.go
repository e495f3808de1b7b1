package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncCode("rate_limited")
	r.IncCode("rate_limited")
	r.IncReason("bucket_exhausted")
	r.SetGauge("payment_pending", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Codes["rate_limited"] != 2 {
		t.Fatalf("expected rate_limited=2 got=%d", snap.Codes["rate_limited"])
	}
	if snap.Reasons["bucket_exhausted"] != 1 {
		t.Fatalf("expected bucket_exhausted=1 got=%d", snap.Reasons["bucket_exhausted"])
	}
	if snap.Gauges["payment_pending"] != 3 {
		t.Fatalf("expected gauge payment_pending=3 got=%v", snap.Gauges["payment_pending"])
	}
}

func TestRegistryBreakerAndPaymentAndBackendCounters(t *testing.T) {
	r := NewRegistry()
	r.IncBreakerState("open")
	r.IncBreakerState("open")
	r.IncPaymentState("finalized")
	r.AddPaymentState("confirmed_once", 3)
	r.IncBackendRequests()
	r.ObserveBackendLatency(25 * time.Millisecond)
	r.IncCodeReason("authentication_failed", "revoked")

	snap := r.Snapshot()
	if snap.BreakerTotals["open"] != 2 {
		t.Fatalf("expected breaker open=2 got=%d", snap.BreakerTotals["open"])
	}
	if snap.PaymentTotals["finalized"] != 1 || snap.PaymentTotals["confirmed_once"] != 3 {
		t.Fatalf("unexpected payment totals: %#v", snap.PaymentTotals)
	}
	if snap.BackendRequests != 1 {
		t.Fatalf("expected backend_requests=1 got=%d", snap.BackendRequests)
	}
	if snap.BackendLatencyMS.Count != 1 || snap.BackendLatencyMS.LastMS != 25 {
		t.Fatalf("unexpected backend latency stat: %#v", snap.BackendLatencyMS)
	}
	if snap.CodeReason["authentication_failed|revoked"] != 1 {
		t.Fatalf("expected code_reason entry, got %#v", snap.CodeReason)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /token/issue", 200, 12*time.Millisecond)
	r.Observe("POST /token/issue", 500, 20*time.Millisecond)
	r.IncCode("rate_limited")
	r.IncReason("bucket_exhausted")
	r.SetGauge("payment_pending", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "gateway_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, `gateway_code_total{code="rate_limited"} 1`) {
		t.Fatalf("missing code metric: %s", body)
	}
	if !strings.Contains(body, `gateway_gauge{name="payment_pending"} 7.000`) {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncCode("")
	r.IncReason("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
