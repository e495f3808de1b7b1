package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects the operational counters and gauges the gateway exposes
// over /metrics and /metrics/prometheus.
type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	code            map[string]int64
	reason          map[string]int64
	gauges          map[string]float64
	codeReason      map[string]int64
	breakerState    map[string]int64
	paymentState    map[string]int64
	backendRequests int64
	backendLatency  VerifyLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// VerifyLatencyStat despite its name tracks the backend RPC round-trip
// latency the teacher's invariant-verifier latency gauge used to track.
type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Codes               map[string]int64        `json:"codes"`
	Reasons             map[string]int64        `json:"reasons"`
	Gauges              map[string]float64      `json:"gauges"`
	CodeReason          map[string]int64        `json:"code_reason"`
	BreakerTotals       map[string]int64        `json:"breaker_totals"`
	PaymentTotals       map[string]int64        `json:"payment_totals"`
	BackendRequests     int64                   `json:"backend_requests_total"`
	BackendLatencyMS    VerifyLatencyStat       `json:"backend_latency_ms"`
	Histograms          []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		code:         map[string]int64{},
		reason:       map[string]int64{},
		gauges:       map[string]float64{},
		codeReason:   map[string]int64{},
		breakerState: map[string]int64{},
		paymentState: map[string]int64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncCode counts one occurrence of a gatewayerr.Code (or "ok" for a
// successful call) reaching the HTTP layer.
func (r *Registry) IncCode(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.code[code]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncCodeReason counts a (code, reason) pair, e.g. (authentication_failed,
// expired) so an operator can tell revoked credentials apart from expired
// ones without re-deriving it from the audit trail.
func (r *Registry) IncCodeReason(code, reason string) {
	code = strings.TrimSpace(code)
	reason = strings.TrimSpace(reason)
	if code == "" {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	key := code + "|" + reason
	r.mu.Lock()
	r.codeReason[key]++
	r.mu.Unlock()
}

// ObserveBackendLatency records one backend RPC's round-trip time.
func (r *Registry) ObserveBackendLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendLatency.Count++
	r.backendLatency.TotalMS += ms
	r.backendLatency.LastMS = ms
	if ms > r.backendLatency.MaxMS {
		r.backendLatency.MaxMS = ms
	}
	r.backendLatency.AvgMS = float64(r.backendLatency.TotalMS) / float64(r.backendLatency.Count)
}

// IncBreakerState counts one observation of the circuit breaker in state.
// The gateway calls it with the breaker's current state on each
// backend_unavailable event, so counts are observations, not transitions.
func (r *Registry) IncBreakerState(state string) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.breakerState[state]++
	r.mu.Unlock()
}

// AddPaymentState adds delta to the running total of payment sessions that
// have reached state (§4.9's paymentfsm states).
func (r *Registry) AddPaymentState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.paymentState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncPaymentState(state string) {
	r.AddPaymentState(state, 1)
}

// IncBackendRequests counts one call dispatched through the backend proxy.
func (r *Registry) IncBackendRequests() {
	r.mu.Lock()
	r.backendRequests++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Codes:           make(map[string]int64, len(r.code)),
		Reasons:         make(map[string]int64, len(r.reason)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		CodeReason:      make(map[string]int64, len(r.codeReason)),
		BreakerTotals:   make(map[string]int64, len(r.breakerState)),
		PaymentTotals:   make(map[string]int64, len(r.paymentState)),
		BackendRequests: r.backendRequests,
		BackendLatencyMS: VerifyLatencyStat{
			Count:   r.backendLatency.Count,
			TotalMS: r.backendLatency.TotalMS,
			MaxMS:   r.backendLatency.MaxMS,
			LastMS:  r.backendLatency.LastMS,
			AvgMS:   r.backendLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.code {
		out.Codes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.codeReason {
		out.CodeReason[k] = v
	}
	for k, v := range r.breakerState {
		out.BreakerTotals[k] = v
	}
	for k, v := range r.paymentState {
		out.PaymentTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP gateway_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE gateway_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP gateway_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE gateway_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP gateway_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP gateway_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP gateway_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP gateway_code_total total admission outcomes by gatewayerr code\n")
		b.WriteString("# TYPE gateway_code_total counter\n")
		for _, code := range SortedKeys(snap.Codes) {
			fmt.Fprintf(b, "gateway_code_total{code=%q} %d\n", code, snap.Codes[code])
		}
		b.WriteString("# HELP gateway_reason_total total admission outcomes by reason\n")
		b.WriteString("# TYPE gateway_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "gateway_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP gateway_gauge operational gauge metrics\n")
		b.WriteString("# TYPE gateway_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "gateway_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP gateway_latency_seconds latency histogram\n")
			b.WriteString("# TYPE gateway_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "gateway_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "gateway_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gateway_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "gateway_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gateway_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "gateway_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "gateway_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP gateway_code_reason_total admission outcomes by code and reason\n")
		b.WriteString("# TYPE gateway_code_reason_total counter\n")
		for _, key := range SortedKeys(snap.CodeReason) {
			parts := strings.SplitN(key, "|", 2)
			code := parts[0]
			reason := "unknown"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "gateway_code_reason_total{code=%q,reason=%q} %d\n", code, reason, snap.CodeReason[key])
		}

		b.WriteString("# HELP gateway_backend_latency_ms backend RPC latency in ms\n")
		b.WriteString("# TYPE gateway_backend_latency_ms gauge\n")
		fmt.Fprintf(b, "gateway_backend_latency_ms{stat=%q} %d\n", "last", snap.BackendLatencyMS.LastMS)
		fmt.Fprintf(b, "gateway_backend_latency_ms{stat=%q} %.3f\n", "avg", snap.BackendLatencyMS.AvgMS)
		fmt.Fprintf(b, "gateway_backend_latency_ms{stat=%q} %d\n", "max", snap.BackendLatencyMS.MaxMS)

		b.WriteString("# HELP gateway_breaker_transitions_total circuit breaker state transitions\n")
		b.WriteString("# TYPE gateway_breaker_transitions_total counter\n")
		for _, state := range SortedKeys(snap.BreakerTotals) {
			fmt.Fprintf(b, "gateway_breaker_transitions_total{state=%q} %d\n", state, snap.BreakerTotals[state])
		}

		b.WriteString("# HELP gateway_payment_sessions_total payment sessions reaching each fsm state\n")
		b.WriteString("# TYPE gateway_payment_sessions_total counter\n")
		for _, state := range SortedKeys(snap.PaymentTotals) {
			fmt.Fprintf(b, "gateway_payment_sessions_total{state=%q} %d\n", state, snap.PaymentTotals[state])
		}

		b.WriteString("# HELP gateway_backend_requests_total requests dispatched through the backend proxy\n")
		b.WriteString("# TYPE gateway_backend_requests_total counter\n")
		fmt.Fprintf(b, "gateway_backend_requests_total %d\n", snap.BackendRequests)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
