// Package orchestrator implements the Request Orchestrator (§4.12): the
// top-level pipeline an inbound JSON-RPC call passes through between the
// HTTP handler and the backend proxy. Every stage returns upward through a
// single typed *gatewayerr.Error so the HTTP layer has one error shape to
// serialize.
package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rpcgate/pkg/auth"
	"rpcgate/pkg/backend"
	"rpcgate/pkg/cache"
	"rpcgate/pkg/gatewayerr"
	"rpcgate/pkg/models"
	"rpcgate/pkg/ratelimit"
	"rpcgate/pkg/registry"
	"rpcgate/pkg/secctx"
	"rpcgate/pkg/validate"
)

// Event is one structured security/admission event, emitted at the points
// spec.md §7 calls out: authentication/authorization failures, and
// backend-degraded markers for health reporting.
type Event struct {
	Type          string
	RequestID     string
	CallerAddress string
	Method        string
	Code          gatewayerr.Code
	Reason        string
	At            time.Time
}

// EventSink receives orchestrator events. Kept narrow, the way the teacher
// narrows auditStore/gatewayDB, so this package doesn't depend on the
// stream hub's wiring.
type EventSink interface {
	Emit(Event)
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// Config holds the orchestrator's tunables, sourced from the external
// config loader (§6).
type Config struct {
	DefaultCapacity        float64
	DefaultRefillPerSecond float64
	DefaultCacheTTL        time.Duration
	// DegradedCacheFallback enables substituting a stale cached value for
	// read-only methods when the breaker is open (§4.6, §9 open question #2).
	DegradedCacheFallback bool
}

// Orchestrator wires together every admission-pipeline stage.
type Orchestrator struct {
	deriver  *secctx.Deriver
	authn    *auth.Authenticator
	registry *registry.Registry
	limiter  ratelimit.Limiter
	cache    *cache.Cache
	backend  *backend.Proxy
	events   EventSink
	cfg      Config
}

func New(deriver *secctx.Deriver, authn *auth.Authenticator, reg *registry.Registry, limiter ratelimit.Limiter, c *cache.Cache, be *backend.Proxy, events EventSink, cfg Config) *Orchestrator {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 20
	}
	if cfg.DefaultRefillPerSecond <= 0 {
		cfg.DefaultRefillPerSecond = 5
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = 10 * time.Second
	}
	if events == nil {
		events = discardSink{}
	}
	return &Orchestrator{deriver: deriver, authn: authn, registry: reg, limiter: limiter, cache: c, backend: be, events: events, cfg: cfg}
}

// Handle runs req through the full pipeline: derive caller identity and
// bearer, authenticate, look up the method, check permissions, validate
// params, rate limit, consult the cache, and on miss call the backend
// proxy through the circuit breaker, populating the cache on a read-only
// success.
func (o *Orchestrator) Handle(ctx context.Context, r *http.Request, req models.JSONRPCRequest) (json.RawMessage, *gatewayerr.Error) {
	sc := o.deriver.Derive(r)

	if !sc.DevelopmentMode {
		if gwErr := o.verifyCredential(ctx, &sc); gwErr != nil {
			return nil, gwErr
		}
	}

	def, ok := o.registry.Lookup(req.Method)
	if !ok {
		o.events.Emit(Event{Type: "method_not_allowed", RequestID: sc.RequestID, CallerAddress: sc.CallerAddress, Method: req.Method, Code: gatewayerr.MethodNotAllowed, At: sc.Timestamp})
		return nil, gatewayerr.New(gatewayerr.MethodNotAllowed, "method not permitted")
	}

	if !sc.DevelopmentMode {
		if gwErr := o.checkPermissions(sc, def); gwErr != nil {
			return nil, gwErr
		}
	}

	if failure := validate.Params(def, req.Params); failure != nil {
		return nil, gatewayerr.Newf(gatewayerr.InvalidParameters, map[string]interface{}{
			"rule_name": failure.RuleName,
			"reason":    string(failure.Reason),
		}, "parameter %q rejected: %s", failure.RuleName, failure.Reason)
	}

	if gwErr := o.rateLimit(ctx, sc, def); gwErr != nil {
		return nil, gwErr
	}

	var fingerprint string
	if def.ReadOnly {
		if fp, err := models.Fingerprint(def.Name, req.Params); err == nil {
			fingerprint = fp
		}
	}

	if fingerprint == "" {
		result, beErr := o.backend.Call(ctx, def.Name, req.Params, req.ID)
		if beErr != nil {
			return o.handleBackendError(sc, def, fingerprint, beErr)
		}
		return result, nil
	}

	ttl := def.CacheTTL
	if ttl <= 0 {
		ttl = o.cfg.DefaultCacheTTL
	}
	result, err := o.cache.GetOrLoad(ctx, fingerprint, ttl, func(loadCtx context.Context) ([]byte, error) {
		v, beErr := o.backend.Call(loadCtx, def.Name, req.Params, req.ID)
		if beErr != nil {
			return nil, beErr
		}
		return v, nil
	})
	if err != nil {
		beErr, ok := err.(*backend.Error)
		if !ok {
			return nil, gatewayerr.Wrap(gatewayerr.InternalError, "cache load failure", err)
		}
		return o.handleBackendError(sc, def, fingerprint, beErr)
	}
	return result, nil
}

// verifyCredential checks the bearer credential's signature, validity
// window, and revocation status, independent of which method is being
// called — the registry lookup that determines what's required of the
// credential happens in the next stage (§4.12: authenticate precedes
// registry lookup).
func (o *Orchestrator) verifyCredential(ctx context.Context, sc *models.SecurityContext) *gatewayerr.Error {
	if sc.BearerCredential == "" {
		return nil
	}
	cred, err := o.authn.Verify(ctx, sc.BearerCredential, sc.Timestamp)
	if err != nil {
		reason := "unknown"
		if ae, ok := err.(*auth.AuthError); ok {
			reason = string(ae.Reason)
		}
		o.events.Emit(Event{Type: "authentication_failed", RequestID: sc.RequestID, CallerAddress: sc.CallerAddress, Code: gatewayerr.AuthenticationFail, Reason: reason, At: sc.Timestamp})
		return gatewayerr.Newf(gatewayerr.AuthenticationFail, map[string]interface{}{"reason": reason}, "credential rejected: %s", reason)
	}
	sc.GrantedPermissions = permissionSet(cred.Permissions)
	return nil
}

// checkPermissions rejects absent-credential calls against non-public
// methods and enforces the method's required permissions. This lives in
// the orchestrator, not the Authenticator, per §4.3: "policy checks are
// performed by the orchestrator, not the authenticator."
func (o *Orchestrator) checkPermissions(sc models.SecurityContext, def models.MethodDefinition) *gatewayerr.Error {
	if def.SecurityLevel != models.SecurityPublic && sc.BearerCredential == "" {
		o.events.Emit(Event{Type: "authentication_failed", RequestID: sc.RequestID, CallerAddress: sc.CallerAddress, Method: def.Name, Code: gatewayerr.AuthenticationFail, Reason: "absent", At: sc.Timestamp})
		return gatewayerr.New(gatewayerr.AuthenticationFail, "credential required for this method")
	}
	if !sc.HasAllPermissions(def.RequiredPermissions) {
		o.events.Emit(Event{Type: "authorization_failed", RequestID: sc.RequestID, CallerAddress: sc.CallerAddress, Method: def.Name, Code: gatewayerr.AuthorizationFail, At: sc.Timestamp})
		return gatewayerr.New(gatewayerr.AuthorizationFail, "credential lacks a required permission")
	}
	return nil
}

// rateLimit checks the caller's global bucket and, if the method declares a
// stricter secondary bucket, a second (caller, method) bucket.
func (o *Orchestrator) rateLimit(ctx context.Context, sc models.SecurityContext, def models.MethodDefinition) *gatewayerr.Error {
	multiplier := rateMultiplier(sc.GrantedPermissions)

	decision, err := o.limiter.Allow(ctx, "caller:"+sc.CallerAddress, o.cfg.DefaultCapacity, o.cfg.DefaultRefillPerSecond, multiplier)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.InternalError, "rate limiter failure", err)
	}
	if !decision.Allowed {
		return rateLimitedError(decision)
	}

	if def.RateLimitOverride != nil {
		decision, err = o.limiter.Allow(ctx, "caller:"+sc.CallerAddress+":method:"+def.Name, def.RateLimitOverride.Capacity, def.RateLimitOverride.RefillPerSecond, 1)
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.InternalError, "rate limiter failure", err)
		}
		if !decision.Allowed {
			return rateLimitedError(decision)
		}
	}
	return nil
}

func rateLimitedError(d ratelimit.Decision) *gatewayerr.Error {
	return gatewayerr.Newf(gatewayerr.RateLimited, map[string]interface{}{
		"retry_after_seconds": d.RetryAfter.Seconds(),
	}, "rate limit exceeded")
}

// handleBackendError maps a Backend Proxy failure onto the caller-facing
// error set, substituting a stale cached value when the breaker is open,
// degraded-mode fallback is enabled, and a fingerprint exists to check.
func (o *Orchestrator) handleBackendError(sc models.SecurityContext, def models.MethodDefinition, fingerprint string, beErr *backend.Error) (json.RawMessage, *gatewayerr.Error) {
	switch beErr.Kind {
	case backend.ErrBackendCode:
		data := map[string]interface{}{}
		if beErr.RPCError != nil {
			data["backend_code"] = beErr.RPCError.Code
			data["backend_message"] = beErr.RPCError.Message
		}
		return nil, gatewayerr.Newf(gatewayerr.BackendError, data, "backend returned an error")

	case backend.ErrBackendUnavailable:
		o.events.Emit(Event{Type: "backend_degraded", RequestID: sc.RequestID, CallerAddress: sc.CallerAddress, Method: def.Name, Code: gatewayerr.BackendUnavailable, At: sc.Timestamp})
		if def.ReadOnly && o.cfg.DegradedCacheFallback && fingerprint != "" {
			if v, _, ok := o.cache.Peek(fingerprint); ok {
				return v, nil
			}
		}
		return nil, gatewayerr.New(gatewayerr.BackendUnavailable, "backend circuit is open")

	default:
		return nil, gatewayerr.Wrap(gatewayerr.BackendError, "backend call failed", beErr)
	}
}

func permissionSet(perms []string) map[string]struct{} {
	out := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		out[p] = struct{}{}
	}
	return out
}

// rateMultiplier extracts the highest "rate_multiplier_<factor>" marker
// from the granted permission set, defaulting to 1.0 for anonymous callers
// (§4.4).
func rateMultiplier(perms map[string]struct{}) float64 {
	const prefix = "rate_multiplier_"
	best := 1.0
	for p := range perms {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimPrefix(p, prefix), 64); err == nil && f > best {
			best = f
		}
	}
	return best
}
