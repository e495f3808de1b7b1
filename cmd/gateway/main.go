package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"rpcgate/pkg/audit"
	"rpcgate/pkg/auth"
	"rpcgate/pkg/backend"
	"rpcgate/pkg/breaker"
	"rpcgate/pkg/cache"
	"rpcgate/pkg/challenge"
	"rpcgate/pkg/gatewayerr"
	"rpcgate/pkg/hardening"
	"rpcgate/pkg/httpx"
	"rpcgate/pkg/metrics"
	"rpcgate/pkg/models"
	"rpcgate/pkg/orchestrator"
	"rpcgate/pkg/payment"
	"rpcgate/pkg/ratelimit"
	"rpcgate/pkg/registry"
	"rpcgate/pkg/revocation"
	"rpcgate/pkg/secctx"
	"rpcgate/pkg/statebus"
	"rpcgate/pkg/store"
	"rpcgate/pkg/stream"
	"rpcgate/pkg/telemetry"
	"rpcgate/pkg/token"
)

// Server holds every wired component the HTTP handlers reach into. It is
// built once in runGateway and never mutated afterward, so handlers can
// read its fields without locking.
type Server struct {
	DB            gatewayDBCloser
	Cache         store.Cache
	HTTPClient    *http.Client
	Deriver       *secctx.Deriver
	Authn         *auth.Authenticator
	Registry      *registry.Registry
	RateLimiter   ratelimit.Limiter
	ResponseCache *cache.Cache
	Breaker       *breaker.Breaker
	Backend       *backend.Proxy
	Orchestrator  *orchestrator.Orchestrator
	Challenges    *challenge.Service
	Tokens        *token.Service
	Payments      *payment.Service
	Revocations   *revocation.Store
	Audit         auditStore
	Metrics       *metrics.Registry
	Events        *stream.Hub

	MaxRequestBodyBytes int64
	AdminPermission     string
	WSOriginPatterns    []string
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, requestID string) (audit.Record, error)
	ListByCaller(ctx context.Context, callerAddress string, limit int) ([]audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
		go s.paymentPollLoop(context.Background())
		go s.blockEventLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	developmentMode := env("DEVELOPMENT_MODE", "false") == "true"
	trustedProxyCIDRs := parseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("BACKEND_TIMEOUT_MS", 5000))})

	deriver := secctx.New(trustedProxyCIDRs, developmentMode)

	stateCache := store.NewCache(ctx, redisClient)
	revocations := revocation.New(stateCache)
	authn := auth.New(env("CREDENTIAL_SECRET", "development-only-secret"), env("CREDENTIAL_ISSUER", "gateway"), env("CREDENTIAL_AUDIENCE", "gateway-clients"), revocations)

	var rateLimiter ratelimit.Limiter
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedis(redisClient)
	} else {
		rateLimiter = ratelimit.NewInMemory()
	}

	responseCache := cache.New(envInt("CACHE_MAX_BYTES", 64<<20))

	br := breaker.New(breaker.Config{
		FailureThreshold:  envInt("BREAKER_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:   time.Second * time.Duration(envInt("BREAKER_RECOVERY_TIMEOUT_SEC", 30)),
		HalfOpenMaxProbes: envInt("BREAKER_HALF_OPEN_MAX_PROBES", 1),
	})
	proxy := backend.New(backend.Config{
		URL:               env("BACKEND_URL", "http://localhost:8332"),
		PerAttemptTimeout: time.Millisecond * time.Duration(envInt("BACKEND_PER_ATTEMPT_TIMEOUT_MS", 5000)),
		MaxRetries:        envInt("BACKEND_MAX_RETRIES", 2),
		InitialBackoff:    time.Millisecond * time.Duration(envInt("BACKEND_INITIAL_BACKOFF_MS", 100)),
	}, httpClient, br)

	reg := registry.Default()

	auditWriter := &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact}
	metricsRegistry := metrics.NewRegistry()
	events := stream.NewHub()

	s := &Server{
		DB:            pool,
		Cache:         stateCache,
		HTTPClient:    httpClient,
		Deriver:       deriver,
		Authn:         authn,
		Registry:      reg,
		RateLimiter:   rateLimiter,
		ResponseCache: responseCache,
		Breaker:       br,
		Backend:       proxy,
		Revocations:   revocations,
		Audit:         auditWriter,
		Metrics:       metricsRegistry,
		Events:        events,

		MaxRequestBodyBytes: maxRequestBodyBytes,
		AdminPermission:     env("ADMIN_PERMISSION", "admin"),
		WSOriginPatterns:    wsOriginPatterns(env("CORS_ALLOWED_ORIGINS", "")),
	}

	s.Orchestrator = orchestrator.New(deriver, authn, reg, rateLimiter, responseCache, proxy, &eventSink{s: s}, orchestrator.Config{
		DefaultCapacity:        floatEnv("RATE_LIMIT_CAPACITY", 20),
		DefaultRefillPerSecond: floatEnv("RATE_LIMIT_REFILL_PER_SECOND", 5),
		DefaultCacheTTL:        time.Second * time.Duration(envInt("CACHE_DEFAULT_TTL_SEC", 10)),
		DegradedCacheFallback:  env("DEGRADED_CACHE_FALLBACK", "true") == "true",
	})

	s.Challenges = challenge.New(challenge.Config{
		TTL:                time.Second * time.Duration(envInt("CHALLENGE_TTL_SEC", 120)),
		TargetThreshold:    env("CHALLENGE_TARGET_THRESHOLD", "0000ffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"),
		Algorithm:          env("CHALLENGE_ALGORITHM", challenge.AlgoSHA256),
		FailureFreezeAfter: envInt("CHALLENGE_FAILURE_FREEZE_AFTER", 5),
		FreezeDuration:     time.Second * time.Duration(envInt("CHALLENGE_FREEZE_DURATION_SEC", 60)),
	})

	s.Tokens = token.New(authn, rateLimiter, token.Config{
		AnonymousPermissions:   splitCSV(env("TOKEN_ANONYMOUS_PERMISSIONS", "")),
		AnonymousExpiry:        time.Second * time.Duration(envInt("TOKEN_ANONYMOUS_EXPIRY_SEC", 300)),
		PoWPermissions:         splitCSV(env("TOKEN_POW_PERMISSIONS", "pow_validated,rate_multiplier_2.0")),
		PoWExpiry:              time.Second * time.Duration(envInt("TOKEN_POW_EXPIRY_SEC", 1800)),
		PaidPermissions:        splitCSV(env("TOKEN_PAID_PERMISSIONS", "paid")),
		ProvisionalPermissions: splitCSV(env("TOKEN_PROVISIONAL_PERMISSIONS", "provisional")),
		PaidExpiry:             time.Second * time.Duration(envInt("TOKEN_PAID_EXPIRY_SEC", 86400)),
		QuotaCapacity:          floatEnv("TOKEN_ISSUANCE_QUOTA_CAPACITY", 10),
		QuotaRefill:            floatEnv("TOKEN_ISSUANCE_QUOTA_REFILL", 1),
	})

	paymentTiers, err := parsePaymentTiers(env("PAYMENT_TIERS", "basic:1.0:paid_tier_basic:1"))
	if err != nil {
		return fmt.Errorf("payment tiers: %w", err)
	}
	addressPool := payment.NewStaticAddressPool(map[models.AddressType][]string{
		models.AddressVariantA: splitCSV(env("PAYMENT_ADDRESSES_SAPLING", "")),
		models.AddressVariantB: splitCSV(env("PAYMENT_ADDRESSES_ORCHARD", "")),
	})
	paymentStore := payment.NewStore(pool)
	s.Payments = payment.New(paymentStore, addressPool, proxy, payment.TokenIssuer{Tokens: s.Tokens}, revocations, payment.Config{
		Tiers:       paymentTiers,
		QuoteTTL:    time.Second * time.Duration(envInt("PAYMENT_QUOTE_TTL_SEC", 1800)),
		ViewingOnly: env("PAYMENT_VIEWING_ONLY", "true") == "true",
	})

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "CREDENTIAL_SECRET", Value: env("CREDENTIAL_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/health", s.handleHealth)
	r.Post("/", s.handleRPC)
	r.Get("/pow/challenge", s.handlePowChallenge)
	r.Post("/token/issue", s.handleTokenIssue)
	r.Post("/token/validate", s.handleTokenValidate)
	r.Post("/payments/request", s.handlePaymentsRequest)
	r.Post("/payments/submit", s.handlePaymentsSubmit)
	r.Get("/payments/status/{payment_id}", s.handlePaymentsStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	adminRouter := chi.NewRouter()
	adminRouter.Use(s.withPermission(s.AdminPermission))
	adminRouter.Post("/admin/breaker/reset", s.handleAdminBreakerReset)
	adminRouter.Post("/admin/revoke", s.handleAdminRevoke)
	adminRouter.Get("/admin/audit", s.handleAdminAuditByCaller)
	r.Mount("/", adminRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// eventSink bridges orchestrator.Event into the three places an admission
// event needs to land: the live stream hub, the durable audit trail, and
// the metrics registry.
type eventSink struct {
	s *Server
}

func (e *eventSink) Emit(evt orchestrator.Event) {
	e.s.Events.Publish(stream.NewEvent(evt.Type, evt))
	e.s.Metrics.IncCode(string(evt.Code))
	if evt.Reason != "" {
		e.s.Metrics.IncCodeReason(string(evt.Code), evt.Reason)
	}
	if evt.Code == gatewayerr.BackendUnavailable {
		e.s.Metrics.IncBreakerState(string(e.s.Breaker.State()))
	}
	go func() {
		_ = e.s.Audit.Append(context.Background(), audit.Record{
			RequestID:     evt.RequestID,
			CallerAddress: evt.CallerAddress,
			Method:        evt.Method,
			Code:          string(evt.Code),
			Reason:        evt.Reason,
			CreatedAt:     evt.At,
		})
	}()
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Challenges.Sweep()
		}
	}
}

func (s *Server) paymentPollLoop(ctx context.Context) {
	interval := time.Second * time.Duration(envInt("PAYMENT_POLL_INTERVAL_SEC", 15))
	payment.NewPollWatcher(s.Payments, interval).Run(ctx)
}

func (s *Server) blockEventLoop(ctx context.Context) {
	brokers := splitCSV(env("KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		return
	}
	consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: brokers,
		Topic:   env("KAFKA_CHAIN_BLOCKS_TOPIC", "chain.blocks"),
		GroupID: env("KAFKA_GROUP_ID", "rpcgate-confirmations"),
	})
	if err != nil {
		log.Printf("block event watcher disabled: %v", err)
		return
	}
	watcher := payment.NewBlockEventWatcher(s.Payments, consumer)
	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("block event watcher stopped: %v", err)
	}
}

// --- JSON-RPC endpoint -------------------------------------------------

// jsonRPCCode maps the gateway's typed error codes onto the distinct
// numeric range spec'd in §7, separate from any backend-originated code
// forwarded verbatim for backend_error.
var jsonRPCCode = map[gatewayerr.Code]int{
	gatewayerr.MalformedRequest:   -33001,
	gatewayerr.MethodNotAllowed:   -33002,
	gatewayerr.AuthenticationFail: -33003,
	gatewayerr.AuthorizationFail:  -33004,
	gatewayerr.InvalidParameters:  -33005,
	gatewayerr.RateLimited:        -33006,
	gatewayerr.BackendError:       -33007,
	gatewayerr.BackendUnavailable: -33008,
	gatewayerr.PaymentConflict:    -33009,
	gatewayerr.ChallengeInvalid:   -33010,
	gatewayerr.InternalError:      -33011,
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil || req.JSONRPC != "2.0" || req.Method == "" {
		writeJSONRPCError(w, nil, gatewayerr.New(gatewayerr.MalformedRequest, "invalid JSON-RPC 2.0 envelope"))
		return
	}
	result, gwErr := s.Orchestrator.Handle(r.Context(), r, req)
	if gwErr != nil {
		writeJSONRPCError(w, req.ID, gwErr)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, models.JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, gwErr *gatewayerr.Error) {
	code := jsonRPCCode[gwErr.Code]
	message := gwErr.Message
	var data json.RawMessage
	if gwErr.Code == gatewayerr.BackendError && gwErr.Data != nil {
		if backendCode, ok := gwErr.Data["backend_code"]; ok {
			if n, ok := backendCode.(int); ok {
				code = n
			} else if f, ok := backendCode.(float64); ok {
				code = int(f)
			}
		}
		if backendMessage, ok := gwErr.Data["backend_message"].(string); ok && backendMessage != "" {
			message = backendMessage
		}
	}
	if gwErr.Data != nil {
		if b, err := json.Marshal(gwErr.Data); err == nil {
			data = b
		}
	}
	httpx.WriteJSON(w, gwErr.HTTPStatus(), models.JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &models.JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}

// --- health -------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.Breaker.State() != breaker.Closed {
		status = "degraded"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": status, "service": "gateway"})
}

// --- proof-of-work challenge --------------------------------------------

type challengeResponse struct {
	ChallengeID     string `json:"challenge_id"`
	PreimageNonce   string `json:"preimage_nonce"`
	TargetThreshold string `json:"target_threshold"`
	Algorithm       string `json:"algorithm"`
	ExpiresAt       string `json:"expires_at"`
}

func (s *Server) handlePowChallenge(w http.ResponseWriter, r *http.Request) {
	sc := s.Deriver.Derive(r)
	if s.Challenges.IsFrozen(sc.CallerAddress) {
		httpx.Error(w, http.StatusTooManyRequests, "too many failed solutions, try again later")
		return
	}
	c, err := s.Challenges.Issue(sc.CallerAddress)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to issue challenge")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, challengeResponse{
		ChallengeID:     c.ChallengeID,
		PreimageNonce:   c.PreimageNonce,
		TargetThreshold: c.TargetThreshold,
		Algorithm:       c.Algorithm,
		ExpiresAt:       c.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// --- token issuance / validation ----------------------------------------

type tokenIssueRequest struct {
	Mode     string `json:"mode"`
	Solution *struct {
		ChallengeID string `json:"challenge_id"`
		WorkerNonce string `json:"worker_nonce"`
		ClaimedHash string `json:"claimed_hash"`
	} `json:"solution,omitempty"`
}

type tokenIssueResponse struct {
	Token        string   `json:"token"`
	CredentialID string   `json:"credential_id"`
	Permissions  []string `json:"permissions"`
	ExpiresAt    string   `json:"expires_at"`
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req tokenIssueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	sc := s.Deriver.Derive(r)

	var minted token.Minted
	var err error
	switch token.Mode(req.Mode) {
	case token.ModeAnonymous:
		minted, err = s.Tokens.IssueAnonymous(r.Context(), sc.CallerAddress)
	case token.ModeProofOfWork:
		if req.Solution == nil {
			httpx.Error(w, http.StatusBadRequest, "solution required for proof_of_work mode")
			return
		}
		verifyErr := s.Challenges.Verify(sc.CallerAddress, models.Solution{
			ChallengeID:      req.Solution.ChallengeID,
			WorkerNonce:      req.Solution.WorkerNonce,
			ClaimedHash:      req.Solution.ClaimedHash,
			SubmittedAt:      time.Now(),
			SubmitterAddress: sc.CallerAddress,
		})
		if verifyErr != nil {
			httpx.Error(w, http.StatusBadRequest, "challenge_invalid: "+verifyErr.Error())
			return
		}
		minted, err = s.Tokens.IssuePoW(sc.CallerAddress)
	default:
		httpx.Error(w, http.StatusBadRequest, "unsupported issuance mode")
		return
	}
	if err != nil {
		if errors.Is(err, token.ErrQuotaExceeded) {
			httpx.Error(w, http.StatusTooManyRequests, "issuance quota exceeded")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenIssueResponse{
		Token:        minted.Token,
		CredentialID: minted.Credential.CredentialID,
		Permissions:  minted.Credential.Permissions,
		ExpiresAt:    minted.Credential.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type tokenValidateRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleTokenValidate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req tokenValidateRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Token == "" {
		httpx.Error(w, http.StatusBadRequest, "token required")
		return
	}
	cred, err := s.Authn.Verify(r.Context(), req.Token, time.Now())
	if err != nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"valid": false})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":         true,
		"subject":       cred.Subject,
		"permissions":   cred.Permissions,
		"expires_at":    cred.ExpiresAt.UTC().Format(time.RFC3339),
		"credential_id": cred.CredentialID,
	})
}

// --- payments -------------------------------------------------------------

type paymentsRequestBody struct {
	TierID      string `json:"tier_id"`
	AddressType string `json:"address_type,omitempty"`
}

type paymentsRequestResponse struct {
	PaymentID      string  `json:"payment_id"`
	TierID         string  `json:"tier_id"`
	Amount         float64 `json:"amount"`
	DepositAddress string  `json:"deposit_address"`
	AddressType    string  `json:"address_type"`
	ExpiresAt      string  `json:"expires_at"`
}

func (s *Server) handlePaymentsRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req paymentsRequestBody
	if err := json.Unmarshal(body, &req); err != nil || req.TierID == "" {
		httpx.Error(w, http.StatusBadRequest, "tier_id required")
		return
	}
	addressType := models.AddressVariantA
	if req.AddressType != "" {
		addressType = models.AddressType(req.AddressType)
	}
	sess, err := s.Payments.RequestQuote(r.Context(), req.TierID, addressType)
	if err != nil {
		if errors.Is(err, payment.ErrUnknownTier) {
			httpx.Error(w, http.StatusBadRequest, "unknown tier_id")
			return
		}
		if errors.Is(err, payment.ErrNoAddressAvailable) {
			httpx.Error(w, http.StatusServiceUnavailable, "no deposit address available")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to create payment session")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentsRequestResponse{
		PaymentID:      sess.PaymentID,
		TierID:         sess.TierID,
		Amount:         sess.RequiredAmount,
		DepositAddress: sess.DepositAddress,
		AddressType:    string(sess.AddressType),
		ExpiresAt:      sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type paymentsSubmitBody struct {
	PaymentID string `json:"payment_id"`
	RawTxHex  string `json:"rawtx_hex"`
}

func (s *Server) handlePaymentsSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req paymentsSubmitBody
	if err := json.Unmarshal(body, &req); err != nil || req.PaymentID == "" || req.RawTxHex == "" {
		httpx.Error(w, http.StatusBadRequest, "payment_id and rawtx_hex required")
		return
	}
	txid, err := s.Payments.Submit(r.Context(), req.PaymentID, req.RawTxHex)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "payment session not found")
			return
		}
		if errors.Is(err, payment.ErrVerificationFailed) {
			httpx.Error(w, http.StatusConflict, "payment_conflict: rawtx does not satisfy the session")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to submit payment")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"txid": txid})
}

type paymentsStatusResponse struct {
	Status                string  `json:"status"`
	Confirmations         int     `json:"confirmations"`
	Amount                float64 `json:"amount"`
	Address               string  `json:"address"`
	TxID                  string  `json:"txid,omitempty"`
	ProvisionalCredential string  `json:"provisional_credential,omitempty"`
	FinalCredential       string  `json:"final_credential,omitempty"`
}

func (s *Server) handlePaymentsStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "payment_id")
	sess, err := s.Payments.Status(r.Context(), paymentID)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "payment session not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentsStatusResponse{
		Status:                string(sess.State),
		Confirmations:         sess.Confirmations,
		Amount:                sess.RequiredAmount,
		Address:               sess.DepositAddress,
		TxID:                  sess.SubmittedTxID,
		ProvisionalCredential: sess.ProvisionalCredentialID,
		FinalCredential:       sess.FinalCredentialID,
	})
}

// --- admin ------------------------------------------------------------

func (s *Server) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.Breaker.Reset()
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type adminRevokeRequest struct {
	CredentialID string    `json:"credential_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req adminRevokeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.CredentialID == "" {
		httpx.Error(w, http.StatusBadRequest, "credential_id required")
		return
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(24 * time.Hour)
	}
	if err := s.Revocations.Revoke(r.Context(), req.CredentialID, expiresAt); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to revoke credential")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminAuditByCaller(w http.ResponseWriter, r *http.Request) {
	callerAddress := strings.TrimSpace(r.URL.Query().Get("caller_address"))
	if callerAddress == "" {
		httpx.Error(w, http.StatusBadRequest, "caller_address required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	records, err := s.Audit.ListByCaller(r.Context(), callerAddress, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to list audit records")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": records})
}

// --- observability stream -----------------------------------------------

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.WSOriginPatterns})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ch := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	if strings.TrimSpace(raw) == "" || raw == "*" {
		return []string{"*"}
	}
	return splitCSV(raw)
}

// --- middleware -----------------------------------------------------------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.status = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// withPermission gates a sub-router on a permission marker on the caller's
// bearer credential, with the same loopback development-mode bypass the
// orchestrator applies (§4.3).
func (s *Server) withPermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := s.Deriver.Derive(r)
			if sc.DevelopmentMode {
				next.ServeHTTP(w, r)
				return
			}
			if sc.BearerCredential == "" {
				httpx.Error(w, http.StatusUnauthorized, "credential required")
				return
			}
			cred, err := s.Authn.Verify(r.Context(), sc.BearerCredential, sc.Timestamp)
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "credential rejected")
				return
			}
			if !cred.HasPermission(permission) {
				httpx.Error(w, http.StatusForbidden, "credential lacks a required permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

// --- config helpers ---------------------------------------------------

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatEnv(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, cidr := range splitCSV(raw) {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			out = append(out, ipnet)
		}
	}
	return out
}

// parsePaymentTiers decodes the PAYMENT_TIERS env var, a semicolon-separated
// list of "tier_id:amount:permission_tag:min_confirmations" entries. This is
// a stand-in for the TOML tier table the external config loader would
// otherwise populate (§6 config surface, "payments.tiers" — out of scope
// per §1 Non-goals).
func parsePaymentTiers(raw string) (map[string]payment.Tier, error) {
	tiers := map[string]payment.Tier{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) < 4 {
			return nil, fmt.Errorf("malformed tier entry %q", entry)
		}
		amount, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q: invalid amount: %w", fields[0], err)
		}
		minConf, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("tier %q: invalid min_confirmations: %w", fields[0], err)
		}
		tiers[fields[0]] = payment.Tier{
			ID:               fields[0],
			RequiredAmount:   amount,
			PermissionTags:   []string{fields[2]},
			MinConfirmations: minConf,
		}
	}
	return tiers, nil
}
