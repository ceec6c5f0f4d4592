package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"uapk/pkg/approval"
	"uapk/pkg/audit"
	"uapk/pkg/auth"
	"uapk/pkg/budget"
	"uapk/pkg/captoken"
	"uapk/pkg/connector"
	"uapk/pkg/eventbus"
	"uapk/pkg/hardening"
	"uapk/pkg/httpx"
	"uapk/pkg/keys"
	"uapk/pkg/manifest"
	"uapk/pkg/metrics"
	"uapk/pkg/policy"
	"uapk/pkg/ratelimit"
	"uapk/pkg/store"
	"uapk/pkg/stream"
	"uapk/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Keys                *keys.Manager
	Manifests           manifest.Provider
	Verifier            *captoken.Verifier
	Engine              *policy.Engine
	Approvals           *approval.Manager
	Audit               *audit.Recorder
	Executor            connector.Executor
	Cache               store.DecisionCache
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Bus                 eventbus.Publisher
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
	DecisionCacheTTL    time.Duration
	ApprovalTokenTTL    time.Duration
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

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	km, err := keys.New(keys.Options{
		Environment:   runtimeEnv,
		PrivateKeyB64: env("GATEWAY_SIGNING_KEY", ""),
		KeyPath:       env("GATEWAY_KEY_PATH", ""),
	})
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

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
	cache := store.NewDecisionCache(ctx, redisClient)

	manifestTTL := envDurationSec("MANIFEST_CACHE_TTL_SEC", 30)
	var budgetStore budget.Store
	if redisClient != nil {
		budgetStore = budget.NewRedisStore(redisClient)
	} else {
		budgetStore = budget.NewPostgresStore(pool)
	}
	approvals := approval.NewManager(approval.NewPostgresStore(pool), km)
	approvals.TTL = envDurationSec("APPROVAL_TTL_SEC", 24*3600)
	approvals.TokenTTL = envDurationSec("OVERRIDE_TOKEN_TTL_SEC", 15*60)

	var issuers captoken.IssuerRegistry
	switch strings.ToLower(env("ISSUER_REGISTRY", "db")) {
	case "vault":
		issuers = captoken.VaultIssuerRegistry{
			Addr:       env("VAULT_ADDR", ""),
			Token:      env("VAULT_TOKEN", ""),
			Namespace:  env("VAULT_NAMESPACE", ""),
			Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix:  env("VAULT_KEY_PREFIX", ""),
			Timeout:    time.Millisecond * time.Duration(envInt("VAULT_LOOKUP_TIMEOUT_MS", 1500)),
			MaxRetries: envInt("VAULT_LOOKUP_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_LOOKUP_RETRY_DELAY_MS", 100)),
		}
	default:
		issuers = &captoken.DBRegistry{DB: pool}
	}

	recorder := audit.NewRecorder(audit.NewPostgresStore(pool), km)
	recorder.Redact = strings.EqualFold(env("AUDIT_REDACT", "false"), "true")

	s := &Server{
		Keys:      km,
		Manifests: manifest.NewDBProvider(pool, manifestTTL),
		Verifier:  &captoken.Verifier{Registry: issuers},
		Engine:    policy.NewEngine(budgetStore, approvals),
		Approvals: approvals,
		Audit:     recorder,
		Executor: &connector.HTTPExecutor{
			Client: telemetry.InstrumentClient(&http.Client{
				Timeout: time.Millisecond * time.Duration(envInt("CONNECTOR_TIMEOUT_MS", 10000)),
			}),
			Timeout: time.Millisecond * time.Duration(envInt("CONNECTOR_TIMEOUT_MS", 10000)),
		},
		Cache:               cache,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Bus:                 eventbus.NopPublisher{},
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		DecisionCacheTTL:    envDurationSec("DECISION_CACHE_TTL_SEC", 24*3600),
		ApprovalTokenTTL:    approvals.TokenTTL,
	}

	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	checklist := hardening.Checklist{
		Environment:     runtimeEnv,
		Strict:          env("STRICT_PROD_SECURITY", "true"),
		DatabaseTLS:     env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:       env("REDIS_ADDR", ""),
		RedisTLS:        env("REDIS_REQUIRE_TLS", ""),
		RedisInsecure:   env("REDIS_TLS_INSECURE", ""),
		RedisAllowPlain: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		Secrets: []hardening.Secret{
			{Name: "AUTH_HS256_SECRET", Value: s.AuthSecret},
		},
	}
	if err := checklist.Enforce(); err != nil {
		return err
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_DECISIONS_TOPIC", "uapk.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		s.Bus = pub
	}

	r := s.routes()

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

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.AllowOrigins(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeaders)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/v1/public-key", s.handlePublicKey)

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("AUTH_JWKS_URL", "")),
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/actions/evaluate", s.withRoles(s.handleEvaluate, "agent", "operator"))
	authRouter.Post("/v1/actions/execute", s.withRoles(s.handleExecute, "agent", "operator"))
	authRouter.Get("/v1/approvals", s.withRoles(s.listApprovals, "approver", "operator", "securityadmin"))
	authRouter.Get("/v1/approvals/stats", s.withRoles(s.approvalStats, "approver", "operator", "securityadmin"))
	authRouter.Get("/v1/approvals/{approval_id}", s.withRoles(s.getApproval, "approver", "operator", "securityadmin"))
	authRouter.Post("/v1/approvals/{approval_id}/approve", s.withRoles(s.approveApproval, "approver", "securityadmin"))
	authRouter.Post("/v1/approvals/{approval_id}/deny", s.withRoles(s.denyApproval, "approver", "securityadmin"))
	authRouter.Get("/v1/audit/records", s.withRoles(s.listAuditRecords, "operator", "auditor", "securityadmin"))
	authRouter.Get("/v1/audit/records/{interaction_id}", s.withRoles(s.getAuditRecord, "operator", "auditor", "securityadmin"))
	authRouter.Get("/v1/audit/verify", s.withRoles(s.verifyAuditChain, "operator", "auditor", "securityadmin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "auditor", "securityadmin"))
	r.Mount("/", authRouter)
	return r
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]string{
		"public_key": s.Keys.PublicKeyBase64(),
		"algorithm":  "ed25519",
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// orgScope returns the org the caller may act on. Security admins may
// name any org via query param; everyone else is pinned to their own.
func (s *Server) orgScope(r *http.Request) (string, error) {
	requested := strings.TrimSpace(r.URL.Query().Get("org_id"))
	if strings.EqualFold(s.AuthMode, "off") {
		if requested == "" {
			return "", errors.New("org_id required")
		}
		return requested, nil
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return "", errors.New("unauthenticated")
	}
	if auth.HasAnyRole(principal, "securityadmin", "auditor") && requested != "" {
		return requested, nil
	}
	if principal.OrgID == "" {
		return "", errors.New("org_id missing from credentials")
	}
	if requested != "" && !strings.EqualFold(requested, principal.OrgID) {
		return "", errors.New("org_id does not match credentials")
	}
	return principal.OrgID, nil
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// An org_id query narrows the stream to one org; omitted, the
	// client gets the firehose.
	sub := s.Events.Subscribe(r.URL.Query().Get("org_id"), 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.Ready())
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
