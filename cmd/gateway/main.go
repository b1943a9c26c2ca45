package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/audit"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/auth"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/counter"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/decision"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/events"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/hardening"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/httpx"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/identity"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/metrics"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/ratelimit"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/store"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/stream"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server carries the wired admission components. Handlers are stubs for the
// business API; every gate in front of them is real.
type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Audit               *audit.Writer
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Kafka               *events.KafkaPublisher
	Limiter             *ratelimit.Limiter
	Rules               map[ratelimit.Scope]ratelimit.Rule
	Identity            *identity.Store
	Validator           auth.Validator
	Gate                *decision.Gate
	AuthEnabled         bool
	MaxRequestBodyBytes int64
	StartedAt           time.Time
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

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
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

	authEnabled := env("AUTH_ENABLED", "true") == "true"
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if !authEnabled {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_ENABLED=false is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
	}
	rules, devScope := loadRules()
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		AuthDisabled:          !authEnabled,
		DevRateLimitScope:     devScope,
	}); err != nil {
		return err
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		DB:      pool,
		Cache:   store.NewCache(ctx, redisClient),
		Audit:   &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Metrics: metrics.NewRegistry(),
		Events:  stream.NewHub(),
		Rules:   rules,
		Validator: auth.Validator{
			Issuer:   env("OIDC_ISSUER", ""),
			Audience: env("OIDC_AUDIENCE", ""),
		},
		AuthEnabled:         authEnabled,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		StartedAt:           time.Now().UTC(),
	}

	var ctr counter.Store
	if redisClient != nil {
		redisCtr := counter.NewRedis(redisClient)
		redisCtr.OnDegrade = s.Metrics.IncStoreDegraded
		ctr = redisCtr
	} else {
		ctr = counter.NewMemory()
	}
	s.Limiter = &ratelimit.Limiter{
		Store:             ctr,
		TrustedProxyCIDRs: parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		OnDeny:            s.observeThrottle,
	}

	provisioner := identity.HTTPProvisioner{
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("PROVISIONER_TIMEOUT_MS", 3000))}),
		Endpoint:   env("PROVISIONER_URL", ""),
		AuthHeader: env("PROVISIONER_AUTH_HEADER", ""),
		AuthToken:  env("PROVISIONER_AUTH_TOKEN", ""),
		Retries:    envInt("PROVISIONER_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt("PROVISIONER_RETRY_DELAY_MS", 50)),
	}
	s.Identity = identity.NewStore(pool, s.Cache, provisioner)
	s.Identity.CacheTTL = envDurationSec("IDENTITY_CACHE_TTL_SEC", 60)

	registry, err := decision.Load(env("ENTITY_POLICY_FILE", "config/entity_policy.yaml"))
	if err != nil {
		// Fail open: a broken policy file must not block every mutation.
		log.Printf("decision policy unavailable, admitting governed mutations unchecked: %v", err)
		registry = nil
	}
	s.Gate = &decision.Gate{
		Registry:   registry,
		OnDecision: s.observeDecisionCited,
		OnRequired: s.observeDecisionRequired,
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "nexus.admission.denied"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Kafka = publisher
		defer func() { _ = publisher.Close() }()
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
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

// routes assembles the full admission chain. Order matters: CORS answers
// preflight before any gate, the general limiter runs before the
// authenticator so unauthenticated floods never reach token parsing, and the
// decision gate runs after auth so it sees the resolved principal.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.Limiter.Middleware(s.rule(ratelimit.ScopeGeneral)))

	r.Get("/healthz", s.handleHealthz)

	// Session inspection counts only failed attempts against the auth
	// budget; the health probe underneath is exempt so availability checks
	// cannot exhaust it.
	r.Route("/v1/auth", func(r chi.Router) {
		r.With(s.Limiter.Middleware(s.rule(ratelimit.ScopeAuth)), s.authMiddleware()).
			Get("/session", s.handleSession)
		r.With(s.Limiter.Middleware(s.rule(ratelimit.ScopeAuthToken))).
			Post("/token", s.handleTokenExchange)
		r.With(s.Limiter.Middleware(s.rule(ratelimit.ScopeOAuthState))).
			Get("/oauth/state", s.handleOAuthState)
		r.Get("/health", s.handleHealthz)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware())

		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

		r.Route("/v1/companies", func(r chi.Router) {
			r.Use(s.Limiter.Middleware(s.rule(ratelimit.ScopeDB)))
			r.Use(s.Gate.Middleware("company"))
			r.Get("/", s.handleListCompanies)
			r.Post("/", s.handleCreateCompany)
			r.Put("/{id}", s.handleUpdateCompany)
			r.Patch("/{id}", s.handleUpdateCompany)
			r.Delete("/{id}", s.handleDeleteCompany)
		})
		r.Route("/v1/contacts", func(r chi.Router) {
			r.Use(s.Limiter.Middleware(s.rule(ratelimit.ScopeDB)))
			r.Use(s.Gate.Middleware("contact"))
			r.Get("/", s.handleListContacts)
			r.Post("/", s.handleCreateContact)
			r.Put("/{id}", s.handleUpdateContact)
			r.Patch("/{id}", s.handleUpdateContact)
			r.Delete("/{id}", s.handleDeleteContact)
		})
		r.With(s.Limiter.Middleware(s.rule(ratelimit.ScopeAI))).
			Post("/v1/ai/chat", s.handleAIChat)
		r.With(s.Limiter.Middleware(s.rule(ratelimit.ScopeUpload))).
			Post("/v1/uploads", s.handleUpload)

		r.Get("/v1/admin/events", s.streamEvents)
		r.Get("/v1/admin/audit", s.handleAuditRecent)
	})

	return r
}

// authMiddleware is a no-op when auth is disabled for local development;
// hardening refuses that configuration in production-like environments.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	if !s.AuthEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.Middleware(s.Validator, s.Identity, s.observeAuthReject)
}

func (s *Server) rule(scope ratelimit.Scope) ratelimit.Rule {
	return s.Rules[scope]
}

// loadRules applies env overrides on top of the defaults and reports whether
// the dev scope replaced the general budget.
func loadRules() (map[ratelimit.Scope]ratelimit.Rule, bool) {
	rules := ratelimit.DefaultRules()
	if env("RATE_LIMIT_ENABLED", "true") != "true" {
		for scope, rule := range rules {
			rule.Max = 0
			rules[scope] = rule
		}
		return rules, false
	}
	for scope, rule := range rules {
		envScope := strings.ToUpper(string(scope))
		rule.Max = envInt("RATE_LIMIT_"+envScope+"_MAX", rule.Max)
		if secs := envInt("RATE_LIMIT_"+envScope+"_WINDOW_SEC", 0); secs > 0 {
			rule.Window = time.Second * time.Duration(secs)
		}
		rules[scope] = rule
	}
	general := rules[ratelimit.ScopeGeneral]
	general.Exempt = func(path string) bool {
		return path == "/healthz" || path == "/v1/auth/health"
	}
	rules[ratelimit.ScopeGeneral] = general
	authRule := rules[ratelimit.ScopeAuth]
	authRule.Exempt = func(path string) bool { return path == "/v1/auth/health" }
	rules[ratelimit.ScopeAuth] = authRule

	devScope := env("RATE_LIMIT_DEV_ENABLED", "false") == "true"
	if devScope {
		// Local iteration: the generous dev budget stands in for the
		// general one so tight loops against a dev box do not trip 429s.
		dev := rules[ratelimit.ScopeDev]
		dev.Exempt = general.Exempt
		rules[ratelimit.ScopeGeneral] = dev
	}
	return rules, devScope
}

func (s *Server) observeThrottle(r *http.Request, scope ratelimit.Scope, key string, retryAfter int) {
	s.Metrics.IncThrottled(string(scope))
	evt := stream.NewEvent("rate_limited")
	evt.Code = scope.Code()
	evt.Scope = string(scope)
	evt.Method = r.Method
	evt.Path = r.URL.Path
	evt.RetryAfter = retryAfter
	s.publish(evt)
	s.appendAudit(r.Context(), audit.Record{
		ID:         uuid.NewString(),
		Kind:       audit.KindRateLimited,
		Code:       scope.Code(),
		CallerKey:  key,
		Method:     r.Method,
		Path:       r.URL.Path,
		RetryAfter: retryAfter,
	})
}

func (s *Server) observeAuthReject(r *http.Request, code string) {
	s.Metrics.IncAuthFailure(code)
	evt := stream.NewEvent("auth_rejected")
	evt.Code = code
	evt.Method = r.Method
	evt.Path = r.URL.Path
	s.publish(evt)
	s.appendAudit(r.Context(), audit.Record{
		ID:        uuid.NewString(),
		Kind:      audit.KindAuthRejected,
		Code:      code,
		CallerKey: s.Limiter.Key(r, ratelimit.ScopeAuth),
		Method:    r.Method,
		Path:      r.URL.Path,
	})
}

func (s *Server) observeDecisionRequired(r *http.Request, entity, action string) {
	s.Metrics.IncDecisionMissing(entity)
	evt := stream.NewEvent("decision_required")
	evt.Code = "DECISION_REQUIRED"
	evt.Entity = entity
	evt.Action = action
	evt.Method = r.Method
	evt.Path = r.URL.Path
	s.publish(evt)
	s.appendAudit(r.Context(), audit.Record{
		ID:        uuid.NewString(),
		Kind:      audit.KindDecisionRequired,
		Code:      "DECISION_REQUIRED",
		CallerKey: s.Limiter.Key(r, ratelimit.ScopeDB),
		Method:    r.Method,
		Path:      r.URL.Path,
		Entity:    entity,
		Action:    action,
	})
}

func (s *Server) observeDecisionCited(r *http.Request, dc decision.Context) {
	s.Metrics.IncDecisionCited()
	s.appendAudit(r.Context(), audit.Record{
		ID:         uuid.NewString(),
		Kind:       audit.KindDecisionCited,
		CallerKey:  s.Limiter.Key(r, ratelimit.ScopeDB),
		Method:     r.Method,
		Path:       r.URL.Path,
		Entity:     dc.Entity,
		Action:     dc.Action,
		DecisionID: dc.DecisionID,
	})
}

// appendAudit never blocks or fails the request it observes.
func (s *Server) appendAudit(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit: append failed kind=%s: %v", rec.Kind, err)
	}
}

func (s *Server) publish(evt stream.Event) {
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if s.Kafka != nil {
		go func() {
			if err := s.Kafka.Publish(context.Background(), evt); err != nil {
				log.Printf("kafka: publish failed type=%s: %v", evt.Type, err)
			}
		}()
	}
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
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
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

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("uptime_seconds", time.Since(s.StartedAt).Seconds())
		}
	}
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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
