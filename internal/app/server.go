// Package app is the composition root: it builds every long-lived
// collaborator (store, vault, budget enforcer, router config, retry
// config, health tracker/prober, alert manager, stats collector, event bus,
// metrics registry, pipeline, rate limiter, idempotency cache) and wires
// them into the HTTP surface. Everything is constructed here and passed
// explicitly through handler registration; there are no package-level
// globals except the process-wide slog default logger.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/cors"

	"github.com/openclaw-community/openclaw-hub/internal/alerts"
	"github.com/openclaw-community/openclaw-hub/internal/budget"
	"github.com/openclaw-community/openclaw-hub/internal/events"
	"github.com/openclaw-community/openclaw-hub/internal/health"
	"github.com/openclaw-community/openclaw-hub/internal/httpapi"
	"github.com/openclaw-community/openclaw-hub/internal/idempotency"
	"github.com/openclaw-community/openclaw-hub/internal/logging"
	"github.com/openclaw-community/openclaw-hub/internal/metrics"
	"github.com/openclaw-community/openclaw-hub/internal/pipeline"
	"github.com/openclaw-community/openclaw-hub/internal/providers"
	"github.com/openclaw-community/openclaw-hub/internal/providers/anthropic"
	"github.com/openclaw-community/openclaw-hub/internal/providers/local"
	"github.com/openclaw-community/openclaw-hub/internal/providers/openai"
	"github.com/openclaw-community/openclaw-hub/internal/providers/restapi"
	"github.com/openclaw-community/openclaw-hub/internal/ratelimit"
	"github.com/openclaw-community/openclaw-hub/internal/retry"
	"github.com/openclaw-community/openclaw-hub/internal/router"
	"github.com/openclaw-community/openclaw-hub/internal/stats"
	"github.com/openclaw-community/openclaw-hub/internal/store"
	"github.com/openclaw-community/openclaw-hub/internal/tracing"
	"github.com/openclaw-community/openclaw-hub/internal/vault"
	"github.com/openclaw-community/openclaw-hub/internal/workflow"
)

// Version is stamped into /health responses; overridden at build time via
// -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

// Server owns every long-lived collaborator and the HTTP listener built
// from them.
type Server struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	prober    *health.Prober
	alertMgr  *alerts.Manager
	limiter   *ratelimit.Limiter
	idemCache *idempotency.Cache

	httpServer   *http.Server
	otelShutdown func(context.Context) error
}

// New constructs every collaborator and wires the HTTP router, but does not
// start listening; call Run to do that.
func New(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("could not create database directory", slog.String("path", dir), slog.String("error", err.Error()))
		}
	}
	db, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	keyStatePath := ""
	if home, err := os.UserHomeDir(); err == nil {
		keyStatePath = filepath.Join(home, ".openclaw-hub", "vault.key")
		_ = os.MkdirAll(filepath.Dir(keyStatePath), 0o700)
	}
	key, err := vault.LoadKey(cfg.SecretKey, keyStatePath, func(msg string) { logger.Warn(msg) })
	if err != nil {
		return nil, fmt.Errorf("resolve vault key: %w", err)
	}
	cv, err := vault.New(key)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	if err := seedConnectionsFromCredentialsFile(context.Background(), db, cv, cfg.CredentialsFile, logger); err != nil {
		logger.Warn("credentials file seeding failed", slog.String("error", err.Error()))
	}

	enforcer := budget.New(db)
	eventBus := events.NewBus()
	collector := stats.NewCollector()
	tracker := health.NewTracker(health.TrackerConfig{
		ConsecutiveErrorThreshold: cfg.AlertConsecutiveErrorThreshold,
		LatencyMultiplier:         cfg.AlertLatencyMultiplier,
	}, health.WithEventBus(eventBus))
	metricsReg := metrics.New()
	alertMgr := alerts.New(alerts.Config{
		Enabled:                   cfg.AlertEnabled,
		CheckPeriod:               60 * time.Second,
		ConsecutiveErrorThreshold: cfg.AlertConsecutiveErrorThreshold,
		LatencyMultiplier:         cfg.AlertLatencyMultiplier,
		BudgetThresholdPercent:    cfg.AlertBudgetThresholdPercent,
		WebhookURL:                cfg.AlertWebhookURL,
		DesktopNotify:             cfg.AlertDesktopNotify,
	}, db, collector, eventBus, logger)

	familyPrefixes := router.ParseFamilyPrefixes(cfg.RoutingRules)
	fallbackRules := router.ParseFallbackRules(cfg.FallbackRules)
	resolver := newAdapterResolver(cv)

	pl := pipeline.New(pipeline.Config{
		FamilyPrefixes: familyPrefixes,
		FallbackRules:  fallbackRules,
		Retry: retry.Config{
			Enabled:     cfg.RetryEnabled,
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.RetryBaseSec * float64(time.Second)),
			Growth:      cfg.RetryGrowth,
		},
	}, db, enforcer, tracker, collector, eventBus, resolver, logger)

	prober := health.NewProber(health.ProberConfig{
		Interval:     time.Duration(cfg.HealthProbePeriodSec) * time.Second,
		ProbeTimeout: time.Duration(cfg.HealthProbeTimeoutSec) * time.Second,
	}, tracker, buildProbeTargets(context.Background(), db, resolver, logger), logger)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(metricsReg.BudgetRejected.WithLabelValues("", "rate_limit")))
	idemCache := idempotency.New(5*time.Minute, 10000)
	workflowRunner := workflow.NewRunner(pl, eventBus, logger)

	adminToken := cfg.AdminToken
	if adminToken == "" {
		adminToken = generateToken()
		logger.Warn("HUB_ADMIN_TOKEN not set; generated a one-time admin token for this process",
			slog.String("admin_token", adminToken))
	}

	deps := httpapi.Dependencies{
		Store:             db,
		Vault:             cv,
		Pipeline:          pl,
		Budget:            enforcer,
		Tracker:           tracker,
		Alerts:            alertMgr,
		Collector:         collector,
		Metrics:           metricsReg,
		EventBus:          eventBus,
		Prober:            prober,
		Logger:            logger,
		Version:           Version,
		AdminToken:        adminToken,
		RequestDeadline:   cfg.RequestDeadline(),
		FamilyPrefixes:    familyPrefixes,
		ResolveAdapter:    resolver,
		ResolveRESTClient: newRESTResolver(cv),
		WorkflowRunner:    workflowRunner,
		RateLimiter:       limiter,
		IdempotencyCache:  idemCache,
	}
	mux := httpapi.NewRouter(deps)

	srv := &Server{
		cfg:          cfg,
		logger:       logger,
		store:        db,
		prober:       prober,
		alertMgr:     alertMgr,
		limiter:      limiter,
		idemCache:    idemCache,
		otelShutdown: otelShutdown,
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      withCORS(cfg.CORSOrigins, mux),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.RequestDeadline() + 15*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	return srv, nil
}

// Run starts every background loop and the HTTP listener, blocking until
// ctx is cancelled, then shuts everything down in reverse order.
func (s *Server) Run(ctx context.Context) error {
	s.prober.Start()
	s.alertMgr.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			s.shutdown()
			return err
		}
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	s.prober.Stop()
	s.alertMgr.Stop()
	s.limiter.Stop()
	s.idemCache.Stop()
	if err := s.otelShutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func withCORS(origins []string, next http.Handler) http.Handler {
	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Hub-Fallback", "X-Hub-Original-Provider", "X-Hub-Actual-Provider"},
		AllowCredentials: false,
		MaxAge:           300,
	})(next)
}

// newAdapterResolver maps a connection's service key to a concrete provider
// adapter, decrypting its credentials through the vault. Unknown service
// keys (including REST-only "custom" connections) return an error: they are
// never part of a chat-completion routing chain, only of direct ApiCall
// operations outside the pipeline's scope.
func newAdapterResolver(cv *vault.Vault) pipeline.AdapterResolver {
	return func(c store.Connection) (providers.Adapter, error) {
		apiKey, err := cv.Decrypt(c.APIKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for connection %q: %w", c.Name, err)
		}
		key := connectionKey(c.ID)
		switch c.ServiceKey {
		case "openai":
			return openai.New(key, apiKey, c.BaseURL), nil
		case "anthropic":
			return anthropic.New(key, apiKey, c.BaseURL), nil
		case "local":
			return local.New(key, c.BaseURL), nil
		default:
			return nil, fmt.Errorf("connection %q: service key %q has no chat-completion adapter", c.Name, c.ServiceKey)
		}
	}
}

func connectionKey(id int64) string { return fmt.Sprintf("%d", id) }

// newRESTResolver builds a thin REST wrapper client for any connection
// regardless of service key, decrypting its bearer token through the vault.
// Unlike newAdapterResolver it never fails on an unrecognized service key:
// GitHub/social/video-generation/custom connections have no chat-completion
// adapter but still expose a base URL worth making a single REST call
// against (the connection-test route).
func newRESTResolver(cv *vault.Vault) func(c store.Connection) (*restapi.Client, error) {
	return func(c store.Connection) (*restapi.Client, error) {
		token, err := cv.Decrypt(c.TokenEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt token for connection %q: %w", c.Name, err)
		}
		if c.BaseURL == "" {
			return nil, fmt.Errorf("connection %q has no base URL to call", c.Name)
		}
		return restapi.New(connectionKey(c.ID), c.BaseURL, token), nil
	}
}

// buildProbeTargets resolves an adapter for every currently-configured
// connection so the background prober has something to call the first time
// a connection goes DEGRADED. Connections without a chat-completion adapter
// (restapi/custom) are skipped; they are never health-probed by this loop.
func buildProbeTargets(ctx context.Context, db store.Store, resolve pipeline.AdapterResolver, logger *slog.Logger) []health.Target {
	conns, err := db.ListConnections(ctx)
	if err != nil {
		logger.Warn("listing connections for health targets failed", slog.String("error", err.Error()))
		return nil
	}
	var targets []health.Target
	for _, c := range conns {
		adapter, err := resolve(c)
		if err != nil {
			continue
		}
		targets = append(targets, health.Target{Key: connectionKey(c.ID), Adapter: adapter})
	}
	return targets
}

// credentialsFile is the declarative JSON shape read once at startup
// (HUB_CREDENTIALS_FILE): file -> vault/database, one-way, never the
// reverse. It is never read again at request time.
type credentialsFile struct {
	Connections []credentialEntry `json:"connections"`
}

type credentialEntry struct {
	Name       string  `json:"name"`
	ServiceKey string  `json:"service_key"`
	Category   string  `json:"category"`
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key"`
	Token      string  `json:"token"`
	IsDefault  bool    `json:"is_default"`
	DailyLimit float64 `json:"daily_limit_usd"`
}

func seedConnectionsFromCredentialsFile(ctx context.Context, db store.Store, cv *vault.Vault, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file credentialsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse credentials file: %w", err)
	}

	existing, err := db.ListConnections(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, c := range existing {
		byName[c.Name] = true
	}

	for _, e := range file.Connections {
		if byName[e.Name] {
			continue
		}
		apiKeyEnc, err := cv.Encrypt(e.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt credentials for %q: %w", e.Name, err)
		}
		tokenEnc, err := cv.Encrypt(e.Token)
		if err != nil {
			return fmt.Errorf("encrypt credentials for %q: %w", e.Name, err)
		}
		saved, err := db.UpsertConnection(ctx, store.Connection{
			Name:          e.Name,
			ServiceKey:    e.ServiceKey,
			Category:      e.Category,
			BaseURL:       e.BaseURL,
			APIKeyEnc:     apiKeyEnc,
			TokenEnc:      tokenEnc,
			Enabled:       true,
			IsDefault:     e.IsDefault,
			DailyLimitUSD: e.DailyLimit,
		})
		if err != nil {
			return fmt.Errorf("seed connection %q: %w", e.Name, err)
		}
		// Auto-create the zero-cost CostConfig row every connection gets per
		// §3, the same as the dashboard's connection-create handler.
		if _, err := db.UpsertCostConfig(ctx, store.CostConfig{
			ConnectionID: &saved.ID,
			ModelPattern: "*",
		}); err != nil {
			logger.Warn("auto-creating zero-cost cost config failed", slog.String("connection", saved.Name), slog.String("error", err.Error()))
		}
		logger.Info("seeded connection from credentials file", slog.String("name", e.Name), slog.String("service_key", e.ServiceKey))
	}
	return nil
}

func generateToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "insecure-fallback-admin-token"
	}
	return hex.EncodeToString(b)
}
