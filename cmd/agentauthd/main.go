// Command agentauthd runs the agent authorization service: task delegation,
// the cached check path, the tool gateway's HTTP surface, the audit trail,
// and the expiry sweeper.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/Siddhant-K-code/agentic-authorization/pkg/api"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/audit"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/authz"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/cache"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/config"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/delegation"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/observability"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/rebac"
	"github.com/Siddhant-K-code/agentic-authorization/pkg/scope"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentauthd",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Audit: the hash-chained store is the source of truth; the log writer
	// and any configured SQL sinks receive durable copies.
	trail := audit.NewStore()
	trail.OnAppend(func(e *audit.Entry) {
		// The task counter tracks lifecycle transitions only; check
		// decisions are recorded on the check path itself.
		switch e.Event.Kind {
		case audit.KindTaskCreated, audit.KindTaskRevoked, audit.KindTaskExpired:
			obs.RecordTaskEvent(context.Background(), string(e.Event.Kind))
		}
	})
	recorders := []audit.Recorder{trail, audit.NewWriterRecorder(os.Stdout)}

	if cfg.AuditSQLitePath != "" {
		db, err := sql.Open("sqlite", cfg.AuditSQLitePath)
		if err != nil {
			return fmt.Errorf("audit sqlite: %w", err)
		}
		defer db.Close()
		rec, err := audit.NewSQLiteRecorder(db)
		if err != nil {
			return fmt.Errorf("audit sqlite: %w", err)
		}
		recorders = append(recorders, rec)
	}
	if cfg.AuditPostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.AuditPostgresDSN)
		if err != nil {
			return fmt.Errorf("audit postgres: %w", err)
		}
		defer db.Close()
		rec := audit.NewPostgresRecorder(db)
		if err := rec.Migrate(ctx); err != nil {
			return fmt.Errorf("audit postgres: %w", err)
		}
		recorders = append(recorders, rec)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	store := delegation.NewMemoryStore()
	service, err := authz.NewService(store, backend, audit.MultiRecorder(recorders), nil)
	if err != nil {
		return err
	}
	service.SetLogger(logger.With("component", "authz"))

	cacheBackend, closeCache, err := buildCacheBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()
	cached, err := cache.New(service, cacheBackend, cfg.CacheAllowTTL, cfg.CacheDenyTTL)
	if err != nil {
		return err
	}
	cached.SetLogger(logger.With("component", "cache"))
	cached.SetLookupObserver(obs.RecordCacheLookup)
	service.SetInvalidator(cached)
	checker := obs.InstrumentChecker(cached)

	var tokens *delegation.TokenManager
	if cfg.TokenSecret != "" {
		tokens, err = delegation.NewTokenManager([]byte(cfg.TokenSecret))
		if err != nil {
			return err
		}
	}

	sweeper := authz.NewSweeper(service, delegation.WallClock{}, cfg.SweepInterval,
		logger.With("component", "sweeper"))
	go sweeper.Run(ctx)

	inferrer, err := buildInferrer(cfg)
	if err != nil {
		return err
	}

	server := &api.Server{
		Service:  service,
		Checker:  checker,
		Store:    store,
		Inferrer: inferrer,
		Tokens:   tokens,
		Exporter: audit.NewExporter(trail),
		Cache:    cached,
	}

	var handler http.Handler = server.Routes()
	handler = api.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(handler)
	handler = api.Logging(logger)(handler)
	handler = api.RequestID(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr, "backend", cfg.Backend, "cache", cfg.Cache)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildBackend(cfg *config.Config) (rebac.Client, error) {
	switch cfg.Backend {
	case "memory":
		return rebac.NewEngine(), nil
	case "http":
		return rebac.NewHTTPClient(rebac.HTTPConfig{
			URL:     cfg.BackendURL,
			StoreID: cfg.BackendStoreID,
			Timeout: cfg.BackendTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func buildCacheBackend(ctx context.Context, cfg *config.Config) (cache.Backend, func(), error) {
	switch cfg.Cache {
	case "memory":
		return cache.NewMemory(nil), func() {}, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return cache.NewRedis(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache %q", cfg.Cache)
	}
}

func buildInferrer(cfg *config.Config) (scope.Inferrer, error) {
	catalog := map[string][]delegation.Resource{}
	if cfg.CatalogPath != "" {
		loaded, err := loadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}

	if cfg.LLMAPIKey == "" {
		return &scope.Static{Catalog: catalog}, nil
	}
	client := scope.NewOpenAIChatClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	return scope.NewLLMInferrer(client, func(_ context.Context, userID string) ([]delegation.Resource, error) {
		resources, ok := catalog[userID]
		if !ok {
			return nil, fmt.Errorf("no resources cataloged for user %q", userID)
		}
		return resources, nil
	}), nil
}

func loadCatalog(path string) (map[string][]delegation.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}
	catalog := map[string][]delegation.Resource{}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	return catalog, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
