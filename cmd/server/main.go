package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "avisearch/orchestrator/internal/api/http"
	"avisearch/orchestrator/internal/app"
	"avisearch/orchestrator/internal/backend"
	"avisearch/orchestrator/internal/metrics"
	"avisearch/orchestrator/internal/search"
	"avisearch/orchestrator/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "avisearch-orchestrator")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "avisearch-orchestrator"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("backendUrl", cfg.BackendURL),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Int("searchLimit", cfg.SearchLimit),
		slog.Int("crossModalLimit", cfg.CrossModalLimit),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Duration("catalogTTL", cfg.CatalogTTL),
		slog.Duration("sessionTTL", cfg.SessionTTL),
	)

	backendClient := backend.NewClient(backend.Config{
		BaseURL:           cfg.BackendURL,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.BackendRPS,
		Client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 5*time.Second)
	if err := backendClient.Health(startupCtx); err != nil {
		logger.Warn("backend not reachable at startup, continuing anyway",
			slog.String("backendUrl", cfg.BackendURL),
			slog.String("error", err.Error()),
		)
	} else if status, err := backendClient.CollectionsStatus(startupCtx); err != nil {
		logger.Warn("backend up but collections status failed", slog.String("error", err.Error()))
	} else {
		logger.Info("backend collections reachable", slog.Int("collections", len(status)))
	}
	cancelStartup()

	catalogOpts := []search.CatalogOption{search.WithCatalogLogger(logger)}
	if store := buildCatalogStore(cfg, logger); store != nil {
		catalogOpts = append(catalogOpts, search.WithRedisCatalogStore(store))
	}
	catalog := search.NewCatalog(backendClient, cfg.CatalogTTL, catalogOpts...)

	sessions := search.NewSessionManager(backendClient, catalog,
		search.WithSessionTTL(cfg.SessionTTL),
		search.WithSessionLogger(logger),
		search.WithControllerOptions(
			search.WithSearchLimit(cfg.SearchLimit),
			search.WithCrossModalLimit(cfg.CrossModalLimit),
		),
	)

	handler := apihttp.NewServer(sessions,
		apihttp.WithLogger(logger),
		apihttp.WithBirdService(backendClient),
		apihttp.WithRequestTimeout(cfg.RequestTimeout),
		apihttp.WithEnhanceTimeout(cfg.EnhanceTimeout),
		apihttp.WithEnhanceDisabled(cfg.EnhanceDisabled),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sessions.StartBackground(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("bird search orchestrator started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("bird search orchestrator stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildCatalogStore(cfg app.Config, logger *slog.Logger) *search.RedisCatalogStore {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory catalog cache only", slog.String("error", err.Error()))
		return nil
	}
	store := search.NewRedisCatalogStore(redis.NewClient(redisOpts))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis not reachable, using in-memory catalog cache only", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return store
}
