// Package main provides the browserd entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/action"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/audit"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/contexts"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/core"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/events"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/handlers"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/middleware"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/ws"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browserd")

	ctx := context.Background()

	// Session store with health monitoring and optional replication.
	factory := store.NewFactory(cfg)
	if _, err := factory.Open(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}

	// Browser pool. Pre-warms MinBrowsers before accepting traffic.
	log.Info().
		Int("min_browsers", cfg.MinBrowsers).
		Int("max_browsers", cfg.MaxBrowsers).
		Msg("Initializing browser pool")
	pool, err := browser.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	// Security deny rules, optionally hot-reloaded from disk.
	rules, err := action.NewRuleManager(cfg.RulesPath, cfg.RulesHotReload)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("Failed to load security rules")
	}

	cs := contexts.NewStore()
	pm := pages.NewManager(pool, cfg)
	bus := events.NewBus(0)
	auditLog := audit.NewLogger(true)

	secCfg := action.SecurityConfig{
		MaxScriptBytes:  action.DefaultSecurityConfig().MaxScriptBytes,
		MaxNestingDepth: cfg.MaxNestingDepth,
		MaxArgCount:     cfg.MaxArgCount,
		MaxArgBytes:     cfg.MaxArgBytes,
	}
	validator := action.NewValidator(secCfg, rules)
	executor := action.NewExecutor(cfg, validator, cs, pm, bus, auditLog)
	api := core.New(cfg, factory, pool, cs, pm, executor, bus, auditLog)

	stopCh := make(chan struct{})
	go api.RunMetricsLoop(15*time.Second, stopCh)

	// Route table. Streaming endpoints bypass the request timeout: SSE
	// and WebSocket connections outlive any sensible deadline.
	restHandler := handlers.New(api, cfg)
	router := restHandler.Router()
	wsHandler := ws.New(api, cfg)

	requestTimeout := cfg.NavigateTimeout + 30*time.Second
	root := http.NewServeMux()
	root.Handle("/ws", wsHandler)
	root.Handle("GET /sessions/{id}/events", router)
	root.Handle("/", middleware.Timeout(requestTimeout)(router))

	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, limiter.Handler())
	}
	chain = append(chain, middleware.Authenticate(cfg))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(chain...)(root),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartRuntimeCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Str("store", factory.HealthStatus().Backend).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Bool("api_key_enabled", cfg.APIKeyEnabled).
			Msg("browserd is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if limiter != nil {
		limiter.Close()
	}

	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown error")
	}
	rules.Close()
	bus.Close()
	if err := factory.Close(); err != nil {
		log.Error().Err(err).Msg("Store close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
