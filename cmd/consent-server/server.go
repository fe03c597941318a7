package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/ledger"
	"github.com/ehr/consent/internal/platform/metrics"
	"github.com/ehr/consent/internal/platform/middleware"
	"github.com/ehr/consent/internal/platform/signature"
)

const (
	serverVersion = "0.1.0"
	// recoverLimit bounds how many outstanding anchors are re-queued at startup.
	recoverLimit    = 1000
	shutdownTimeout = 10 * time.Second
)

// app is a fully wired server. Closers run in reverse order on shutdown.
type app struct {
	echo      *echo.Echo
	engine    *consent.Engine
	confirmer *ledger.Confirmer
	closers   []func()
	logger    zerolog.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	// Store
	var (
		store  consent.Store
		pinger db.Pinger
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		store = consent.NewMemoryStore()
		logger.Warn().Msg("using in-memory consent store; data is lost on restart")
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		store = consent.NewPGStore(pool)
		pinger = pool
		logger.Info().Msg("connected to database")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	a.engine = consent.NewEngine(store, signature.NewVerifier(),
		consent.WithMaxRetries(cfg.TransitionMaxRetries),
		consent.WithLogger(logger.With().Str("component", "engine").Logger()),
		consent.WithMetrics(m),
	)

	// Ledger anchoring
	client, err := newLedgerClient(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	if client != nil {
		queue, err := newAnchorQueue(ctx, cfg, a)
		if err != nil {
			a.close()
			return nil, err
		}
		a.confirmer = ledger.NewConfirmer(client, queue, a.engine, ledger.ConfirmerConfig{
			PollInterval: cfg.AnchorPollInterval,
			CallTimeout:  cfg.AnchorCallTimeout,
			MaxAttempts:  cfg.AnchorMaxAttempts,
			BackoffBase:  cfg.AnchorBackoffBase,
			BackoffMax:   cfg.AnchorBackoffMax,
			Deadline:     cfg.AnchorDeadline,
		},
			ledger.WithLogger(logger.With().Str("component", "confirmer").Logger()),
			ledger.WithMetrics(m),
		)
		a.engine.SetAnchorer(a.confirmer)
		logger.Info().Str("driver", cfg.LedgerDriver).Msg("ledger anchoring enabled")
	} else {
		logger.Warn().Msg("ledger anchoring disabled")
	}

	a.echo = newEcho(cfg, logger, m, reg, pinger, consent.NewHandler(a.engine, consent.NewQueryService(store)))
	return a, nil
}

func newLedgerClient(ctx context.Context, cfg *config.Config) (ledger.Client, error) {
	switch cfg.LedgerDriver {
	case config.LedgerNone:
		return nil, nil
	case config.LedgerMemory, "":
		return ledger.NewMemoryLedger(cfg.LedgerConfirmAfter), nil
	case config.LedgerEthereum:
		client, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:        cfg.LedgerRPCURL,
			ChainID:       cfg.LedgerChainID,
			PrivateKey:    cfg.LedgerPrivateKey,
			AnchorAddress: cfg.LedgerAnchorAddress,
			Confirmations: cfg.LedgerConfirmations,
		})
		if err != nil {
			return nil, fmt.Errorf("dial ethereum ledger: %w", err)
		}
		return client, nil
	case config.LedgerGateway:
		return ledger.NewGatewayClient(cfg.LedgerGatewayURL, cfg.LedgerGatewayToken, cfg.AnchorCallTimeout), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}

// newAnchorQueue uses Redis when REDIS_URL is set so replicas share one
// queue; otherwise outstanding jobs live in process and are rebuilt from the
// store on restart.
func newAnchorQueue(ctx context.Context, cfg *config.Config, a *app) (ledger.Queue, error) {
	if cfg.RedisURL == "" {
		return ledger.NewMemoryQueue(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return ledger.NewRedisQueue(rdb, cfg.AnchorQueuePrefix), nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics, reg *prometheus.Registry, pinger db.Pinger, h *consent.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(m))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthJWKSURL == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.Skipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	// API
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	h.RegisterRoutes(apiV1)

	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.confirmer != nil {
		a.confirmer.Start(ctx)
		defer a.confirmer.Stop()

		n, err := a.engine.RecoverAnchors(ctx, recoverLimit)
		if err != nil {
			logger.Error().Err(err).Msg("failed to recover outstanding anchors")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("re-queued outstanding anchors")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
