package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/config"
	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/compliance"
	"github.com/ehr/phreport/internal/platform/db"
	"github.com/ehr/phreport/internal/platform/gateway"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/middleware"
)

const version = "0.1.0"

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()

	metrics.RegisterMetrics(metrics.Collectors()...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(metrics.TrackHTTP())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("2M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("development auth enabled; every request runs as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	deps := map[string]db.Pinger{}
	if a.pool != nil {
		deps["postgres"] = a.pool
	}
	if a.redis != nil {
		deps["redis"] = db.PingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	e.GET("/health/db", db.HealthHandler(deps))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	statereport.NewHandler(a.svc).RegisterRoutes(apiV1)
	compliance.NewHandler(a.monitor).RegisterRoutes(apiV1)

	if cfg.MLLPAckAddr != "" {
		listener := gateway.NewAckListener(cfg.MLLPAckAddr, a.svc, logger)
		if err := listener.Start(); err != nil {
			return err
		}
		defer listener.Stop()
		logger.Info().Str("addr", listener.Addr()).Msg("MLLP acknowledgment listener started")
	}

	bg, stopBG := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.worker.Start(bg)
	}()
	go func() {
		defer wg.Done()
		a.monitor.Start(bg)
	}()
	defer func() {
		stopBG()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
