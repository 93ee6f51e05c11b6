package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yanniks/health-companion-prototype/internal/config"
	"github.com/yanniks/health-companion-prototype/internal/domain/ingestion"
	"github.com/yanniks/health-companion-prototype/internal/platform/auth"
	"github.com/yanniks/health-companion-prototype/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "client-facing-server",
		Short: "Ingestion gateway for patient-generated health data",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "client-facing-server").Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", "client-facing-server").Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	idempotency, err := ingestion.NewIdempotencyStore(cfg.ClientStorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open idempotency store")
	}
	audit := ingestion.NewAuditLogger(cfg.ClientStorageDir, logger)

	clinical := ingestion.NewClinicalClient(cfg.ClinicalBaseURL,
		time.Duration(cfg.ClinicalTimeoutSeconds)*time.Second)

	svc := ingestion.NewService(idempotency, audit, clinical, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ingestion.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit("1M"))

	// Authentication rejections and rate-limit rejections each leave one
	// categorical audit line.
	authMW := auth.JWTMiddleware(auth.JWTConfig{
		Audience: "client-facing-server",
		JWKSURL:  cfg.IAMBaseURL + "/jwks",
		OnReject: func(reason string) {
			audit.Record(ingestion.AuditEvent{
				Event:   ingestion.AuditAuthRejected,
				Outcome: reason,
			})
		},
	})
	rateMW := middleware.RateLimit(middleware.RateLimitConfig{
		Max:    cfg.RateLimitMax,
		Window: time.Duration(cfg.RateLimitWindow) * time.Second,
		KeyFunc: func(c echo.Context) string {
			return auth.SubjectFromContext(c.Request().Context())
		},
		OnReject: func(subject string, retryAfter int) {
			audit.Record(ingestion.AuditEvent{
				Event:      ingestion.AuditRateLimitRejected,
				SubjectRef: ingestion.SubjectRef(subject),
				Outcome:    "window exceeded",
			})
		},
	})

	h := ingestion.NewHandler(svc, cfg.IAMBaseURL+"/.well-known/openid-configuration")
	h.RegisterRoutes(e.Group("/api/v1"), authMW, rateMW)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": ingestion.ServerVersion})
	})

	go func() {
		addr := ":" + cfg.ClientPort
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled()).Msg("starting server")

		var err error
		if cfg.TLSEnabled() {
			err = e.StartTLS(addr, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
