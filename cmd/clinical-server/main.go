package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yanniks/health-companion-prototype/internal/config"
	"github.com/yanniks/health-companion-prototype/internal/domain/transfer"
	"github.com/yanniks/health-companion-prototype/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinical-server",
		Short: "Clinical emitter writing GDT exchange files",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the clinical emitter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "clinical-server").Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", "clinical-server").Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	status, err := transfer.NewStatusRepoFile(cfg.ClinicalStorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open status store")
	}

	svc := transfer.NewService(status, cfg.GDTOutputPath, cfg.GDTSenderID, cfg.GDTReceiverID, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	transfer.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "1.0.0"})
	})

	go func() {
		addr := ":" + cfg.ClinicalPort
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
