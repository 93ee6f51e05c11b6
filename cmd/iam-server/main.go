package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yanniks/health-companion-prototype/internal/config"
	"github.com/yanniks/health-companion-prototype/internal/domain/identity"
	"github.com/yanniks/health-companion-prototype/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iam-server",
		Short: "Identity authority for the health companion backend",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(patientCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the identity authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "iam-server").Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", "iam-server").Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	patients, err := identity.NewPatientRepoFile(cfg.IAMStorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open patient store")
	}
	codes, err := identity.NewCodeRepoFile(cfg.IAMStorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open authorization code store")
	}
	refresh, err := identity.NewRefreshTokenRepoFile(cfg.IAMStorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open refresh token store")
	}

	// A signing key that cannot be loaded is fatal: without it every
	// issued token would be worthless.
	key, err := identity.LoadOrGenerateKey(cfg.IAMStorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signing key")
	}
	logger.Info().Str("kid", key.KID).Msg("signing key ready")

	svc := identity.NewService(patients, codes, refresh, identity.NewTokenIssuer(key),
		cfg.OAuthClientID, cfg.OAuthRedirectURIs, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	identity.NewHandler(svc, cfg.IAMBaseURL, key.JWK()).RegisterRoutes(e)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "1.0.0"})
	})

	return serveWithShutdown(e, cfg, cfg.IAMPort, logger)
}

// serveWithShutdown starts the server (TLS when configured) and drains it on
// SIGINT/SIGTERM.
func serveWithShutdown(e *echo.Echo, cfg *config.Config, port string, logger zerolog.Logger) error {
	go func() {
		addr := ":" + port
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

// patientCmd drives the patient-management surface from the command line so
// practice staff never need raw HTTP calls.
func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Manage registered patients",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			given, _ := cmd.Flags().GetString("given")
			family, _ := cmd.Flags().GetString("family")
			dob, _ := cmd.Flags().GetString("dob")
			if given == "" || family == "" || dob == "" {
				return fmt.Errorf("--given, --family and --dob are required")
			}

			body, _ := json.Marshal(map[string]string{
				"givenName":   given,
				"familyName":  family,
				"dateOfBirth": dob,
			})
			var patient identity.Patient
			if err := callIAM(http.MethodPost, "/patients", string(body), &patient); err != nil {
				return err
			}
			fmt.Printf("Registered patient %s: %s, %s (born %s)\n",
				patient.ID, patient.FamilyName, patient.GivenName, patient.DateOfBirth)
			return nil
		},
	}
	registerCmd.Flags().String("given", "", "Given name")
	registerCmd.Flags().String("family", "", "Family name")
	registerCmd.Flags().String("dob", "", "Date of birth (YYYY-MM-DD)")
	cmd.AddCommand(registerCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patients []identity.Patient
			if err := callIAM(http.MethodGet, "/patients", "", &patients); err != nil {
				return err
			}
			fmt.Printf("%-6s %-20s %-20s %s\n", "ID", "FAMILY", "GIVEN", "BORN")
			for _, p := range patients {
				fmt.Printf("%-6s %-20s %-20s %s\n", p.ID, p.FamilyName, p.GivenName, p.DateOfBirth)
			}
			return nil
		},
	})

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a patient and revoke their refresh tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			if err := callIAM(http.MethodDelete, "/patients/"+url.PathEscape(id), "", nil); err != nil {
				return err
			}
			fmt.Printf("Deleted patient %s\n", id)
			return nil
		},
	}
	deleteCmd.Flags().String("id", "", "Patient identifier")
	cmd.AddCommand(deleteCmd)

	return cmd
}

func callIAM(method, path, body string, out interface{}) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var req *http.Request
	if body != "" {
		req, err = http.NewRequest(method, cfg.IAMBaseURL+path, strings.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequest(method, cfg.IAMBaseURL+path, nil)
	}
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling identity authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("identity authority returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
