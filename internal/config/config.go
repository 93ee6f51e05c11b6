package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the settings for all three services. Each binary reads the
// same environment; it simply ignores the keys that belong to the others.
type Config struct {
	Env string `mapstructure:"ENV"`

	// Listen ports
	IAMPort      string `mapstructure:"IAM_PORT"`
	ClientPort   string `mapstructure:"CLIENT_PORT"`
	ClinicalPort string `mapstructure:"CLINICAL_PORT"`

	// Persistence roots
	IAMStorageDir      string `mapstructure:"IAM_STORAGE_DIR"`
	ClientStorageDir   string `mapstructure:"CLIENT_STORAGE_DIR"`
	ClinicalStorageDir string `mapstructure:"CLINICAL_STORAGE_DIR"`

	// Upstream endpoints used by the client-facing server
	IAMBaseURL      string `mapstructure:"IAM_BASE_URL"`
	ClinicalBaseURL string `mapstructure:"CLINICAL_BASE_URL"`

	// Rate limiting (sliding window, per subject)
	RateLimitMax    int `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow int `mapstructure:"RATE_LIMIT_WINDOW"`

	// GDT emission
	GDTOutputPath string `mapstructure:"GDT_OUTPUT_PATH"`
	GDTSenderID   string `mapstructure:"GDT_SENDER_ID"`
	GDTReceiverID string `mapstructure:"GDT_RECEIVER_ID"`

	// OAuth client registration (single registered client)
	OAuthClientID     string   `mapstructure:"OAUTH_CLIENT_ID"`
	OAuthRedirectURIs []string `mapstructure:"OAUTH_REDIRECT_URIS"`

	// Timeout for gateway -> clinical emitter calls, in seconds
	ClinicalTimeoutSeconds int `mapstructure:"CLINICAL_TIMEOUT_SECONDS"`

	// TLS: when both are set, the services serve TLS
	TLSCertPath string `mapstructure:"TLS_CERT_PATH"`
	TLSKeyPath  string `mapstructure:"TLS_KEY_PATH"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("IAM_PORT", "8081")
	v.SetDefault("CLIENT_PORT", "8082")
	v.SetDefault("CLINICAL_PORT", "8083")
	v.SetDefault("IAM_STORAGE_DIR", "./data/iam")
	v.SetDefault("CLIENT_STORAGE_DIR", "./data/client")
	v.SetDefault("CLINICAL_STORAGE_DIR", "./data/clinical")
	v.SetDefault("IAM_BASE_URL", "http://localhost:8081")
	v.SetDefault("CLINICAL_BASE_URL", "http://localhost:8083")
	v.SetDefault("RATE_LIMIT_MAX", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", 60)
	v.SetDefault("GDT_OUTPUT_PATH", "./data/gdt")
	v.SetDefault("GDT_SENDER_ID", "HEALTHAPP")
	v.SetDefault("GDT_RECEIVER_ID", "PRAXEDV")
	v.SetDefault("OAUTH_CLIENT_ID", "health-companion-app")
	v.SetDefault("OAUTH_REDIRECT_URIS", "com.yanniks.healthcompanion://oauth/callback")
	v.SetDefault("CLINICAL_TIMEOUT_SECONDS", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("IAM_PORT")
	v.BindEnv("CLIENT_PORT")
	v.BindEnv("CLINICAL_PORT")
	v.BindEnv("IAM_STORAGE_DIR")
	v.BindEnv("CLIENT_STORAGE_DIR")
	v.BindEnv("CLINICAL_STORAGE_DIR")
	v.BindEnv("IAM_BASE_URL")
	v.BindEnv("CLINICAL_BASE_URL")
	v.BindEnv("RATE_LIMIT_MAX")
	v.BindEnv("RATE_LIMIT_WINDOW")
	v.BindEnv("GDT_OUTPUT_PATH")
	v.BindEnv("GDT_SENDER_ID")
	v.BindEnv("GDT_RECEIVER_ID")
	v.BindEnv("OAUTH_CLIENT_ID")
	v.BindEnv("OAUTH_REDIRECT_URIS")
	v.BindEnv("CLINICAL_TIMEOUT_SECONDS")
	v.BindEnv("TLS_CERT_PATH")
	v.BindEnv("TLS_KEY_PATH")

	// .env file is optional; env vars alone are fine
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Viper splits comma-separated env values but keeps surrounding spaces
	cleaned := cfg.OAuthRedirectURIs[:0]
	for _, entry := range cfg.OAuthRedirectURIs {
		for _, p := range strings.Split(entry, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
	}
	cfg.OAuthRedirectURIs = cleaned

	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", cfg.RateLimitMax)
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %d", cfg.RateLimitWindow)
	}

	return &cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// TLSEnabled reports whether the services should terminate TLS themselves.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}
