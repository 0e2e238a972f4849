// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (distributed rate limiting; optional, falls back to in-memory)
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`

	// R2 (Cloudflare Object Storage)
	R2BucketName      string `koanf:"r2_bucket_name"`
	R2AccessKeyID     string `koanf:"r2_access_key_id"`
	R2SecretAccessKey string `koanf:"r2_secret_access_key"`
	R2Endpoint        string `koanf:"r2_endpoint"`

	// Signing
	SigningBaseURL    string `koanf:"signing_base_url"`    // public origin for capability links
	DefaultExpiryDays int    `koanf:"default_expiry_days"` // document expiration when unset per document

	// Provider webhook (alternate signing integration; optional)
	WebhookSecret   string `koanf:"webhook_secret"`
	ProviderBaseURL string `koanf:"provider_base_url"`
	ProviderAPIKey  string `koanf:"provider_api_key"`

	// SMTP (invitation delivery; optional, logs invitations when unset)
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from"`

	// Rate limits (requests per minute)
	GlobalRateLimit   int `koanf:"global_rate_limit"`
	SubmitRateLimit   int `koanf:"submit_rate_limit"`
	DownloadRateLimit int `koanf:"download_rate_limit"`

	// Tracing (optional OTLP endpoint)
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL    = errors.New("DATABASE_URL is required")
	ErrMissingR2BucketName   = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID  = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretKey    = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingR2Endpoint     = errors.New("R2_ENDPOINT is required")
	ErrMissingSigningBaseURL = errors.New("ESIGN_SIGNING_BASE_URL is required")
	ErrMissingWebhookSecret  = errors.New("ESIGN_WEBHOOK_SECRET is required when the provider integration is configured")
	ErrMissingProviderAPIKey = errors.New("ESIGN_PROVIDER_API_KEY is required when ESIGN_PROVIDER_BASE_URL is set")
	ErrIncompleteSMTP        = errors.New("SMTP_HOST and SMTP_FROM must be set together")
	ErrInvalidPort           = errors.New("PORT must be a valid integer")
	ErrInvalidExpiryDays     = errors.New("ESIGN_DEFAULT_EXPIRY_DAYS must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultExpiryDays        = 14
	DefaultSMTPPort          = 587
	DefaultGlobalRateLimit   = 100
	DefaultSubmitRateLimit   = 10
	DefaultDownloadRateLimit = 30
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try ESIGN_PORT first, then PORT for platform compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"ESIGN_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	expiryDays, expiryErr := getEnvIntOrDefault("ESIGN_DEFAULT_EXPIRY_DAYS", k.Int("default_expiry_days"), DefaultExpiryDays)
	if expiryErr != nil {
		loadErrs = append(loadErrs, expiryErr)
	}

	smtpPort, smtpPortErr := getEnvIntOrDefault("SMTP_PORT", k.Int("smtp_port"), DefaultSMTPPort)
	if smtpPortErr != nil {
		loadErrs = append(loadErrs, smtpPortErr)
	}

	globalLimit, err := getEnvIntOrDefault("ESIGN_GLOBAL_RATE_LIMIT", k.Int("global_rate_limit"), DefaultGlobalRateLimit)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	submitLimit, err := getEnvIntOrDefault("ESIGN_SUBMIT_RATE_LIMIT", k.Int("submit_rate_limit"), DefaultSubmitRateLimit)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	downloadLimit, err := getEnvIntOrDefault("ESIGN_DOWNLOAD_RATE_LIMIT", k.Int("download_rate_limit"), DefaultDownloadRateLimit)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:              port,
		Env:               getEnvOrDefaultMulti([]string{"ESIGN_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:       getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisAddr:         getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		RedisPassword:     getEnvOrKoanf("REDIS_PASSWORD", k, "redis_password"),
		R2BucketName:      getEnvOrKoanf("R2_BUCKET_NAME", k, "r2_bucket_name"),
		R2AccessKeyID:     getEnvOrKoanf("R2_ACCESS_KEY_ID", k, "r2_access_key_id"),
		R2SecretAccessKey: getEnvOrKoanf("R2_SECRET_ACCESS_KEY", k, "r2_secret_access_key"),
		R2Endpoint:        getEnvOrKoanf("R2_ENDPOINT", k, "r2_endpoint"),
		SigningBaseURL:    getEnvOrKoanf("ESIGN_SIGNING_BASE_URL", k, "signing_base_url"),
		DefaultExpiryDays: expiryDays,
		WebhookSecret:     getEnvOrKoanf("ESIGN_WEBHOOK_SECRET", k, "webhook_secret"),
		ProviderBaseURL:   getEnvOrKoanf("ESIGN_PROVIDER_BASE_URL", k, "provider_base_url"),
		ProviderAPIKey:    getEnvOrKoanf("ESIGN_PROVIDER_API_KEY", k, "provider_api_key"),
		SMTPHost:          getEnvOrKoanf("SMTP_HOST", k, "smtp_host"),
		SMTPPort:          smtpPort,
		SMTPUsername:      getEnvOrKoanf("SMTP_USERNAME", k, "smtp_username"),
		SMTPPassword:      getEnvOrKoanf("SMTP_PASSWORD", k, "smtp_password"),
		SMTPFrom:          getEnvOrKoanf("SMTP_FROM", k, "smtp_from"),
		GlobalRateLimit:   globalLimit,
		SubmitRateLimit:   submitLimit,
		DownloadRateLimit: downloadLimit,
		OTLPEndpoint:      getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otlp_endpoint"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.R2BucketName == "" {
		errs = append(errs, ErrMissingR2BucketName)
	}
	if c.R2AccessKeyID == "" {
		errs = append(errs, ErrMissingR2AccessKeyID)
	}
	if c.R2SecretAccessKey == "" {
		errs = append(errs, ErrMissingR2SecretKey)
	}
	if c.R2Endpoint == "" {
		errs = append(errs, ErrMissingR2Endpoint)
	}
	if c.SigningBaseURL == "" {
		errs = append(errs, ErrMissingSigningBaseURL)
	}
	if c.DefaultExpiryDays <= 0 {
		errs = append(errs, ErrInvalidExpiryDays)
	}

	// The provider integration needs both its client credentials and the
	// webhook secret; half a configuration is a misconfiguration.
	if c.ProviderBaseURL != "" {
		if c.ProviderAPIKey == "" {
			errs = append(errs, ErrMissingProviderAPIKey)
		}
		if c.WebhookSecret == "" {
			errs = append(errs, ErrMissingWebhookSecret)
		}
	}

	if (c.SMTPHost == "") != (c.SMTPFrom == "") {
		errs = append(errs, ErrIncompleteSMTP)
	}

	return errs
}

// IsProduction returns true when running in the production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ProviderEnabled reports whether the alternate signing provider is configured.
func (c *Config) ProviderEnabled() bool {
	return c.ProviderBaseURL != "" && c.ProviderAPIKey != ""
}

// SMTPEnabled reports whether invitation email delivery is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}
