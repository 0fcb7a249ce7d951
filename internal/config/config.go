// Package config provides configuration loading for the uscore commands.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables already set, so the process
// environment wins over .env and .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings shared by the runner, the
// validator service and the mock FHIR server.
type Config struct {
	Env      string // Deployment environment (dev, staging, prod)
	LogLevel string // debug, info, warn, error

	// Validator
	ValidatorURL     string        // External validator base URL (VALIDATOR_URL)
	ValidatorAddr    string        // Listen address of `uscore validator`
	ProfileDir       string        // Extra *.schema.json profiles
	MaxBodyBytes     int64         // Request body limit of the validator service
	ValidatorTimeout time.Duration // Per validation call

	// FHIR client
	RequestTimeout time.Duration // Per FHIR request
	RetryMax       int           // Retries of idempotent requests on 429/503

	// Concurrency
	ValidatorConcurrency int // Bundle entries validated at once
	RunConcurrency       int // Independent runs at once

	// Report sinks
	ReportDir    string // Write every report to this directory when set
	ReportFormat string // table, text, json, yaml
	DatabaseDSN  string // PostgreSQL report store
	NATSURL      string // NATS server URL for run events
	S3Endpoint   string // S3-compatible storage endpoint
	S3Region     string
	S3Bucket     string // Archive bucket; empty disables archiving
	S3Prefix     string
	S3AccessKey  string
	S3SecretKey  string

	// Mock FHIR server
	MockAddr         string
	MockBearerToken  string
	MockClientID     string
	MockClientSecret string
	MockRefreshToken string

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)

	// Tracing
	TraceStdout bool // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv              = "dev"
	defaultLogLevel         = "info"
	defaultValidatorURL     = "http://localhost:8080"
	defaultValidatorAddr    = ":8080"
	defaultMockAddr         = ":8090"
	defaultS3Region         = "us-east-1"
	defaultS3Prefix         = "reports"
	defaultReportFormat     = "table"
	defaultRequestTimeout   = 30 * time.Second
	defaultValidatorTimeout = 30 * time.Second
	defaultRetryMax         = 2
	defaultConcurrency      = 4
	defaultMaxBodyBytes     = 10 << 20
)

var reportFormats = map[string]bool{"table": true, "text": true, "json": true, "yaml": true}

// Load reads environment variables and produces a Config.
// Returns an error if a value is present but malformed.
func Load() (Config, error) {
	cfg := Config{
		Env:                  getEnv("USCORE_ENV", defaultEnv),
		LogLevel:             strings.ToLower(getEnv("USCORE_LOG_LEVEL", defaultLogLevel)),
		ValidatorURL:         getEnv("VALIDATOR_URL", defaultValidatorURL),
		ValidatorAddr:        getEnv("USCORE_VALIDATOR_ADDR", defaultValidatorAddr),
		ProfileDir:           os.Getenv("USCORE_PROFILE_DIR"),
		ReportDir:            os.Getenv("USCORE_REPORT_DIR"),
		ReportFormat:         strings.ToLower(getEnv("USCORE_REPORT_FORMAT", defaultReportFormat)),
		DatabaseDSN:          os.Getenv("USCORE_DB_DSN"),
		NATSURL:              os.Getenv("USCORE_NATS_URL"),
		S3Endpoint:           os.Getenv("USCORE_S3_ENDPOINT"),
		S3Region:             getEnv("USCORE_S3_REGION", defaultS3Region),
		S3Bucket:             os.Getenv("USCORE_S3_BUCKET"),
		S3Prefix:             getEnv("USCORE_S3_PREFIX", defaultS3Prefix),
		S3AccessKey:          os.Getenv("USCORE_S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("USCORE_S3_SECRET_KEY"),
		MockAddr:             getEnv("USCORE_MOCK_ADDR", defaultMockAddr),
		MockBearerToken:      os.Getenv("USCORE_MOCK_BEARER_TOKEN"),
		MockClientID:         os.Getenv("USCORE_MOCK_CLIENT_ID"),
		MockClientSecret:     os.Getenv("USCORE_MOCK_CLIENT_SECRET"),
		MockRefreshToken:     os.Getenv("USCORE_MOCK_REFRESH_TOKEN"),
		TraceStdout:          parseBool(os.Getenv("USCORE_TRACE_STDOUT")),
		RequestTimeout:       defaultRequestTimeout,
		ValidatorTimeout:     defaultValidatorTimeout,
		RetryMax:             defaultRetryMax,
		ValidatorConcurrency: defaultConcurrency,
		RunConcurrency:       defaultConcurrency,
		MaxBodyBytes:         defaultMaxBodyBytes,
	}

	var err error
	if cfg.RequestTimeout, err = durationEnv("USCORE_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.ValidatorTimeout, err = durationEnv("USCORE_VALIDATOR_TIMEOUT", cfg.ValidatorTimeout); err != nil {
		return cfg, err
	}
	if cfg.RetryMax, err = intEnv("USCORE_RETRY_MAX", cfg.RetryMax, 0); err != nil {
		return cfg, err
	}
	if cfg.ValidatorConcurrency, err = intEnv("USCORE_VALIDATOR_CONCURRENCY", cfg.ValidatorConcurrency, 1); err != nil {
		return cfg, err
	}
	if cfg.RunConcurrency, err = intEnv("USCORE_RUN_CONCURRENCY", cfg.RunConcurrency, 1); err != nil {
		return cfg, err
	}

	if v, exists := os.LookupEnv("USCORE_MAX_BODY_BYTES"); exists {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("USCORE_MAX_BODY_BYTES must be a positive integer, got %q", v)
		}
		cfg.MaxBodyBytes = size
	}

	if corsOrigins, exists := os.LookupEnv("USCORE_CORS_ALLOWED_ORIGINS"); exists {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	if !reportFormats[cfg.ReportFormat] {
		return cfg, fmt.Errorf("USCORE_REPORT_FORMAT must be one of table, text, json, yaml; got %q", cfg.ReportFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, fmt.Errorf("USCORE_LOG_LEVEL must be one of debug, info, warn, error; got %q", cfg.LogLevel)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func intEnv(key string, fallback, min int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return fallback, fmt.Errorf("%s must be an integer >= %d, got %q", key, min, v)
	}
	return n, nil
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
