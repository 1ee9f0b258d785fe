// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string `yaml:"port"`

	// Base URLs for the external providers
	LendingURL   string   `yaml:"lending_url"`
	FlashLoanURL string   `yaml:"flashloan_url"`
	SwapURLs     []string `yaml:"swap_urls"`

	// Transaction consumer webhook; empty disables submission
	SubmitURL string `yaml:"submit_url"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `yaml:"otel_endpoint"`

	// API keys keyed by provider name
	APIKeys map[string]string `yaml:"api_keys"`

	// Hex secp256k1 key used to sign submitted plans; empty generates one
	SigningKey string `yaml:"signing_key"`

	// Timeouts and circuit breaker settings
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	ProviderTimeout        time.Duration `yaml:"provider_timeout"`
	CircuitResetDelay      time.Duration `yaml:"circuit_reset_delay"`
	CircuitFailures        int           `yaml:"circuit_failures"`
	CircuitSuccessRequired int           `yaml:"circuit_success_required"`

	// Reported rates above this trip the lending market breaker; zero disables
	CircuitMaxAPY float64 `yaml:"circuit_max_apy"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	Policy Policy `yaml:"policy"`
}

// Load creates a new Config from environment variables
func Load() Config {
	apiKeys := map[string]string{}
	if raw := os.Getenv("API_KEYS"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &apiKeys)
	}

	swapURLs := []string{GetEnvOrDefault("SWAP_URL", "http://localhost:8082")}
	if raw := os.Getenv("SWAP_URLS"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &swapURLs)
	}

	return Config{
		Port:                   GetEnvOrDefault("PORT", "8080"),
		LendingURL:             GetEnvOrDefault("LENDING_URL", "http://localhost:8081"),
		FlashLoanURL:           GetEnvOrDefault("FLASHLOAN_URL", "http://localhost:8081"),
		SwapURLs:               swapURLs,
		SubmitURL:              GetEnvOrDefault("SUBMIT_URL", ""),
		OtelEndpoint:           GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		APIKeys:                apiKeys,
		SigningKey:             GetEnvOrDefault("PLAN_SIGNING_KEY", ""),
		RequestTimeout:         GetEnvAsDuration("REQUEST_TIMEOUT", 15*time.Second),
		ProviderTimeout:        GetEnvAsDuration("PROVIDER_TIMEOUT", 10*time.Second),
		CircuitResetDelay:      GetEnvAsDuration("CIRCUIT_RESET_DELAY", 30*time.Second),
		CircuitFailures:        GetEnvAsInt("CIRCUIT_FAILURES", 5),
		CircuitSuccessRequired: GetEnvAsInt("CIRCUIT_SUCCESS_REQUIRED", 2),
		CircuitMaxAPY:          GetEnvAsFloat("CIRCUIT_MAX_APY", 10.0),
		RateLimitRPS:           GetEnvAsFloat("RATE_LIMIT_RPS", 10.0),
		RateLimitBurst:         GetEnvAsInt("RATE_LIMIT_BURST", 20),
		Policy:                 LoadPolicy(),
	}
}

// LoadFile overlays a YAML file on top of base. Keys missing from the file
// keep the value already in base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration before any component is constructed
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.LendingURL == "" || c.FlashLoanURL == "" {
		return fmt.Errorf("lending and flash loan provider URLs are required")
	}
	if len(c.SwapURLs) == 0 {
		return fmt.Errorf("at least one swap venue URL is required")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be > 0")
	}
	if c.CircuitFailures <= 0 || c.CircuitSuccessRequired <= 0 {
		return fmt.Errorf("circuit thresholds must be > 0")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be > 0")
	}
	return c.Policy.Validate()
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsUint retrieves an environment variable as an unsigned integer with a default value
func GetEnvAsUint(key string, defaultValue uint64) uint64 {
	if value, exists := GetEnv(key); exists {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
