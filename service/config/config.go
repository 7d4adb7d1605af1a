package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Config holds the server configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Ledger policy
	LedgerOwner     solana.PublicKey
	ChallengeWindow time.Duration
	AmountDecimals  int

	// Request authentication and throttling
	SignatureMaxSkew time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int

	// On-chain donation verification. Both empty means declared-amount mode.
	SolanaRPCURLs   []string
	TreasuryAddress *solana.PublicKey

	// Temporal configuration, used for settlement when ChallengeWindow > 0
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Journal export
	ArchiveBucket string
	ArchiveRegion string
}

// VerifiesDonations reports whether donations must reference an on-chain transfer.
func (c *Config) VerifiesDonations() bool {
	return c.TreasuryAddress != nil && len(c.SolanaRPCURLs) > 0
}

// Load reads configuration from environment variables and validates all required fields.
// Every problem is reported, not just the first.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	if owner := os.Getenv("LEDGER_OWNER"); owner == "" {
		errs = append(errs, fmt.Errorf("LEDGER_OWNER is required"))
	} else if key, err := parsePublicKey("LEDGER_OWNER", owner); err != nil {
		errs = append(errs, err)
	} else {
		cfg.LedgerOwner = key
	}

	if window, err := parseDuration("CHALLENGE_WINDOW", "24h"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChallengeWindow = window
	}

	if decimals, err := parseInt("AMOUNT_DECIMALS", 9); err != nil {
		errs = append(errs, err)
	} else {
		cfg.AmountDecimals = decimals
	}

	if skew, err := parseDuration("SIGNATURE_MAX_SKEW", "5m"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.SignatureMaxSkew = skew
	}

	if rps, err := parseFloat("RATE_LIMIT_RPS", 10); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RateLimitRPS = rps
	}

	if burst, err := parseInt("RATE_LIMIT_BURST", 20); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RateLimitBurst = burst
	}

	for _, endpoint := range strings.Split(os.Getenv("SOLANA_RPC_URL"), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			cfg.SolanaRPCURLs = append(cfg.SolanaRPCURLs, endpoint)
		}
	}

	if treasury := os.Getenv("TREASURY_ADDRESS"); treasury != "" {
		if key, err := parsePublicKey("TREASURY_ADDRESS", treasury); err != nil {
			errs = append(errs, err)
		} else {
			cfg.TreasuryAddress = &key
		}
	}

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "charityledger-settlement")

	cfg.ArchiveBucket = os.Getenv("ARCHIVE_BUCKET")
	cfg.ArchiveRegion = getEnvOrDefault("ARCHIVE_REGION", "us-east-1")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints. It is useful for testing configuration
// without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.LedgerOwner.IsZero() {
		errs = append(errs, fmt.Errorf("LedgerOwner is required"))
	}

	if c.ChallengeWindow < 0 {
		errs = append(errs, fmt.Errorf("ChallengeWindow cannot be negative"))
	}

	if c.ChallengeWindow > 0 && (c.TemporalHost == "" || c.TemporalNamespace == "" || c.TemporalTaskQueue == "") {
		errs = append(errs, fmt.Errorf("Temporal host, namespace and task queue are required when ChallengeWindow is set"))
	}

	if c.AmountDecimals < 0 || c.AmountDecimals > 18 {
		errs = append(errs, fmt.Errorf("AmountDecimals must be between 0 and 18"))
	}

	if c.SignatureMaxSkew < time.Second {
		errs = append(errs, fmt.Errorf("SignatureMaxSkew must be at least 1 second"))
	}

	if c.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RateLimitRPS must be positive"))
	}

	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RateLimitBurst must be at least 1"))
	}

	if c.TreasuryAddress != nil && len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required when TREASURY_ADDRESS is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// WorkerConfig holds the settlement worker configuration.
type WorkerConfig struct {
	LogLevel    string
	MetricsAddr string

	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// ServerURL is the ledger API the worker finalizes transactions through.
	ServerURL string
}

// LoadWorker reads the worker configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		MetricsAddr:       getEnvOrDefault("METRICS_ADDR", ":9091"),
		TemporalHost:      getEnvOrDefault("TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnvOrDefault("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnvOrDefault("TEMPORAL_TASK_QUEUE", "charityledger-settlement"),
		ServerURL:         getEnvOrDefault("CHARITY_SERVER_URL", "http://localhost:8080"),
	}

	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("configuration validation failed: CHARITY_SERVER_URL must be an http(s) URL, got %q", cfg.ServerURL)
	}
	return cfg, nil
}

// MustLoadWorker is like LoadWorker but panics if configuration is invalid.
func MustLoadWorker() *WorkerConfig {
	cfg, err := LoadWorker()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parsePublicKey(key, value string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: invalid address %q: %w", key, value, err)
	}
	if pk.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%s: zero address is not allowed", key)
	}
	return pk, nil
}
