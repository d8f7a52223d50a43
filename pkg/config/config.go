package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Logging
	LogLevel string
	LogFile  string

	// Gateway auth. Empty secret disables token verification and every
	// client connects anonymously.
	JWTSecret string

	// Credential decryption key (base64, 32 bytes once decoded).
	EncryptionKey string

	// Exchange used for client stream subscriptions that do not name one.
	DefaultExchangeID int64

	// User data stream resilience.
	StreamMaxFailures  int
	StreamBackoffBase  time.Duration
	StreamBackoffMax   time.Duration
	ListenKeyKeepAlive time.Duration

	// Broadcast fan-out.
	BroadcastQueueSize  int
	BroadcastFlushEvery time.Duration

	// Market stream multiplexer.
	UnsubscribeDebounce   time.Duration
	HistoricalCandleCount int

	// Operator console report.
	ReporterEnabled  bool
	ReporterInterval time.Duration

	// Optional YAML file with exchange seed records.
	SeedFile string
}

// ExchangeSeed describes an exchange record bootstrapped from the seed file.
type ExchangeSeed struct {
	Name         string `yaml:"name"`
	Family       string `yaml:"family"`
	RestURL      string `yaml:"rest_url"`
	StreamURL    string `yaml:"stream_url"`
	Testnet      bool   `yaml:"testnet"`
	APIKeyEnc    string `yaml:"api_key_encrypted"`
	APISecretEnc string `yaml:"api_secret_encrypted"`
}

// SeedConfig is the YAML seed file shape.
type SeedConfig struct {
	Exchanges []ExchangeSeed `yaml:"exchanges"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/martingale.db"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFile:               getEnv("LOG_FILE", ""),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		EncryptionKey:         os.Getenv("ENCRYPTION_KEY"),
		DefaultExchangeID:     int64(getEnvInt("DEFAULT_EXCHANGE_ID", 1)),
		StreamMaxFailures:     getEnvInt("STREAM_MAX_FAILURES", 5),
		StreamBackoffBase:     getEnvDuration("STREAM_BACKOFF_BASE", time.Second),
		StreamBackoffMax:      getEnvDuration("STREAM_BACKOFF_MAX", time.Minute),
		ListenKeyKeepAlive:    getEnvDuration("LISTEN_KEY_KEEPALIVE", 30*time.Minute),
		BroadcastQueueSize:    getEnvInt("BROADCAST_QUEUE_SIZE", 1024),
		BroadcastFlushEvery:   getEnvDuration("BROADCAST_FLUSH_EVERY", 250*time.Millisecond),
		UnsubscribeDebounce:   getEnvDuration("UNSUBSCRIBE_DEBOUNCE", 2*time.Second),
		HistoricalCandleCount: getEnvInt("HISTORICAL_CANDLE_COUNT", 200),
		ReporterEnabled:       getEnv("REPORTER_ENABLED", "true") == "true",
		ReporterInterval:      getEnvDuration("REPORTER_INTERVAL", time.Minute),
		SeedFile:              getEnv("SEED_FILE", ""),
	}

	if cfg.StreamMaxFailures <= 0 {
		return nil, fmt.Errorf("STREAM_MAX_FAILURES must be positive, got %d", cfg.StreamMaxFailures)
	}
	return cfg, nil
}

// LoadSeeds parses the optional YAML seed file. An empty path returns an
// empty seed set, not an error.
func LoadSeeds(path string) (*SeedConfig, error) {
	if path == "" {
		return &SeedConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seeds SeedConfig
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seeds, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
