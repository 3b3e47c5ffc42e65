// Package config loads service configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	KafkaBrokers    []string      `mapstructure:"KAFKA_BROKERS"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPassword   string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int           `mapstructure:"REDIS_DB"`
	LockTTL         time.Duration `mapstructure:"LOCK_TTL"`
	LockWait        time.Duration `mapstructure:"LOCK_WAIT"`
	RemoteAPIURL    string        `mapstructure:"REMOTE_API_URL"`
	RemoteAPIToken  string        `mapstructure:"REMOTE_API_TOKEN"`
	RemoteTimeout   time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogFormat       string        `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint    string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	SyncWorkers     int           `mapstructure:"SYNC_WORKERS"`
	MergeMaxRetries int           `mapstructure:"MERGE_MAX_RETRIES"`

	// APIKeys maps an API key to the client name it authenticates.
	APIKeys map[string]string `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"KAFKA_BROKERS", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"LOCK_TTL", "LOCK_WAIT", "REMOTE_API_URL", "REMOTE_API_TOKEN", "REMOTE_TIMEOUT",
	"API_KEYS", "LOG_LEVEL", "LOG_FORMAT", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"SYNC_WORKERS", "MERGE_MAX_RETRIES",
}

// Load reads the configuration of a service. DATABASE_URL is required.
func Load() (*Config, error) {
	cfg, err := LoadPartial()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// LoadPartial reads the configuration without requiring a database, for tools
// that only talk to the broker or work on files.
func LoadPartial() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOCK_TTL", "15s")
	v.SetDefault("LOCK_WAIT", "5s")
	v.SetDefault("REMOTE_TIMEOUT", "10s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SYNC_WORKERS", 8)
	v.SetDefault("MERGE_MAX_RETRIES", 3)
	v.SetDefault("API_KEYS", "demo-api-key-12345:demo-client")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	apiKeys, err := ParseAPIKeys(v.GetString("API_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.APIKeys = apiKeys

	return cfg, nil
}

// ParseAPIKeys parses "key:client,key:client" pairs.
func ParseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS: malformed entry %q, want key:client", pair)
		}
		out[key] = client
	}
	return out, nil
}

// IsDev reports whether the service runs in the development environment.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
