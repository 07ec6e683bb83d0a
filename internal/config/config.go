package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrMasterSecretMissing = errors.New("security.master_secret must be set")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type SecurityConfig struct {
	// MasterSecret unwraps stored key material. Supplied via environment
	// only; never persisted or logged.
	MasterSecret       string        `mapstructure:"master_secret"`
	ChallengeSecret    string        `mapstructure:"challenge_secret"`
	ChallengeTTL       time.Duration `mapstructure:"challenge_ttl"`
	PolicyPath         string        `mapstructure:"policy_path"`
	RegulatedResources []string      `mapstructure:"regulated_resources"`
}

type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	RedisURL     string         `mapstructure:"redis_url"`
	Window       time.Duration  `mapstructure:"window"`
	DefaultLimit int            `mapstructure:"default_limit"`
	TierLimits   map[string]int `mapstructure:"tier_limits"`
}

type NotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("security.challenge_ttl", "5m")
	v.SetDefault("security.policy_path", "classification.yaml")
	v.SetDefault("security.regulated_resources", []string{"patient_record", "clinical_note", "lab_result"})
	v.SetDefault("database.type", "memory")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.redis_url", "redis://localhost:6379")
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.default_limit", 120)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.nats_url", "nats://localhost:4222")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/securecore")
	}

	v.SetEnvPrefix("SECURECORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Security.MasterSecret == "" {
		return ErrMasterSecretMissing
	}
	if c.Security.ChallengeSecret == "" {
		return errors.New("security.challenge_secret must be set")
	}
	return nil
}
