// Package config defines the top-level configuration for perpbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PERPBOT_* environment
// variables.
type Config struct {
	Exchange Exchange `toml:"exchange"`
	Vault    Vault    `toml:"vault"`
	Database Database `toml:"database"`
	Redis    Redis    `toml:"redis"`
	S3       S3       `toml:"s3"`
	Monitor  Monitor  `toml:"monitor"`
	Dispatch Dispatch `toml:"dispatch"`
	Server   Server   `toml:"server"`
	Notify   Notify   `toml:"notify"`
	Archive  Archive  `toml:"archive"`
	Mode     string   `toml:"mode"`
	LogLevel string   `toml:"log_level"`
}

// Exchange holds the futures REST endpoint parameters shared by all users.
type Exchange struct {
	BaseURL        string   `toml:"base_url"`
	ProductType    string   `toml:"product_type"`
	MarginCoin     string   `toml:"margin_coin"`
	Demo           bool     `toml:"demo"`
	RequestTimeout duration `toml:"request_timeout"`
}

// Vault holds the master password used to decrypt per-user API keys.
type Vault struct {
	MasterPassword string `toml:"master_password"`
}

// Database holds PostgreSQL connection parameters.
type Database struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Redis holds Redis connection parameters. Redis is a cache-aside layer; the
// engine degrades to direct exchange calls when it is unavailable.
type Redis struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// S3 holds object storage parameters for the archiver.
type S3 struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Monitor holds reconciler scheduling parameters.
type Monitor struct {
	Interval duration `toml:"interval"`
	LeaseTTL duration `toml:"lease_ttl"`
}

// Dispatch holds signal fan-out parameters.
type Dispatch struct {
	MaxConcurrentUsers int      `toml:"max_concurrent_users"`
	DedupTTL           duration `toml:"dedup_ttl"`
}

// Server holds HTTP server parameters for the webhook and ops endpoints.
type Server struct {
	Port int `toml:"port"`
}

// Notify holds notification channel credentials.
type Notify struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Archive holds cold-storage retention parameters.
type Archive struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "2m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: Exchange{
			BaseURL:        "https://api.bitget.com",
			ProductType:    "USDT-FUTURES",
			MarginCoin:     "USDT",
			RequestTimeout: duration{10 * time.Second},
		},
		Database: Database{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: Redis{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3{
			Region: "us-east-1",
			Bucket: "perpbot-archive",
		},
		Monitor: Monitor{
			Interval: duration{5 * time.Second},
			LeaseTTL: duration{120 * time.Second},
		},
		Dispatch: Dispatch{
			MaxConcurrentUsers: 10,
			DedupTTL:           duration{10 * time.Second},
		},
		Server: Server{
			Port: 8000,
		},
		Notify: Notify{
			Events: []string{"position_opened", "position_closed", "emergency_shutdown", "error"},
		},
		Archive: Archive{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true, // webhook + ops server only
	"monitor": true, // reconciler only
	"full":    true, // everything
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.RequestTimeout.Duration <= 0 {
		errs = append(errs, "exchange: request_timeout must be positive")
	}

	if c.Vault.MasterPassword == "" {
		errs = append(errs, "vault: master_password must be set (use PERPBOT_VAULT_MASTER_PASSWORD)")
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be positive")
	}
	if c.Monitor.LeaseTTL.Duration <= c.Monitor.Interval.Duration {
		errs = append(errs, "monitor: lease_ttl must exceed the cycle interval")
	}

	if c.Dispatch.MaxConcurrentUsers < 1 {
		errs = append(errs, "dispatch: max_concurrent_users must be >= 1")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
