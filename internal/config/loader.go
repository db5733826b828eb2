package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// --- Exchange ---
	setStr(&cfg.Exchange.BaseURL, "PERPBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.ProductType, "PERPBOT_EXCHANGE_PRODUCT_TYPE")
	setStr(&cfg.Exchange.MarginCoin, "PERPBOT_EXCHANGE_MARGIN_COIN")
	setBool(&cfg.Exchange.Demo, "PERPBOT_EXCHANGE_DEMO")
	setDuration(&cfg.Exchange.RequestTimeout, "PERPBOT_EXCHANGE_REQUEST_TIMEOUT")

	// --- Vault ---
	setStr(&cfg.Vault.MasterPassword, "PERPBOT_VAULT_MASTER_PASSWORD")

	// --- Database ---
	setStr(&cfg.Database.DSN, "PERPBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "PERPBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "PERPBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "PERPBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "PERPBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "PERPBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "PERPBOT_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "PERPBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PERPBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PERPBOT_DATABASE_RUN_MIGRATIONS")

	// --- Redis ---
	setBool(&cfg.Redis.Enabled, "PERPBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")

	// --- S3 ---
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")

	// --- Monitor ---
	setDuration(&cfg.Monitor.Interval, "PERPBOT_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.LeaseTTL, "PERPBOT_MONITOR_LEASE_TTL")

	// --- Dispatch ---
	setInt(&cfg.Dispatch.MaxConcurrentUsers, "PERPBOT_DISPATCH_MAX_CONCURRENT_USERS")
	setDuration(&cfg.Dispatch.DedupTTL, "PERPBOT_DISPATCH_DEDUP_TTL")

	// --- Server ---
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")

	// --- Notify ---
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// --- Archive ---
	setBool(&cfg.Archive.Enabled, "PERPBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PERPBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "PERPBOT_ARCHIVE_INTERVAL")

	// --- Top-level ---
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
