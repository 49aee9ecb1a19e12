package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	ModeWebhook     = "webhook"
	ModeLongPolling = "long_polling"

	RNGMemory = "memory"
	RNGFile   = "file"
	RNGDB     = "db"
)

type Config struct {
	Bot       BotConfig
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	RNG       RNGConfig
	Cases     CasesConfig
	Queue     QueueConfig
	Antifraud AntifraudConfig
	Log       LogConfig
}

type BotConfig struct {
	Token         string `mapstructure:"token"`
	Mode          string `mapstructure:"mode"`
	APIBaseURL    string `mapstructure:"api_base_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	WebhookPath   string `mapstructure:"webhook_path"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	AdminToken    string `mapstructure:"admin_token"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	HealthPath  string `mapstructure:"health_path"`
	MetricsPath string `mapstructure:"metrics_path"`
	WebappDir   string `mapstructure:"webapp_dir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type RNGConfig struct {
	Storage     string `mapstructure:"storage"`
	JournalPath string `mapstructure:"journal_path"`
	FairnessKey string `mapstructure:"fairness_key"`
}

type CasesConfig struct {
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
	Workers  int `mapstructure:"workers"`
}

type AntifraudConfig struct {
	IPShortMax          int64 `mapstructure:"ip_short_max"`
	InvoiceShortMax     int64 `mapstructure:"invoice_short_max"`
	PrecheckoutShortMax int64 `mapstructure:"precheckout_short_max"`
	SuccessShortMax     int64 `mapstructure:"success_short_max"`
	DistinctPathsMax    int64 `mapstructure:"distinct_paths_max"`
	DistinctUAMax       int64 `mapstructure:"distinct_ua_max"`
	SoftCap             int   `mapstructure:"soft_cap"`
	HardBlock           int   `mapstructure:"hard_block"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("bot.mode", ModeLongPolling)
	v.SetDefault("bot.api_base_url", "https://api.telegram.org")
	v.SetDefault("bot.webhook_path", "/telegram/webhook")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_path", "/health")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.webapp_dir", "./webapp/dist")
	v.SetDefault("rng.storage", RNGMemory)
	v.SetDefault("rng.journal_path", "./data/rng-journal.jsonl")
	v.SetDefault("cases.path", "./cases.yaml")
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("antifraud.ip_short_max", 60)
	v.SetDefault("antifraud.invoice_short_max", 5)
	v.SetDefault("antifraud.precheckout_short_max", 5)
	v.SetDefault("antifraud.success_short_max", 5)
	v.SetDefault("antifraud.distinct_paths_max", 12)
	v.SetDefault("antifraud.distinct_ua_max", 2)
	v.SetDefault("antifraud.soft_cap", 10)
	v.SetDefault("antifraud.hard_block", 20)
	v.SetDefault("log.level", "info")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"bot.token":                       "BOT_TOKEN",
		"bot.mode":                        "BOT_MODE",
		"bot.api_base_url":                "BOT_API_BASE_URL",
		"bot.webhook_secret":              "WEBHOOK_SECRET_TOKEN",
		"bot.webhook_path":                "WEBHOOK_PATH",
		"bot.public_base_url":             "PUBLIC_BASE_URL",
		"bot.admin_token":                 "ADMIN_TOKEN",
		"server.port":                     "PORT",
		"server.health_path":              "HEALTH_PATH",
		"server.metrics_path":             "METRICS_PATH",
		"server.webapp_dir":               "WEBAPP_DIR",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"database.url":                    "DATABASE_URL",
		"database.user":                   "DATABASE_USER",
		"database.password":               "DATABASE_PASSWORD",
		"rng.storage":                     "RNG_STORAGE",
		"rng.journal_path":                "RNG_JOURNAL_PATH",
		"rng.fairness_key":                "FAIRNESS_KEY",
		"cases.path":                      "CASES_PATH",
		"queue.capacity":                  "QUEUE_CAPACITY",
		"queue.workers":                   "QUEUE_WORKERS",
		"antifraud.ip_short_max":          "AF_IP_SHORT_MAX",
		"antifraud.invoice_short_max":     "AF_INVOICE_SHORT_MAX",
		"antifraud.precheckout_short_max": "AF_PRECHECKOUT_SHORT_MAX",
		"antifraud.success_short_max":     "AF_SUCCESS_SHORT_MAX",
		"antifraud.distinct_paths_max":    "AF_DISTINCT_PATHS_MAX",
		"antifraud.distinct_ua_max":       "AF_DISTINCT_UA_MAX",
		"antifraud.soft_cap":              "AF_SOFT_CAP",
		"antifraud.hard_block":            "AF_HARD_BLOCK",
		"log.level":                       "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

// DSN builds the database connection string, overriding credentials from the
// dedicated variables when set.
func (d DatabaseConfig) DSN() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("DATABASE_URL invalid: %w", err)
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String(), nil
}

// FairnessKeyBytes decodes the 32-byte hex fairness key.
func (c *Config) FairnessKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.RNG.FairnessKey)
	if err != nil {
		return nil, fmt.Errorf("FAIRNESS_KEY is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("FAIRNESS_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) validate() error {
	if c.Bot.Token == "" {
		return fmt.Errorf("required config missing: BOT_TOKEN")
	}
	if c.RNG.FairnessKey == "" {
		return fmt.Errorf("required config missing: FAIRNESS_KEY")
	}
	if _, err := c.FairnessKeyBytes(); err != nil {
		return err
	}

	switch c.Bot.Mode {
	case ModeWebhook:
		if c.Bot.WebhookSecret == "" {
			return fmt.Errorf("required config missing: WEBHOOK_SECRET_TOKEN")
		}
		if c.Bot.PublicBaseURL == "" {
			return fmt.Errorf("required config missing: PUBLIC_BASE_URL")
		}
	case ModeLongPolling:
	default:
		return fmt.Errorf("BOT_MODE must be %q or %q, got %q", ModeWebhook, ModeLongPolling, c.Bot.Mode)
	}

	switch c.RNG.Storage {
	case RNGMemory:
	case RNGFile:
		if c.RNG.JournalPath == "" {
			return fmt.Errorf("required config missing: RNG_JOURNAL_PATH")
		}
	case RNGDB:
		if c.Database.URL == "" {
			return fmt.Errorf("required config missing: DATABASE_URL")
		}
	default:
		return fmt.Errorf("RNG_STORAGE must be memory, file, or db, got %q", c.RNG.Storage)
	}

	if c.Queue.Capacity <= 0 || c.Queue.Workers <= 0 {
		return fmt.Errorf("queue capacity and workers must be positive")
	}
	return nil
}
