package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration sourced from the environment.
type Config struct {
	// Telegram
	BotToken               string
	TelegramWebhookURL     string
	TelegramWebhookSecret  string
	TelegramTimeout        time.Duration
	TelegramPollingTimeout time.Duration

	// VK application
	VKAppID             string
	VKAppSecret         string
	VKRedirectURI       string
	VKAPITimeout        time.Duration
	VKRequestsPerSecond int

	// Storage
	DBDriver    string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Security
	SecretKey string

	// Runtime
	Debug            bool
	LogLevel         string
	HTTPListenAddr   string
	MetricsNamespace string
}

// Load reads configuration from environment variables. Missing required
// values and malformed optional ones are reported together so a broken
// deployment surfaces them all at once instead of one per restart.
func Load() (Config, error) {
	reader := &envReader{}
	cfg := Config{
		BotToken:               strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		TelegramWebhookURL:     envOr("TELEGRAM_WEBHOOK_URL", ""),
		TelegramWebhookSecret:  strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_SECRET")),
		TelegramTimeout:        reader.durationOr("TELEGRAM_TIMEOUT", 10*time.Second),
		TelegramPollingTimeout: reader.durationOr("TELEGRAM_POLLING_TIMEOUT", 25*time.Second),

		VKAppID:             strings.TrimSpace(os.Getenv("VK_APP_ID")),
		VKAppSecret:         strings.TrimSpace(os.Getenv("VK_APP_SECRET")),
		VKRedirectURI:       strings.TrimSpace(os.Getenv("VK_REDIRECT_URI")),
		VKAPITimeout:        reader.durationOr("VK_API_TIMEOUT", 15*time.Second),
		VKRequestsPerSecond: reader.intOr("VK_API_REQUESTS_PER_SECOND", 3),

		DBDriver:    strings.ToLower(envOr("DB_DRIVER", "postgres")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		CacheTTL:    reader.durationOr("CACHE_TTL", time.Hour),

		SecretKey: strings.TrimSpace(os.Getenv("SECRET_KEY")),

		Debug:            reader.boolOr("DEBUG", false),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		HTTPListenAddr:   envOr("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace: envOr("METRICS_NAMESPACE", "vk_ads_bot"),
	}

	if cfg.DBDriver == "pq" || cfg.DBDriver == "postgresql" {
		cfg.DBDriver = "postgres"
	}

	missing := make([]string, 0, 6)
	if cfg.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if cfg.VKAppID == "" {
		missing = append(missing, "VK_APP_ID")
	}
	if cfg.VKAppSecret == "" {
		missing = append(missing, "VK_APP_SECRET")
	}
	if cfg.VKRedirectURI == "" {
		missing = append(missing, "VK_REDIRECT_URI")
	}
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.SecretKey == "" {
		missing = append(missing, "SECRET_KEY")
	}
	var problems []string
	if len(missing) > 0 {
		problems = append(problems, fmt.Sprintf("missing required env vars: %s", strings.Join(missing, ", ")))
	}
	if len(reader.invalid) > 0 {
		problems = append(problems, fmt.Sprintf("malformed env vars: %s", strings.Join(reader.invalid, ", ")))
	}
	if len(problems) > 0 {
		return Config{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return Config{}, fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", cfg.DBDriver)
	}
	if cfg.VKRequestsPerSecond <= 0 {
		return Config{}, fmt.Errorf("VK_API_REQUESTS_PER_SECOND must be positive")
	}

	return cfg, nil
}

// envReader reads optional variables and accumulates malformed values so
// Load can report them alongside the missing ones.
type envReader struct {
	invalid []string
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func (r *envReader) durationOr(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q (want a duration like 30s)", key, value))
		return fallback
	}
	return duration
}

func (r *envReader) intOr(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q (want an integer)", key, value))
		return fallback
	}
	return parsed
}

func (r *envReader) boolOr(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q (want a boolean)", key, value))
		return fallback
	}
}
