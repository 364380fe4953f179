// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	BaseURL     string
	Username    string
	AppPassword string
	Scopes      []string
	HTTPTimeout time.Duration

	DatabasePath string
	LogLevel     string
	ListenAddr   string

	WarmFirstCount    int
	MaxBatchSize      int
	RefreshInterval   time.Duration
	ForceRefreshEvery time.Duration
	ProbeFeedURL      string
	HeartbeatInterval time.Duration
	FeedQueueLimit    int

	TelegramBotToken     string
	TelegramNotifyChatID int64
	AllowedUsers         []int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	baseURL := strings.TrimRight(os.Getenv("WP_BASE_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("WP_BASE_URL is required")
	}

	cfg := &Config{
		BaseURL:          baseURL,
		Username:         os.Getenv("WP_USERNAME"),
		AppPassword:      os.Getenv("WP_APP_PASSWORD"),
		Scopes:           splitList(os.Getenv("WP_SCOPES")),
		DatabasePath:     os.Getenv("DATABASE_PATH"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		ProbeFeedURL:     os.Getenv("PROBE_FEED_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"posts"}
	}

	var err error
	if cfg.HTTPTimeout, err = envPositiveDuration("WP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WarmFirstCount, err = envInt("WARM_FIRST_COUNT", 10); err != nil {
		return nil, err
	}
	if cfg.MaxBatchSize, err = envInt("MAX_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = envPositiveDuration("REFRESH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ForceRefreshEvery, err = envDuration("FORCE_REFRESH_EVERY", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = envDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FeedQueueLimit, err = envInt("FEED_QUEUE_LIMIT", 0); err != nil {
		return nil, err
	}

	if raw := os.Getenv("TELEGRAM_NOTIFY_CHAT_ID"); raw != "" {
		cfg.TelegramNotifyChatID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_NOTIFY_CHAT_ID %q: %w", raw, err)
		}
	}

	for _, s := range splitList(os.Getenv("ALLOWED_USERS")) {
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", key, raw)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

// envPositiveDuration is envDuration for settings where zero has no meaning,
// such as ticker periods.
func envPositiveDuration(key string, def time.Duration) (time.Duration, error) {
	d, err := envDuration(key, def)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, os.Getenv(key))
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
