package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the top-level deskbridge configuration.
type Config struct {
	Bridge     BridgeConfig     `json:"bridge"`
	Telegram   TelegramConfig   `json:"telegram"`
	Mattermost MattermostConfig `json:"mattermost"`
	Store      StoreConfig      `json:"store"`
	API        APIConfig        `json:"api"`
	Log        LogConfig        `json:"log"`
}

// BridgeConfig holds the relay engine tunables. Zero values are
// replaced by defaults in applyDefaults, so a minimal config file only
// needs the platform credentials.
type BridgeConfig struct {
	MaxDuplicates      int   `json:"max_duplicates,omitempty"`       // accepted repeats per message, default 5
	DedupWindow        int   `json:"dedup_window,omitempty"`         // seconds, default 300
	RetryMaxAttempts   int   `json:"retry_max_attempts,omitempty"`   // default 3
	RetryQueueSize     int   `json:"retry_queue_size,omitempty"`     // per platform, default 100
	RetryDrainInterval int   `json:"retry_drain_interval,omitempty"` // seconds, default 30
	CacheMaxBytes      int64 `json:"cache_max_bytes,omitempty"`      // default 50 MiB
	CacheTTL           int   `json:"cache_ttl,omitempty"`            // seconds, default 3600
	WebhookFailLimit   int   `json:"webhook_fail_limit,omitempty"`   // consecutive failures, default 3
	WebhookIdleTimeout int   `json:"webhook_idle_timeout,omitempty"` // seconds, default 1800
	HeartbeatInterval  int   `json:"heartbeat_interval,omitempty"`   // seconds, default 30
	HeartbeatFailLimit int   `json:"heartbeat_fail_limit,omitempty"` // default 3
	ReconnectInitial   int   `json:"reconnect_initial,omitempty"`    // seconds, default 2
	ReconnectMax       int   `json:"reconnect_max,omitempty"`        // seconds, default 300
	ReconnectFactor    float64 `json:"reconnect_factor,omitempty"`   // default 2.0
	ReconnectAttempts  int   `json:"reconnect_attempts,omitempty"`   // default 10
	ConflictCooldown   int   `json:"conflict_cooldown,omitempty"`    // seconds, default 60
	RestartCooldown    int   `json:"restart_cooldown,omitempty"`     // seconds, default 5
	SendTimeout        int   `json:"send_timeout,omitempty"`         // seconds, default 15
	EventQueueSize     int   `json:"event_queue_size,omitempty"`     // default 256
}

// TelegramConfig holds origin-platform bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// MattermostConfig holds staff-platform settings. TeamID is the parent
// container for live ticket channels, TranscriptTeamID for archived
// ones.
type MattermostConfig struct {
	ServerURL        string `json:"server_url"`
	Token            string `json:"token"`
	TeamID           string `json:"team_id"`
	TranscriptTeamID string `json:"transcript_team_id"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `json:"path"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `json:"level,omitempty"`       // debug/info/warn/error, default info
	BufferSize int    `json:"buffer_size,omitempty"` // log ring capacity, default 500
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with the
// DESKBRIDGE_ prefix. Useful for container deployments without a
// mounted config file.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Telegram: TelegramConfig{
			Token: os.Getenv("DESKBRIDGE_TELEGRAM_TOKEN"),
		},
		Mattermost: MattermostConfig{
			ServerURL:        os.Getenv("DESKBRIDGE_MATTERMOST_URL"),
			Token:            os.Getenv("DESKBRIDGE_MATTERMOST_TOKEN"),
			TeamID:           os.Getenv("DESKBRIDGE_MATTERMOST_TEAM_ID"),
			TranscriptTeamID: os.Getenv("DESKBRIDGE_MATTERMOST_TRANSCRIPT_TEAM_ID"),
		},
		Store: StoreConfig{
			Path: getenv("DESKBRIDGE_STORE_PATH", "/data/deskbridge.db"),
		},
		API: APIConfig{
			Host: getenv("DESKBRIDGE_API_HOST", "0.0.0.0"),
			Port: getenvInt("DESKBRIDGE_API_PORT", 8080),
			Key:  os.Getenv("DESKBRIDGE_API_KEY"),
		},
		Log: LogConfig{
			Level: getenv("DESKBRIDGE_LOG_LEVEL", "info"),
		},
	}

	if ids := os.Getenv("DESKBRIDGE_TELEGRAM_ALLOW_FROM"); ids != "" {
		parsed, err := parseInt64List(ids)
		if err != nil {
			return nil, fmt.Errorf("config: DESKBRIDGE_TELEGRAM_ALLOW_FROM: %w", err)
		}
		cfg.Telegram.AllowFrom = parsed
	}

	cfg.Bridge.MaxDuplicates = getenvInt("DESKBRIDGE_MAX_DUPLICATES", 0)
	cfg.Bridge.RetryMaxAttempts = getenvInt("DESKBRIDGE_RETRY_MAX_ATTEMPTS", 0)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tunables.
func (c *Config) applyDefaults() {
	b := &c.Bridge
	if b.MaxDuplicates == 0 {
		b.MaxDuplicates = 5
	}
	if b.DedupWindow == 0 {
		b.DedupWindow = 300
	}
	if b.RetryMaxAttempts == 0 {
		b.RetryMaxAttempts = 3
	}
	if b.RetryQueueSize == 0 {
		b.RetryQueueSize = 100
	}
	if b.RetryDrainInterval == 0 {
		b.RetryDrainInterval = 30
	}
	if b.CacheMaxBytes == 0 {
		b.CacheMaxBytes = 50 << 20
	}
	if b.CacheTTL == 0 {
		b.CacheTTL = 3600
	}
	if b.WebhookFailLimit == 0 {
		b.WebhookFailLimit = 3
	}
	if b.WebhookIdleTimeout == 0 {
		b.WebhookIdleTimeout = 1800
	}
	if b.HeartbeatInterval == 0 {
		b.HeartbeatInterval = 30
	}
	if b.HeartbeatFailLimit == 0 {
		b.HeartbeatFailLimit = 3
	}
	if b.ReconnectInitial == 0 {
		b.ReconnectInitial = 2
	}
	if b.ReconnectMax == 0 {
		b.ReconnectMax = 300
	}
	if b.ReconnectFactor == 0 {
		b.ReconnectFactor = 2.0
	}
	if b.ReconnectAttempts == 0 {
		b.ReconnectAttempts = 10
	}
	if b.ConflictCooldown == 0 {
		b.ConflictCooldown = 60
	}
	if b.RestartCooldown == 0 {
		b.RestartCooldown = 5
	}
	if b.SendTimeout == 0 {
		b.SendTimeout = 15
	}
	if b.EventQueueSize == 0 {
		b.EventQueueSize = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.BufferSize == 0 {
		c.Log.BufferSize = 500
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if c.Mattermost.ServerURL == "" {
		errs = append(errs, "mattermost.server_url is required")
	}
	if c.Mattermost.Token == "" {
		errs = append(errs, "mattermost.token is required")
	}
	if c.Mattermost.TeamID == "" {
		errs = append(errs, "mattermost.team_id is required")
	}
	if c.Mattermost.TranscriptTeamID == "" {
		errs = append(errs, "mattermost.transcript_team_id is required")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	b := c.Bridge
	if b.MaxDuplicates < 0 {
		errs = append(errs, "bridge.max_duplicates must not be negative")
	}
	if b.RetryMaxAttempts < 0 {
		errs = append(errs, "bridge.retry_max_attempts must not be negative")
	}
	if b.RetryQueueSize < 0 {
		errs = append(errs, "bridge.retry_queue_size must not be negative")
	}
	if b.CacheMaxBytes < 0 {
		errs = append(errs, "bridge.cache_max_bytes must not be negative")
	}
	if b.ReconnectFactor < 1 {
		errs = append(errs, "bridge.reconnect_factor must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
