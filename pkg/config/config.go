package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	mu        sync.RWMutex
}

type TelegramConfig struct {
	Token         string `json:"token" yaml:"token" env:"BOT_TOKEN"`
	Proxy         string `json:"proxy" yaml:"proxy" env:"TELEGRAM_PROXY"`
	WebhookURL    string `json:"webhook_url" yaml:"webhook_url" env:"WEBHOOK_URL"`
	WebhookPath   string `json:"webhook_path" yaml:"webhook_path" env:"WEBHOOK_PATH"`
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

// BackendConfig holds the MTProto user account credentials. Session is a
// Telethon-format string session.
type BackendConfig struct {
	AppID   int    `json:"app_id" yaml:"app_id" env:"API_ID"`
	AppHash string `json:"app_hash" yaml:"app_hash" env:"API_HASH"`
	Session string `json:"session" yaml:"session" env:"SESSION"`
}

type RelayConfig struct {
	ForwardChatID   int64  `json:"forward_chat_id" yaml:"forward_chat_id" env:"FORWARD_CHAT_ID"`
	StagingDir      string `json:"staging_dir" yaml:"staging_dir" env:"STAGING_DIR"`
	StateDir        string `json:"state_dir" yaml:"state_dir" env:"STATE_DIR"`
	YieldMS         int    `json:"yield_ms" yaml:"yield_ms" env:"RELAY_YIELD_MS"`
	MaxPending      int    `json:"max_pending" yaml:"max_pending" env:"QUEUE_MAX_PENDING"`
	NotifyRequester bool   `json:"notify_requester" yaml:"notify_requester" env:"NOTIFY_REQUESTER"`
	DrainTimeoutSec int    `json:"drain_timeout_sec" yaml:"drain_timeout_sec" env:"DRAIN_TIMEOUT_SEC"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"GATEWAY_PORT"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"HEARTBEAT_ENABLED"`
	Schedule string `json:"schedule" yaml:"schedule" env:"HEARTBEAT_SCHEDULE"` // cron expression
}

type LoggingConfig struct {
	Level    string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	FilePath string `json:"file_path" yaml:"file_path" env:"LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			StagingDir:      "downloads",
			StateDir:        "state",
			YieldMS:         500,
			MaxPending:      0,
			NotifyRequester: false,
			DrainTimeoutSec: 10,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional JSON or
// YAML file, and the process environment, in that order of precedence.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeFile(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	resolveEnvRefs(cfg)

	return cfg, nil
}

func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Validate reports every missing or invalid required setting at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	missing := func(name string) {
		errs = append(errs, fmt.Errorf("%s must be set", name))
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		missing("BOT_TOKEN")
	}
	if strings.TrimSpace(c.Telegram.WebhookURL) == "" {
		missing("WEBHOOK_URL")
	}
	if c.Relay.ForwardChatID == 0 {
		missing("FORWARD_CHAT_ID")
	}
	if c.Backend.AppID == 0 {
		missing("API_ID")
	}
	if strings.TrimSpace(c.Backend.AppHash) == "" {
		missing("API_HASH")
	}
	if strings.TrimSpace(c.Backend.Session) == "" {
		missing("SESSION")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("GATEWAY_PORT %d out of range", c.Gateway.Port))
	}
	if c.Relay.YieldMS < 0 {
		errs = append(errs, fmt.Errorf("RELAY_YIELD_MS must not be negative"))
	}
	if path := c.Telegram.WebhookPath; path != "" && !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("WEBHOOK_PATH must start with /"))
	}

	return errors.Join(errs...)
}

// WebhookPath returns the ingress route. It defaults to /<token> so the
// path itself is secret.
func (c *Config) WebhookPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Telegram.WebhookPath != "" {
		return c.Telegram.WebhookPath
	}
	return "/" + c.Telegram.Token
}

// WebhookURL is the externally reachable URL registered with Telegram.
func (c *Config) WebhookURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.Telegram.WebhookURL), "/")
	return base + c.WebhookPath()
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func (c *Config) StagingPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Relay.StagingDir)
}

func (c *Config) StatePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Relay.StateDir)
}

func resolveEnvRefs(cfg *Config) {
	cfg.Telegram.Token = resolveEnvRef(cfg.Telegram.Token)
	cfg.Telegram.Proxy = resolveEnvRef(cfg.Telegram.Proxy)
	cfg.Telegram.WebhookSecret = resolveEnvRef(cfg.Telegram.WebhookSecret)
	cfg.Backend.AppHash = resolveEnvRef(cfg.Backend.AppHash)
	cfg.Backend.Session = resolveEnvRef(cfg.Backend.Session)
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		key := strings.TrimSpace(s[1:])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return v
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
