package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds relay settings. Values resolve defaults → yaml file → env.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type UpstreamConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	RedialDelay time.Duration `yaml:"redial_delay"`
	RedialMax   int           `yaml:"redial_max"`
}

type SessionConfig struct {
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type AuthConfig struct {
	IntrospectURL string `yaml:"introspect_url"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

type WebhookConfig struct {
	MerchantID string `yaml:"merchant_id"`
	Passphrase string `yaml:"passphrase"`
}

// Load reads the config file at path (optional; empty path skips the file),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:       ":8090",
			HandshakeTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:         "wss://api.openai.com/v1/realtime",
			Model:       "gpt-4o-realtime-preview",
			RedialDelay: 2 * time.Second,
			RedialMax:   5,
		},
		Session: SessionConfig{
			Voice: "alloy",
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
		},
		Store: StoreConfig{
			Dir: "data/sessions",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Upstream.RedialDelay <= 0 {
		cfg.Upstream.RedialDelay = 2 * time.Second
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = 3
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = 2 * time.Second
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = getEnv("RELAY_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Upstream.URL = getEnv("RELAY_UPSTREAM_URL", cfg.Upstream.URL)
	cfg.Upstream.APIKey = getEnv("RELAY_UPSTREAM_API_KEY", cfg.Upstream.APIKey)
	cfg.Upstream.Model = getEnv("RELAY_UPSTREAM_MODEL", cfg.Upstream.Model)
	cfg.Auth.IntrospectURL = getEnv("RELAY_AUTH_INTROSPECT_URL", cfg.Auth.IntrospectURL)
	cfg.Store.Dir = getEnv("RELAY_STORE_DIR", cfg.Store.Dir)
	cfg.Webhook.MerchantID = getEnv("RELAY_WEBHOOK_MERCHANT_ID", cfg.Webhook.MerchantID)
	cfg.Webhook.Passphrase = getEnv("RELAY_WEBHOOK_PASSPHRASE", cfg.Webhook.Passphrase)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
