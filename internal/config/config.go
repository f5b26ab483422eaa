package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath         = "config.toml"
	DefaultHTTPAddr           = ":8080"
	DefaultPollIntervalMs     = 15000
	DefaultHandshakeTTLMs     = 300000
	DefaultBackoffMultiplier  = 10
	DefaultFailureThreshold   = 3
	DefaultProviderTimeoutMs  = 20000
	DefaultSeenWindow         = 1000
	DefaultListLimit          = 25
	DefaultPGHost             = "127.0.0.1"
	DefaultPGPort             = 5432
	DefaultPGUser             = "postgres"
	DefaultPGDatabase         = "dmbridge"
	DefaultPGSSLMode          = "disable"
	DefaultStorageDriver      = StorageMemory
	DefaultWhatsAppStorePath  = "data/whatsapp.db"
	DefaultWhatsAppClientName = "Chrome (Linux)"
	DefaultAgentProvider      = "gateway"
	DefaultOpenAIModel        = "gpt-4o-mini"
	DefaultGraphBaseURL       = "https://graph.instagram.com/v21.0"
	DefaultInstagramAuthURL   = "https://www.instagram.com/oauth/authorize"
	DefaultInstagramTokenURL  = "https://api.instagram.com/oauth/access_token"
	DefaultJWTExpiresIn       = "24h"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Polling   PollingConfig   `toml:"polling"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Instagram InstagramConfig `toml:"instagram"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp"`
	Agent     AgentConfig     `toml:"agent"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// PollingConfig carries the engine knobs: poll cadence, handshake expiry and
// the backoff ceiling, all in milliseconds where applicable.
type PollingConfig struct {
	IntervalMs           int `toml:"interval_ms"`
	HandshakeTTLMs       int `toml:"handshake_ttl_ms"`
	MaxBackoffMultiplier int `toml:"max_backoff_multiplier"`
	FailureThreshold     int `toml:"failure_threshold"`
	ProviderTimeoutMs    int `toml:"provider_timeout_ms"`
	SeenWindow           int `toml:"seen_window"`
	ConversationLimit    int `toml:"conversation_limit"`
	MessageLimit         int `toml:"message_limit"`
}

func (c PollingConfig) Interval() time.Duration {
	return millis(c.IntervalMs, DefaultPollIntervalMs)
}

func (c PollingConfig) HandshakeTTL() time.Duration {
	return millis(c.HandshakeTTLMs, DefaultHandshakeTTLMs)
}

func (c PollingConfig) ProviderTimeout() time.Duration {
	return millis(c.ProviderTimeoutMs, DefaultProviderTimeoutMs)
}

type StorageConfig struct {
	Driver string `toml:"driver"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders a postgres:// connection string.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type InstagramConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURL  string   `toml:"redirect_url"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	GraphBaseURL string   `toml:"graph_base_url"`
	Scopes       []string `toml:"scopes"`
}

type WhatsAppConfig struct {
	Enabled    bool   `toml:"enabled"`
	StorePath  string `toml:"store_path"`
	ClientName string `toml:"client_name"`
}

type AgentConfig struct {
	DefaultProvider string `toml:"default_provider"`
	GatewayURL      string `toml:"gateway_url"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	OpenAIBaseURL   string `toml:"openai_base_url"`
	OpenAIModel     string `toml:"openai_model"`
	TimeoutMs       int    `toml:"timeout_ms"`
}

func (c AgentConfig) Timeout() time.Duration {
	return millis(c.TimeoutMs, DefaultProviderTimeoutMs)
}

func millis(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Polling: PollingConfig{
			IntervalMs:           DefaultPollIntervalMs,
			HandshakeTTLMs:       DefaultHandshakeTTLMs,
			MaxBackoffMultiplier: DefaultBackoffMultiplier,
			FailureThreshold:     DefaultFailureThreshold,
			ProviderTimeoutMs:    DefaultProviderTimeoutMs,
			SeenWindow:           DefaultSeenWindow,
			ConversationLimit:    DefaultListLimit,
			MessageLimit:         DefaultListLimit,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Instagram: InstagramConfig{
			AuthURL:      DefaultInstagramAuthURL,
			TokenURL:     DefaultInstagramTokenURL,
			GraphBaseURL: DefaultGraphBaseURL,
			Scopes:       []string{"instagram_business_basic", "instagram_business_manage_messages"},
		},
		WhatsApp: WhatsAppConfig{
			StorePath:  DefaultWhatsAppStorePath,
			ClientName: DefaultWhatsAppClientName,
		},
		Agent: AgentConfig{
			DefaultProvider: DefaultAgentProvider,
			GatewayURL:      "http://127.0.0.1:8081",
			OpenAIModel:     DefaultOpenAIModel,
			TimeoutMs:       DefaultProviderTimeoutMs,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Polling.MaxBackoffMultiplier < 0 {
		return fmt.Errorf("max_backoff_multiplier must not be negative")
	}
	if c.Polling.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must not be negative")
	}
	return nil
}
