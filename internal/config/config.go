package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const (
	ModeOpenRouter = "openrouter"
	ModeOpenClaw   = "openclaw"

	BackendFile     = "file"
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	DefaultSystemPrompt = "You are Ko Paing (ကိုပိုင်), a calm, warm Myanmar assistant. Reply in Burmese for user-facing messages. Be concise, supportive, and practical."
)

var (
	ErrMissingSecret    = errors.New("JWT_SECRET must not be empty")
	ErrMissingAdminUser = errors.New("ADMIN_USER must not be empty")
	ErrInvalidLimit     = errors.New("HISTORY_LIMIT must be > 0")
	ErrMissingDSN       = errors.New("DB_DSN is required for the postgres history backend")
)

type Config struct {
	Port        string `env:"PORT" envDefault:"8787"`
	DataDir     string `env:"DATA_DIR" envDefault:"data"`
	FrontendDir string `env:"FRONTEND_DIR" envDefault:"frontend"`

	Mode         string `env:"LLM_MODE" envDefault:"openrouter"`
	SystemPrompt string `env:"SYSTEM_PROMPT"`

	Auth       AuthConfig
	OpenRouter OpenRouterConfig
	OpenClaw   OpenClawConfig
	History    HistoryConfig
	Redis      RedisConfig
	Rate       RateConfig
	HTTP       HTTPConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type AuthConfig struct {
	Secret        string        `env:"JWT_SECRET" envDefault:"change-me"`
	AdminUser     string        `env:"ADMIN_USER" envDefault:"admin"`
	AdminPass     string        `env:"ADMIN_PASS" envDefault:"admin123"`
	AdminPassHash string        `env:"ADMIN_PASS_BCRYPT"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"168h"`
}

type OpenRouterConfig struct {
	APIKey  string `env:"OPENROUTER_API_KEY"`
	BaseURL string `env:"OPENROUTER_URL" envDefault:"https://openrouter.ai/api/v1"`
	Referer string `env:"OPENROUTER_REFERER" envDefault:"http://localhost"`
	Title   string `env:"OPENROUTER_TITLE" envDefault:"Custom Claw Chat Starter"`
}

type OpenClawConfig struct {
	GatewayURL   string `env:"OPENCLAW_GATEWAY_URL" envDefault:"http://127.0.0.1:18789"`
	GatewayToken string `env:"OPENCLAW_GATEWAY_TOKEN"`
	AgentID      string `env:"OPENCLAW_AGENT_ID" envDefault:"main"`
	SessionKey   string `env:"OPENCLAW_SESSION_KEY" envDefault:"agent:main:main"`
}

type HistoryConfig struct {
	Backend string `env:"HISTORY_BACKEND" envDefault:"file"`
	Limit   int    `env:"HISTORY_LIMIT" envDefault:"80"`
	DSN     string `env:"DB_DSN"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type RateConfig struct {
	LoginPerHour int64 `env:"LOGIN_RATE_PER_HOUR" envDefault:"20"`
	ChatPerHour  int64 `env:"CHAT_RATE_PER_HOUR" envDefault:"0"`
}

type HTTPConfig struct {
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// TrustedProxies lists proxy IPs/CIDRs whose X-Forwarded-For is honoured.
	// Empty means the peer address is the client address.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

type TelemetryConfig struct {
	Exporter     string `env:"OTEL_EXPORTER"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"127.0.0.1:4317"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"claw-chat"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file from the working directory and then the
// process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.History.Backend = strings.ToLower(strings.TrimSpace(cfg.History.Backend))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Mode == "" {
		cfg.Mode = ModeOpenRouter
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = BackendFile
	}
	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "8787"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	if cfg.Auth.Secret == "" {
		return nil, ErrMissingSecret
	}
	if strings.TrimSpace(cfg.Auth.AdminUser) == "" {
		return nil, ErrMissingAdminUser
	}
	if cfg.Mode != ModeOpenRouter && cfg.Mode != ModeOpenClaw {
		return nil, fmt.Errorf("unsupported LLM_MODE %q", cfg.Mode)
	}
	if cfg.History.Limit <= 0 {
		return nil, ErrInvalidLimit
	}

	switch cfg.History.Backend {
	case BackendFile, BackendBadger:
	case BackendSQLite:
		if cfg.History.DSN == "" {
			cfg.History.DSN = "file:" + filepath.Join(cfg.DataDir, "history.db") + "?_pragma=busy_timeout(5000)"
		}
	case BackendPostgres:
		if cfg.History.DSN == "" {
			return nil, ErrMissingDSN
		}
	default:
		return nil, fmt.Errorf("unsupported HISTORY_BACKEND %q", cfg.History.Backend)
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func (c *Config) HistoryFile() string {
	return filepath.Join(c.DataDir, "history.json")
}

func (c *Config) BadgerDir() string {
	return filepath.Join(c.DataDir, "history.badger")
}
