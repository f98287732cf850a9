package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the arena server process.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Database
	Database DatabaseConfig `yaml:"database"`

	// Auth
	TokenTTLSeconds        int `yaml:"token_ttl_seconds"`
	LoginRateWindowSeconds int `yaml:"login_rate_window_seconds"`
	LoginRateMax           int `yaml:"login_rate_max"`

	// Realtime connection backpressure
	QueueLimitMessages int `yaml:"queue_limit_messages"`
	QueueLimitBytes    int `yaml:"queue_limit_bytes"`

	// Matchmaking
	MatchQueueTimeoutSeconds int `yaml:"match_queue_timeout_seconds"`

	// Session tick loop
	TickIntervalMS int `yaml:"tick_interval_ms"`
	MaxTicks       int `yaml:"max_ticks"`

	// Operations endpoint token; empty disables /ops/status.
	OpsToken string `yaml:"ops_token"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// TokenTTL returns the bearer token lifetime.
func (s Server) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSeconds) * time.Second
}

// LoginRateWindow returns the per-IP login rate-limit window.
func (s Server) LoginRateWindow() time.Duration {
	return time.Duration(s.LoginRateWindowSeconds) * time.Second
}

// MatchQueueTimeout returns the default matchmaking timeout.
func (s Server) MatchQueueTimeout() time.Duration {
	return time.Duration(s.MatchQueueTimeoutSeconds) * time.Second
}

// TickInterval returns the session tick period.
func (s Server) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMS) * time.Millisecond
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// DefaultServer returns Server config with sensible defaults.
func DefaultServer() Server {
	return Server{
		BindAddress:              "0.0.0.0",
		Port:                     8080,
		LogLevel:                 "info",
		TokenTTLSeconds:          3600,
		LoginRateWindowSeconds:   60,
		LoginRateMax:             5,
		QueueLimitMessages:       8,
		QueueLimitBytes:          65536,
		MatchQueueTimeoutSeconds: 10,
		TickIntervalMS:           100,
		MaxTicks:                 5,
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "arena",
			Password: "arena",
			DBName:   "arena",
			SSLMode:  "disable",
		},
	}
}

// LoadServer loads server config from a YAML file, then applies environment
// overrides. If the file doesn't exist, returns defaults (plus overrides).
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides deploy-sensitive values from the environment.
func applyEnv(cfg *Server) {
	envInt("SERVER_PORT", &cfg.Port)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envStr("DB_USER", &cfg.Database.User)
	envStr("DB_PASSWORD", &cfg.Database.Password)
	envStr("DB_NAME", &cfg.Database.DBName)
	envInt("AUTH_TOKEN_TTL_SECONDS", &cfg.TokenTTLSeconds)
	envInt("LOGIN_RATE_LIMIT_WINDOW", &cfg.LoginRateWindowSeconds)
	envInt("LOGIN_RATE_LIMIT_MAX", &cfg.LoginRateMax)
	envInt("WS_QUEUE_LIMIT_MESSAGES", &cfg.QueueLimitMessages)
	envInt("WS_QUEUE_LIMIT_BYTES", &cfg.QueueLimitBytes)
	envInt("MATCH_QUEUE_TIMEOUT_SECONDS", &cfg.MatchQueueTimeoutSeconds)
	envInt("SESSION_TICK_INTERVAL_MS", &cfg.TickIntervalMS)
	envInt("SESSION_MAX_TICKS", &cfg.MaxTicks)
	envStr("OPS_TOKEN", &cfg.OpsToken)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
