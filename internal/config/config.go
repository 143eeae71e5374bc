// Package config loads the gateway's single YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr                     string `yaml:"addr"`
	ReadHeaderTimeoutSeconds int    `yaml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`
	MaxBodyBytes             int64  `yaml:"max_body_bytes"`

	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`

	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
}

type RateLimitConfig struct {
	Backend string      `yaml:"backend"` // "redis" | "memory"
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AccessLogConfig struct {
	Shards     int `yaml:"shards"`
	BufferSize int `yaml:"buffer_size"`
}

type AdminConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	TrustedIPs []string `yaml:"trusted_ips"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Server.DialTimeoutSeconds == 0 {
		cfg.Server.DialTimeoutSeconds = 5
	}
	if cfg.Server.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Server.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Server.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Server.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Server.IdleConnTimeoutSeconds == 0 {
		cfg.Server.IdleConnTimeoutSeconds = 90
	}
	if cfg.Server.MaxIdleConns == 0 {
		cfg.Server.MaxIdleConns = 256
	}
	if cfg.Server.MaxIdleConnsPerHost == 0 {
		cfg.Server.MaxIdleConnsPerHost = 64
	}

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "./fluxgate.db"
	}
	if cfg.Store.RefreshIntervalSeconds == 0 {
		cfg.Store.RefreshIntervalSeconds = 30
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}

	if cfg.AccessLog.Shards == 0 {
		cfg.AccessLog.Shards = 4
	}
	if cfg.AccessLog.BufferSize == 0 {
		cfg.AccessLog.BufferSize = 1024
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func Validate(cfg *Config) error {
	backend := strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if backend != "redis" && backend != "memory" {
		return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory', got %q", cfg.RateLimit.Backend)
	}
	if backend == "redis" && strings.TrimSpace(cfg.RateLimit.Redis.Addr) == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when backend is redis")
	}
	if cfg.AccessLog.Shards <= 0 {
		return fmt.Errorf("access_log.shards must be > 0")
	}
	return nil
}
