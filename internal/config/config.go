package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheSQLite = "sqlite"
)

// Config defines server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	DB        DBConfig        `yaml:"db"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Stream    StreamConfig    `yaml:"stream"`
	Transport TransportConfig `yaml:"transport"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CacheConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StreamConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	PendingWait      time.Duration `yaml:"pending_wait"`
}

type TransportConfig struct {
	Mode string `yaml:"mode"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    CacheMemory,
			TTL:        120 * time.Second,
			MaxEntries: 10000,
		},
		Redis: RedisConfig{
			URL:    "redis://localhost:6379/0",
			Prefix: "tripsync:",
		},
		DB: DBConfig{
			Path: "tripsync.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Stream: StreamConfig{
			HandshakeTimeout: 5 * time.Second,
			PendingWait:      30 * time.Second,
		},
		Transport: TransportConfig{
			Mode: "http",
		},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("TRIPSYNC_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("TRIPSYNC_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("TRIPSYNC_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRIPSYNC_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if url := os.Getenv("TRIPSYNC_BACKEND_URL"); url != "" {
		cfg.Backend.URL = url
	}
	if backend := os.Getenv("TRIPSYNC_CACHE_BACKEND"); backend != "" {
		cfg.Cache.Backend = backend
	}
	if url := os.Getenv("TRIPSYNC_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if dbPath := os.Getenv("TRIPSYNC_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("TRIPSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if logPath := os.Getenv("TRIPSYNC_LOG_PATH"); logPath != "" {
		cfg.Log.Path = logPath
	}
	if enabled := os.Getenv("TRIPSYNC_AUTH_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRIPSYNC_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if mode := os.Getenv("TRIPSYNC_TRANSPORT_MODE"); mode != "" {
		cfg.Transport.Mode = mode
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TRIPSYNC_CACHE_TTL", &cfg.Cache.TTL},
		{"TRIPSYNC_BACKEND_TIMEOUT", &cfg.Backend.Timeout},
		{"TRIPSYNC_HANDSHAKE_TIMEOUT", &cfg.Stream.HandshakeTimeout},
		{"TRIPSYNC_IDLE_TIMEOUT", &cfg.Stream.IdleTimeout},
		{"TRIPSYNC_PENDING_WAIT", &cfg.Stream.PendingWait},
	}
	for _, d := range durations {
		raw := os.Getenv(d.env)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis, CacheSQLite:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.Stream.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %s", c.Stream.HandshakeTimeout)
	}
	if c.Stream.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	switch c.Transport.Mode {
	case "http", "stdio":
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
