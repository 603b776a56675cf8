// Package config loads chat-sync settings from defaults, an optional YAML
// file, a .env file and environment variables, in that order.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a chat-sync session and the bridge.
type Config struct {
	API     APIConfig     `yaml:"api"`
	WS      WSConfig      `yaml:"ws"`
	Auth    AuthConfig    `yaml:"auth"`
	Typing  TypingConfig  `yaml:"typing"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type APIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	Jitter            float64       `yaml:"jitter"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongWait          time.Duration `yaml:"pong_wait"`
	QueueSize         int           `yaml:"queue_size"`
	SendRate          float64       `yaml:"send_rate"`
	SendBurst         int           `yaml:"send_burst"`
}

type AuthConfig struct {
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
}

type TypingConfig struct {
	Idle time.Duration `yaml:"idle"`
}

// RedisConfig enables the Redis resume store when Addr is set.
type RedisConfig struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

// NATSConfig enables the relay when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			URL:     "http://localhost:8000/api",
			Timeout: 15 * time.Second,
		},
		WS: WSConfig{
			URL:               "ws://localhost:8000/ws/chat/",
			ReconnectDelay:    3 * time.Second,
			BackoffMultiplier: 1,
			PingInterval:      30 * time.Second,
			PongWait:          10 * time.Second,
			QueueSize:         100,
			SendBurst:         10,
		},
		Typing: TypingConfig{Idle: 3 * time.Second},
		Redis:  RedisConfig{TTL: 24 * time.Hour},
		NATS:   NATSConfig{SubjectPrefix: "chat"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %s", path)
			}
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	_ = godotenv.Load(".env")
	ApplyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environment variables. Unparseable values are
// ignored.
func ApplyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("CHAT_API_URL", &cfg.API.URL)
	dur("CHAT_API_TIMEOUT", &cfg.API.Timeout)
	str("CHAT_WS_URL", &cfg.WS.URL)
	dur("CHAT_RECONNECT_DELAY", &cfg.WS.ReconnectDelay)
	float("CHAT_BACKOFF_MULTIPLIER", &cfg.WS.BackoffMultiplier)
	dur("CHAT_MAX_RECONNECT_DELAY", &cfg.WS.MaxReconnectDelay)
	float("CHAT_RECONNECT_JITTER", &cfg.WS.Jitter)
	dur("CHAT_PING_INTERVAL", &cfg.WS.PingInterval)
	num("CHAT_QUEUE_SIZE", &cfg.WS.QueueSize)
	float("CHAT_SEND_RATE", &cfg.WS.SendRate)
	str("CHAT_TOKEN", &cfg.Auth.Token)
	str("CHAT_USERNAME", &cfg.Auth.Username)
	dur("CHAT_TYPING_IDLE", &cfg.Typing.Idle)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("NATS_URL", &cfg.NATS.URL)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_SINK", &cfg.Log.Sink)
}

// Validate fails fast on settings the client cannot run with.
func (c Config) Validate() error {
	if err := checkURL("api.url", c.API.URL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("ws.url", c.WS.URL, "ws", "wss"); err != nil {
		return err
	}
	if c.WS.ReconnectDelay <= 0 {
		return fmt.Errorf("ws.reconnect_delay must be positive")
	}
	if c.WS.BackoffMultiplier < 1 {
		return fmt.Errorf("ws.backoff_multiplier must be >= 1")
	}
	if c.WS.Jitter < 0 || c.WS.Jitter > 1 {
		return fmt.Errorf("ws.jitter must be between 0 and 1")
	}
	if c.WS.MaxReconnectDelay != 0 && c.WS.MaxReconnectDelay < c.WS.ReconnectDelay {
		return fmt.Errorf("ws.max_reconnect_delay must be >= ws.reconnect_delay")
	}
	if c.WS.QueueSize < 0 {
		return fmt.Errorf("ws.queue_size must not be negative")
	}
	if c.WS.SendRate < 0 {
		return fmt.Errorf("ws.send_rate must not be negative")
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: scheme must be one of %v, got %q", field, schemes, u.Scheme)
}
