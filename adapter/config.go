package rpcws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables understood by ApplyEnv.
const (
	EnvURL                  = "RPCWS_URL"
	EnvTimeoutMS            = "RPCWS_TIMEOUT_MS"
	EnvPingIntervalS        = "RPCWS_PING_INTERVAL_S"
	EnvPingTimeoutS         = "RPCWS_PING_TIMEOUT_S"
	EnvMaxReconnectAttempts = "RPCWS_MAX_RECONNECT_ATTEMPTS"
	EnvReconnectBaseDelayS  = "RPCWS_RECONNECT_BASE_DELAY_S"
	EnvAuthToken            = "RPCWS_AUTH_TOKEN"
)

// Config holds everything one transport instance needs. Each Client owns its
// own copy; nothing here is shared between instances.
type Config struct {
	URL     string
	Headers http.Header

	RequestTimeout   time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	CloseTimeout     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration
	// ReconnectDeadline bounds the wall-clock time of one retry cycle.
	// Zero means only MaxReconnectAttempts applies.
	ReconnectDeadline time.Duration

	MaxMessageSize     int64
	NotificationBuffer int

	// Outbound request rate limit; zero disables it.
	MaxRequestsPerSecond float64
	RequestBurst         int

	Subprotocols []string
	// TLSConfig is used for wss:// targets. Verification stays enabled
	// unless the caller explicitly turns it off here.
	TLSConfig *tls.Config
}

// DefaultConfig returns the documented defaults with an empty URL.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:       30 * time.Second,
		PingInterval:         30 * time.Second,
		PingTimeout:          10 * time.Second,
		CloseTimeout:         5 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   2 * time.Second,
		MaxReconnectDelay:    time.Minute,
		MaxMessageSize:       1 << 20,
		NotificationBuffer:   256,
		RequestBurst:         1,
	}
}

// Validate checks the URL and rejects values that would stall the client.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("config: url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("config: unsupported url scheme %q", u.Scheme)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: timeout_ms must be positive")
	}
	if c.PingInterval > 0 && c.PingTimeout <= 0 {
		return errors.New("config: ping_timeout_s must be positive when heartbeats are enabled")
	}
	if c.CloseTimeout <= 0 || c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("config: close, handshake and write timeouts must be positive")
	}
	if c.MaxReconnectAttempts < 1 {
		return errors.New("config: max_reconnect_attempts must be at least 1")
	}
	if c.ReconnectBaseDelay < 0 || c.MaxReconnectDelay < 0 || c.ReconnectDeadline < 0 {
		return errors.New("config: reconnect delays must not be negative")
	}
	if c.NotificationBuffer < 0 {
		return errors.New("config: notification_buffer must not be negative")
	}
	return nil
}

// Seconds decodes a number of seconds, integer or fractional, from YAML or TOML.
type Seconds float64

func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	var f float64
	if err := node.Decode(&f); err != nil {
		return err
	}
	*s = Seconds(f)
	return nil
}

func (s *Seconds) UnmarshalTOML(v any) error {
	switch n := v.(type) {
	case int64:
		*s = Seconds(n)
	case float64:
		*s = Seconds(n)
	default:
		return fmt.Errorf("expected number of seconds, got %T", v)
	}
	return nil
}

// fileConfig mirrors the on-disk keys; nil fields keep defaults.
type fileConfig struct {
	URL                  *string           `yaml:"url" toml:"url"`
	Headers              map[string]string `yaml:"headers" toml:"headers"`
	TimeoutMS            *int64            `yaml:"timeout_ms" toml:"timeout_ms"`
	PingIntervalS        *Seconds          `yaml:"ping_interval_s" toml:"ping_interval_s"`
	PingTimeoutS         *Seconds          `yaml:"ping_timeout_s" toml:"ping_timeout_s"`
	CloseTimeoutS        *Seconds          `yaml:"close_timeout_s" toml:"close_timeout_s"`
	HandshakeTimeoutS    *Seconds          `yaml:"handshake_timeout_s" toml:"handshake_timeout_s"`
	WriteTimeoutS        *Seconds          `yaml:"write_timeout_s" toml:"write_timeout_s"`
	MaxReconnectAttempts *int              `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	ReconnectBaseDelayS  *Seconds          `yaml:"reconnect_base_delay_s" toml:"reconnect_base_delay_s"`
	MaxReconnectDelayS   *Seconds          `yaml:"max_reconnect_delay_s" toml:"max_reconnect_delay_s"`
	ReconnectDeadlineS   *Seconds          `yaml:"reconnect_deadline_s" toml:"reconnect_deadline_s"`
	MaxMessageBytes      *int64            `yaml:"max_message_bytes" toml:"max_message_bytes"`
	NotificationBuffer   *int              `yaml:"notification_buffer" toml:"notification_buffer"`
	MaxRequestsPerSecond *float64          `yaml:"max_requests_per_second" toml:"max_requests_per_second"`
	RequestBurst         *int              `yaml:"request_burst" toml:"request_burst"`
	Subprotocols         []string          `yaml:"subprotocols" toml:"subprotocols"`
}

// LoadConfigFile reads a YAML (.yaml, .yml) or TOML (.toml) file on top of
// DefaultConfig. The result is not validated; call Validate after any
// further overrides.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse toml config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}

	cfg := DefaultConfig()
	fc.apply(&cfg)
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) {
	if fc.URL != nil {
		cfg.URL = *fc.URL
	}
	if len(fc.Headers) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = http.Header{}
		}
		for k, v := range fc.Headers {
			cfg.Headers.Set(k, v)
		}
	}
	if fc.TimeoutMS != nil {
		cfg.RequestTimeout = time.Duration(*fc.TimeoutMS) * time.Millisecond
	}
	setSeconds(&cfg.PingInterval, fc.PingIntervalS)
	setSeconds(&cfg.PingTimeout, fc.PingTimeoutS)
	setSeconds(&cfg.CloseTimeout, fc.CloseTimeoutS)
	setSeconds(&cfg.HandshakeTimeout, fc.HandshakeTimeoutS)
	setSeconds(&cfg.WriteTimeout, fc.WriteTimeoutS)
	setSeconds(&cfg.ReconnectBaseDelay, fc.ReconnectBaseDelayS)
	setSeconds(&cfg.MaxReconnectDelay, fc.MaxReconnectDelayS)
	setSeconds(&cfg.ReconnectDeadline, fc.ReconnectDeadlineS)
	if fc.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *fc.MaxReconnectAttempts
	}
	if fc.MaxMessageBytes != nil {
		cfg.MaxMessageSize = *fc.MaxMessageBytes
	}
	if fc.NotificationBuffer != nil {
		cfg.NotificationBuffer = *fc.NotificationBuffer
	}
	if fc.MaxRequestsPerSecond != nil {
		cfg.MaxRequestsPerSecond = *fc.MaxRequestsPerSecond
	}
	if fc.RequestBurst != nil {
		cfg.RequestBurst = *fc.RequestBurst
	}
	if len(fc.Subprotocols) > 0 {
		cfg.Subprotocols = append([]string(nil), fc.Subprotocols...)
	}
}

func setSeconds(dst *time.Duration, v *Seconds) {
	if v != nil {
		*dst = v.Duration()
	}
}

// ApplyEnv overrides cfg from RPCWS_* environment variables. Unset variables
// leave the field alone; malformed ones are reported.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvURL); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv(EnvTimeoutMS); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTimeoutMS, err)
		}
		cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	for _, o := range []struct {
		name string
		dst  *time.Duration
	}{
		{EnvPingIntervalS, &cfg.PingInterval},
		{EnvPingTimeoutS, &cfg.PingTimeout},
		{EnvReconnectBaseDelayS, &cfg.ReconnectBaseDelay},
	} {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", o.name, err)
		}
		*o.dst = Seconds(f).Duration()
	}
	if v := os.Getenv(EnvMaxReconnectAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxReconnectAttempts, err)
		}
		cfg.MaxReconnectAttempts = n
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		if cfg.Headers == nil {
			cfg.Headers = http.Header{}
		}
		cfg.Headers.Set("Authorization", "Bearer "+v)
	}
	return nil
}
