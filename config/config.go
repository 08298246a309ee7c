package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Websocket timings for the local UI surface.
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 4096
)

// Duration lets TOML values like "300ms" decode into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type NatsConfig struct {
	URL           string `toml:"url"`
	StreamName    string `toml:"stream"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LoggingConfig struct {
	Output string `toml:"output"` // stderr, stdout or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`
}

type SyncConfig struct {
	PageSize             int      `toml:"page_size"`
	RequestTimeout       Duration `toml:"request_timeout"`
	Debounce             Duration `toml:"debounce"`
	ReconnectBase        Duration `toml:"reconnect_base"`
	ReconnectCap         Duration `toml:"reconnect_cap"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	UpdateBufferTTL      Duration `toml:"update_buffer_ttl"`
	UpdateBufferLimit    int      `toml:"update_buffer_limit"`
}

// IdentityConfig optionally signs a user in at startup.
type IdentityConfig struct {
	UserID string `toml:"user_id"`
	Guest  bool   `toml:"guest"`
}

type Config struct {
	Nats     NatsConfig     `toml:"nats"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
	Sync     SyncConfig     `toml:"sync"`
	Identity IdentityConfig `toml:"identity"`
}

func Default() Config {
	return Config{
		Nats: NatsConfig{
			URL:           "nats://127.0.0.1:4222",
			StreamName:    "REFILL_CHANGES",
			SubjectPrefix: "refill",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8088",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Sync: SyncConfig{
			PageSize:             50,
			RequestTimeout:       Duration{10 * time.Second},
			Debounce:             Duration{300 * time.Millisecond},
			ReconnectBase:        Duration{1 * time.Second},
			ReconnectCap:         Duration{30 * time.Second},
			MaxReconnectAttempts: 8,
			UpdateBufferTTL:      Duration{30 * time.Second},
			UpdateBufferLimit:    512,
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, an
// optional .env file and REFILL_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if _, err := toml.Decode(string(content), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	_ = godotenv.Load(".env")

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		return dst.UnmarshalText([]byte(v))
	}

	str("REFILL_NATS_URL", &cfg.Nats.URL)
	str("REFILL_NATS_STREAM", &cfg.Nats.StreamName)
	str("REFILL_SUBJECT_PREFIX", &cfg.Nats.SubjectPrefix)
	str("REFILL_SERVER_ADDR", &cfg.Server.Addr)
	str("REFILL_LOG_OUTPUT", &cfg.Logging.Output)
	str("REFILL_LOG_FORMAT", &cfg.Logging.Format)
	str("REFILL_LOG_LEVEL", &cfg.Logging.Level)
	str("REFILL_USER_ID", &cfg.Identity.UserID)
	if v, ok := lookup("REFILL_GUEST"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid REFILL_GUEST %q: %w", v, err)
		}
		cfg.Identity.Guest = b
	}

	if err := integer("REFILL_PAGE_SIZE", &cfg.Sync.PageSize); err != nil {
		return err
	}
	if err := integer("REFILL_MAX_RECONNECT_ATTEMPTS", &cfg.Sync.MaxReconnectAttempts); err != nil {
		return err
	}
	if err := duration("REFILL_REQUEST_TIMEOUT", &cfg.Sync.RequestTimeout); err != nil {
		return fmt.Errorf("invalid REFILL_REQUEST_TIMEOUT: %w", err)
	}
	if err := duration("REFILL_DEBOUNCE", &cfg.Sync.Debounce); err != nil {
		return fmt.Errorf("invalid REFILL_DEBOUNCE: %w", err)
	}
	if err := duration("REFILL_RECONNECT_BASE", &cfg.Sync.ReconnectBase); err != nil {
		return fmt.Errorf("invalid REFILL_RECONNECT_BASE: %w", err)
	}
	if err := duration("REFILL_RECONNECT_CAP", &cfg.Sync.ReconnectCap); err != nil {
		return fmt.Errorf("invalid REFILL_RECONNECT_CAP: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Nats.URL) == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if strings.TrimSpace(c.Nats.SubjectPrefix) == "" {
		errs = append(errs, errors.New("nats.subject_prefix is required"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize))
	}
	if c.Sync.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("sync.request_timeout must be positive"))
	}
	if c.Sync.ReconnectBase.Duration <= 0 {
		errs = append(errs, errors.New("sync.reconnect_base must be positive"))
	}
	if c.Sync.ReconnectCap.Duration < c.Sync.ReconnectBase.Duration {
		errs = append(errs, errors.New("sync.reconnect_cap must not be below sync.reconnect_base"))
	}
	if c.Sync.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("sync.max_reconnect_attempts must not be negative"))
	}
	if c.Sync.UpdateBufferLimit < 0 {
		errs = append(errs, errors.New("sync.update_buffer_limit must not be negative"))
	}
	if c.Identity.Guest && c.Identity.UserID == "" {
		errs = append(errs, errors.New("identity.guest requires identity.user_id"))
	}
	return errors.Join(errs...)
}
