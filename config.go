package gigbuds

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gigbuds/go-realtime-sdk/storage"
	"github.com/gigbuds/go-realtime-sdk/util"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const envPrefix = "GIGBUDS_"

// Config is the file and environment form of Options, for programs that embed the client.
// Values come from, in increasing precedence: defaults, the TOML file, the environment
// (including a .env file in the working directory).
type Config struct {
	HubURL    string   `toml:"hub_url" validate:"required,url"`
	Transport string   `toml:"transport" validate:"omitempty,oneof=websocket sse"`
	Groups    []string `toml:"groups"`
	LogLevel  string   `toml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// StorePath selects the SQLite store; RedisAddr selects Redis and wins over StorePath.
	StorePath     string `toml:"store_path"`
	RedisAddr     string `toml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db" validate:"gte=0"`
	RedisPrefix   string `toml:"redis_prefix"`

	RequestTimeoutMS     int `toml:"request_timeout_ms" validate:"gte=0"`
	ReadinessDelayMS     int `toml:"readiness_delay_ms" validate:"gte=0"`
	ForegroundDebounceMS int `toml:"foreground_debounce_ms" validate:"gte=0"`
}

// LoadConfig reads configPath (or GIGBUDS_CONFIG_PATH when configPath is empty) if it
// is set, then applies GIGBUDS_* environment variables on top and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Transport:   string(TransportKind_WebSocket),
		LogLevel:    "info",
		RedisPrefix: "gigbuds",
	}

	if configPath == "" {
		configPath = os.Getenv(envPrefix + "CONFIG_PATH")
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HubURL, "HUB_URL")
	setString(&c.Transport, "TRANSPORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.StorePath, "STORE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.RedisPrefix, "REDIS_PREFIX")
	if value, ok := lookupEnv("GROUPS"); ok {
		c.Groups = splitList(value)
	}

	for key, target := range map[string]*int{
		"REDIS_DB":               &c.RedisDB,
		"REQUEST_TIMEOUT_MS":     &c.RequestTimeoutMS,
		"READINESS_DELAY_MS":     &c.ReadinessDelayMS,
		"FOREGROUND_DEBOUNCE_MS": &c.ForegroundDebounceMS,
	} {
		value, ok := lookupEnv(key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, value, err)
		}
		*target = parsed
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func setString(target *string, key string) {
	if value, ok := lookupEnv(key); ok {
		*target = value
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Options builds client options with a charmbracelet-backed logger at LogLevel.
// The store is left nil; see OpenStore.
func (c *Config) Options() *Options {
	return &Options{
		Groups:             append([]string(nil), c.Groups...),
		TransportKind:      TransportKind(c.Transport),
		RequestTimeout:     time.Duration(c.RequestTimeoutMS) * time.Millisecond,
		ReadinessDelay:     time.Duration(c.ReadinessDelayMS) * time.Millisecond,
		ForegroundDebounce: time.Duration(c.ForegroundDebounceMS) * time.Millisecond,
		Logger:             util.NewDefaultLogger(c.LogLevel),
	}
}

// OpenStore opens the configured persistent store. The caller owns it.
func (c *Config) OpenStore(ctx context.Context) (storage.KeyValueStore, error) {
	switch {
	case c.RedisAddr != "":
		store, err := storage.NewRedisStore(ctx, storage.RedisOptions{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   c.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case c.StorePath != "":
		store, err := storage.NewSQLiteStore(c.StorePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		util.Warnf("No store configured, notifications and device id will not survive a restart")
		return storage.NewMemoryStore(), nil
	}
}
