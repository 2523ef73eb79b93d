package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Versions is the version set stamped on every canonical event and derived
// document. It is passed explicitly to the pipeline stages at construction.
type Versions struct {
	Schema    int `yaml:"schema"`
	Canonical int `yaml:"canonical"`
	Logic     int `yaml:"logic"`
	Pipeline  int `yaml:"pipeline"`
}

// DefaultVersions are the versions this build writes.
var DefaultVersions = Versions{Schema: 1, Canonical: 1, Logic: 1, Pipeline: 1}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`   // optional; checked when set
	Audience  string `yaml:"audience"` // optional; checked when set
}

// RateLimitConfig is the per-identity fixed window.
type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// QueueConfig configures the in-process topic bus between stages.
type QueueConfig struct {
	RawEventsTopic       string        `yaml:"raw_events_topic"`
	CanonicalEventsTopic string        `yaml:"canonical_events_topic"`
	Workers              int           `yaml:"workers"`
	Capacity             int           `yaml:"capacity"`
	MaxAttempts          int           `yaml:"max_attempts"`
	Backoff              time.Duration `yaml:"backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
}

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL          string          `yaml:"db_url"`
	HTTPAddr       string          `yaml:"http_addr"`
	LogLevel       string          `yaml:"log_level"`
	IdempotencyTTL time.Duration   `yaml:"idempotency_ttl"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Queue          QueueConfig     `yaml:"queue"`
	Versions       Versions        `yaml:"versions"`
}

// Defaults returns a config usable for local development.
func Defaults() Config {
	return Config{
		HTTPAddr:       ":8080",
		LogLevel:       "info",
		IdempotencyTTL: 24 * time.Hour,
		SweepInterval:  10 * time.Minute,
		RateLimit:      RateLimitConfig{Max: 120, Window: 60 * time.Second},
		Queue: QueueConfig{
			RawEventsTopic:       "raw-events",
			CanonicalEventsTopic: "canonical-events",
			Workers:              4,
			Capacity:             1024,
			MaxAttempts:          5,
			Backoff:              200 * time.Millisecond,
			MaxBackoff:           10 * time.Second,
		},
		Versions: DefaultVersions,
	}
}

// Load reads configuration: defaults, then the YAML file named by CONFIG_FILE
// (if any), then environment variables.
func Load() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadVersions reads only the version set, from the same sources as Load.
// Offline tools use it; DB_URL and JWT_SECRET are not required.
func LoadVersions() (Versions, error) {
	cfg, err := read()
	if err != nil {
		return Versions{}, err
	}
	if err := cfg.Versions.validate(); err != nil {
		return Versions{}, err
	}
	return cfg.Versions, nil
}

func read() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.DBURL, "DB_URL")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.Issuer, "JWT_ISSUER")
	setString(&cfg.Auth.Audience, "JWT_AUDIENCE")
	setString(&cfg.Queue.RawEventsTopic, "TOPIC_RAW_EVENTS")
	setString(&cfg.Queue.CanonicalEventsTopic, "TOPIC_CANONICAL_EVENTS")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.RateLimit.Max, "RATE_LIMIT_MAX"},
		{&cfg.Queue.Workers, "QUEUE_WORKERS"},
		{&cfg.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS"},
		{&cfg.Versions.Schema, "SCHEMA_VERSION"},
		{&cfg.Versions.Canonical, "CANONICAL_VERSION"},
		{&cfg.Versions.Logic, "LOGIC_VERSION"},
		{&cfg.Versions.Pipeline, "PIPELINE_VERSION"},
	}
	for _, i := range ints {
		if err := setInt(i.dst, i.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW"},
		{&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL"},
		{&cfg.SweepInterval, "IDEMPOTENCY_SWEEP_INTERVAL"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks required values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBURL) == "" {
		return errors.New("DB_URL required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("JWT_SECRET required")
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be positive")
	}
	if c.Queue.RawEventsTopic == "" || c.Queue.CanonicalEventsTopic == "" {
		return errors.New("queue topic names required")
	}
	if c.Queue.RawEventsTopic == c.Queue.CanonicalEventsTopic {
		return errors.New("raw and canonical topics must differ")
	}
	return c.Versions.validate()
}

func (v Versions) validate() error {
	if v.Schema <= 0 || v.Canonical <= 0 || v.Logic <= 0 || v.Pipeline <= 0 {
		return errors.New("versions must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}
