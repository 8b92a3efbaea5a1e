package fetchpool

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConcurrency    = 20
	DefaultRequestTimeout = 10 * time.Second
)

// Config is the file form of the engine settings
type Config struct {
	Concurrency    int           `yaml:"concurrency"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BatchDeadline  time.Duration `yaml:"batch_deadline"`
	UserAgent      string        `yaml:"user_agent"`
	MaxBodySize    int64         `yaml:"max_body_size"`
}

// DefaultConfig returns the settings used when no file or flag overrides them
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// LoadConfig decodes a YAML document on top of the defaults and validates it
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, &ConfigError{Option: "config", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadConfigFile reads the YAML configuration at path
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	return LoadConfig(f)
}

// Validate reports the first out of range setting as a *ConfigError
func (c Config) Validate() error {
	switch {
	case c.Concurrency <= 0:
		return &ConfigError{Option: "concurrency", Err: ErrInvalidConcurrency}
	case c.RequestTimeout < 0:
		return &ConfigError{Option: "request_timeout", Err: ErrInvalidOption}
	case c.BatchDeadline < 0:
		return &ConfigError{Option: "batch_deadline", Err: ErrInvalidOption}
	case c.MaxBodySize < 0:
		return &ConfigError{Option: "max_body_size", Err: ErrInvalidOption}
	}
	return nil
}

// Options converts the configuration into engine options
func (c Config) Options() []Option {
	return []Option{
		WithRequestTimeout(c.RequestTimeout),
		WithBatchDeadline(c.BatchDeadline),
		WithUserAgent(c.UserAgent),
		WithMaxBodySize(c.MaxBodySize),
	}
}

// NewFromConfig creates an engine from cfg. Extra options are applied after the configuration.
func NewFromConfig(cfg Config, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(cfg.Concurrency, append(cfg.Options(), options...)...)
}
