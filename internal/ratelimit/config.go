package ratelimit

import (
	"fmt"
	"time"
)

// Config holds limiter and retry settings for one remote dependency.
type Config struct {
	RequestsPerSec    float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultConfig returns the defaults. NCBI allows 3 requests/s without an API key.
func DefaultConfig() Config {
	return Config{
		RequestsPerSec:    3.0,
		Burst:             3,
		MaxRetries:        5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (cfg Config) WithDefaults() Config {
	def := DefaultConfig()
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return cfg
}

// Policies maps a dependency name ("ncbi", "mongo", "tracker", ...) to its config.
type Policies map[string]Config

// Get returns the policy for name, falling back to defaults when absent.
func (p Policies) Get(name string) (Config, error) {
	cfg, ok := p[name]
	if !ok {
		return DefaultConfig(), fmt.Errorf("retry policy for %s not found", name)
	}
	return cfg.WithDefaults(), nil
}
