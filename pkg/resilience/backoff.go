package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig bounds the retry delay between coordination attempts.
type BackoffConfig struct {
	InitialInterval     time.Duration `yaml:"initialInterval" default:"200ms"`
	MaxInterval         time.Duration `yaml:"maxInterval" default:"15s"`
	Multiplier          float64       `yaml:"multiplier" default:"2"`
	RandomizationFactor float64       `yaml:"randomizationFactor" default:"0.2"`
}

// DefaultBackoffConfig returns the defaults used by coordinators.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         15 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Normalize replaces unset or out-of-range fields with the defaults.
func (cfg BackoffConfig) Normalize() BackoffConfig {
	def := DefaultBackoffConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor < 0 || cfg.RandomizationFactor >= 1 {
		cfg.RandomizationFactor = def.RandomizationFactor
	}
	return cfg
}

// NewBackOff builds an exponential backoff that never gives up on its own;
// callers stop it through their context.
func NewBackOff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	cfg = cfg.Normalize()
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.InitialInterval),
		backoff.WithMaxInterval(cfg.MaxInterval),
		backoff.WithMultiplier(cfg.Multiplier),
		backoff.WithRandomizationFactor(cfg.RandomizationFactor),
		backoff.WithMaxElapsedTime(0),
	)
	b.Reset()
	return b
}
