package sync

import (
	"time"
)

// Config holds the engine tunables. A zero Config selects DefaultConfig;
// otherwise zero durations select their defaults and a negative MaxRetries
// selects the default budget. MaxRetries of 0 marks an item failed after its
// first failed attempt.
type Config struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MaxRetries         int           `mapstructure:"max_retries"`
	PruneAge           time.Duration `mapstructure:"prune_age"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	StabilizationDelay time.Duration `mapstructure:"stabilization_delay"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	// RetryBackoff enables exponential per-item backoff when positive. With
	// the zero value a failed item is retried on the next trigger.
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// SyncOnEnqueue schedules a sync after every enqueue while online.
	SyncOnEnqueue bool `mapstructure:"sync_on_enqueue"`
	// Manual disables the scheduler and network triggered syncs; only
	// explicit SyncNow calls replay the queue.
	Manual bool `mapstructure:"manual"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:           24 * time.Hour,
		MaxRetries:         3,
		PruneAge:           30 * 24 * time.Hour,
		SyncInterval:       5 * time.Minute,
		StabilizationDelay: 1500 * time.Millisecond,
		ProbeInterval:      10 * time.Second,
		RetryBackoffMax:    time.Hour,
		RequestTimeout:     30 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c == (Config{}) {
		return d
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PruneAge <= 0 {
		c.PruneAge = d.PruneAge
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.StabilizationDelay <= 0 {
		c.StabilizationDelay = d.StabilizationDelay
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = d.RetryBackoffMax
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}
