package syncqueue

import "time"

// Config holds configuration for the sync worker
type Config struct {
	// PollInterval is the sleep between two batches
	PollInterval time.Duration

	// BatchSize bounds how many entries one cycle looks at
	BatchSize int

	// MaxAttempts is the ceiling after which an entry becomes permanently_failed
	MaxAttempts int

	// Backoff schedules retries
	Backoff Backoff

	// SendTimeout bounds one remote call; exceeding it is a transient failure
	SendTimeout time.Duration

	// RatePerSecond paces remote writes. Zero or negative disables pacing.
	RatePerSecond float64

	// Enabled determines if the background loop runs
	Enabled bool
}

// DefaultConfig returns the default sync configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  30 * time.Second,
		BatchSize:     50,
		MaxAttempts:   5,
		Backoff:       Backoff{Base: 30 * time.Second, Max: 5 * time.Minute},
		SendTimeout:   10 * time.Second,
		RatePerSecond: 20,
		Enabled:       true,
	}
}

// Validate fills unset values with defaults
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Max < c.Backoff.Base {
		c.Backoff.Max = c.Backoff.Base
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return nil
}
