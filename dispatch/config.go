package dispatch

import "time"

// Defaults applied when a Config field is left zero.
const (
	DefaultBaseBackoff    = 200 * time.Millisecond
	DefaultMaxConcurrency = 50
	DefaultMaxRetries     = 5
)

// Config tunes one run. It is clamped by Normalize before the run starts
// and not modified afterwards.
type Config struct {
	Concurrency int
	MaxRetries  int
	BaseBackoff time.Duration
	// Pause is the upper bound of the random delay a worker waits between
	// recipients.
	Pause time.Duration
	// Timeout bounds the whole run; zero means no limit beyond the caller's
	// context.
	Timeout time.Duration
}

// Limits are the operator-set caps applied to caller-supplied Config.
type Limits struct {
	MaxConcurrency int
	MaxRetries     int
}

// DefaultLimits returns the built-in caps.
func DefaultLimits() Limits {
	return Limits{MaxConcurrency: DefaultMaxConcurrency, MaxRetries: DefaultMaxRetries}
}

// Normalize clamps c into the ranges allowed by l.
func (c Config) Normalize(l Limits) Config {
	if l.MaxConcurrency < 1 {
		l.MaxConcurrency = DefaultMaxConcurrency
	}
	if l.MaxRetries < 0 {
		l.MaxRetries = 0
	}
	c.Concurrency = max(1, min(c.Concurrency, l.MaxConcurrency))
	c.MaxRetries = max(0, min(c.MaxRetries, l.MaxRetries))
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.Pause < 0 {
		c.Pause = 0
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}
