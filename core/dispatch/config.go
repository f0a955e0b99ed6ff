package dispatch

import (
	"fmt"
	"time"
)

// Config defines the batching, admission and retry policy.
type Config struct {
	// BatchSize is the maximum number of commands in one batch.
	BatchSize int `json:"batch_size"`
	// Capacity is the maximum number of in-flight commands per controller.
	Capacity int `json:"capacity"`
	// MaxInFlight is the process-wide limit of in-flight commands.
	MaxInFlight int `json:"max_in_flight"`
	// DeferDelay is the wait before re-checking a controller at capacity.
	DeferDelay time.Duration `json:"defer_delay"`
	// PacingDelay separates consecutive batches of one controller.
	PacingDelay time.Duration `json:"pacing_delay"`
	// LivenessTimeout is the maximum age of a controller's last contact.
	LivenessTimeout time.Duration `json:"liveness_timeout"`
	// MaxRetries is the number of publish retries after the first attempt.
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	// BatchTimeout bounds the execution of one batch, retries included.
	BatchTimeout time.Duration `json:"batch_timeout"`
	ReapInterval time.Duration `json:"reap_interval"`
	// TokenTTL is the validity of the per-command device token.
	TokenTTL time.Duration `json:"token_ttl"`
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:       4,
		Capacity:        6,
		MaxInFlight:     10,
		DeferDelay:      time.Second,
		PacingDelay:     500 * time.Millisecond,
		LivenessTimeout: 60 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		BatchTimeout:    10 * time.Second,
		ReapInterval:    60 * time.Second,
		TokenTTL:        30 * time.Second,
	}
}

// SetDefaults fills zero fields with the production policy. MaxRetries is
// left alone since zero retries is a valid choice.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = d.DeferDelay
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = d.PacingDelay
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
}

// Validate checks the policy for contradictions.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.Capacity <= 0 || c.MaxInFlight <= 0 {
		return fmt.Errorf("dispatch: batch_size, capacity and max_in_flight must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("dispatch: max_retries must not be negative")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("dispatch: batch_timeout must be positive")
	}
	if c.ReapInterval > 0 && c.ReapInterval <= c.BatchTimeout {
		return fmt.Errorf("dispatch: reap_interval must exceed batch_timeout")
	}
	return nil
}
