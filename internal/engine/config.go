package engine

import "time"

// Config configures an Engine.
type Config struct {
	// Workers bounds the number of instances applying a stimulus at once.
	Workers int `json:"workers"`
	// MaxQueuedMessages bounds the inbound messages waiting for a receive,
	// across all processes. Zero means unbounded.
	MaxQueuedMessages int `json:"max_queued_messages"`
	// InvokeTimeout bounds one partner invocation.
	InvokeTimeout time.Duration `json:"invoke_timeout"`
	// StimulusTimeout bounds the reactions run for one stimulus. An instance
	// that exceeds it moves to the error status.
	StimulusTimeout time.Duration `json:"stimulus_timeout"`
	// Checkpoint controls retries of failed checkpoint writes.
	Checkpoint RetryPolicy `json:"checkpoint_retry"`
	// Endpoints maps partner service names to addresses, used for partner
	// links whose partner role is initialized at instance start.
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           16,
		MaxQueuedMessages: 10000,
		InvokeTimeout:     30 * time.Second,
		StimulusTimeout:   10 * time.Second,
		Checkpoint:        DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = d.InvokeTimeout
	}
	if c.StimulusTimeout <= 0 {
		c.StimulusTimeout = d.StimulusTimeout
	}
	if c.Checkpoint.MaxAttempts <= 0 {
		c.Checkpoint = d.Checkpoint
	}
	return c
}
