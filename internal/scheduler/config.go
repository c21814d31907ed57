package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Config bounds a scheduler run. All fields are caller supplied.
type Config struct {
	// BatchSize groups items for progress reporting only.
	BatchSize int `json:"batch_size"`
	// MaxConcurrent is the hard cap on in-flight scoring calls.
	MaxConcurrent int `json:"max_concurrent"`
	// RetryAttempts is the total number of attempts per item, first included.
	RetryAttempts  int           `json:"retry_attempts"`
	BaseRetryDelay time.Duration `json:"base_retry_delay"`
	MaxRetryDelay  time.Duration `json:"max_retry_delay"`
	// CallTimeout bounds each attempt. Zero disables it.
	CallTimeout time.Duration `json:"call_timeout"`
}

// DefaultConfig mirrors the "default" profile.
func DefaultConfig() Config {
	return Config{
		BatchSize:      20,
		MaxConcurrent:  5,
		RetryAttempts:  3,
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
		CallTimeout:    60 * time.Second,
	}
}

// Validate rejects configurations the scheduler cannot honour.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry_attempts must be >= 1, got %d", c.RetryAttempts))
	}
	if c.BaseRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("base_retry_delay must be >= 0, got %s", c.BaseRetryDelay))
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		errs = append(errs, fmt.Errorf("max_retry_delay %s is below base_retry_delay %s", c.MaxRetryDelay, c.BaseRetryDelay))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("call_timeout must be >= 0, got %s", c.CallTimeout))
	}
	return errors.Join(errs...)
}
