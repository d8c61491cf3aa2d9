package compensation

import (
	"fmt"
	"time"
)

// Config holds compensation manager configuration.
type Config struct {
	Strategy Strategy
	// Delay postpones DELAYED tasks after creation.
	Delay time.Duration
	// BatchSize caps BATCH tasks per sweep tick, together with MaxParallelCompensations.
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
	// Timeout bounds one task execution.
	Timeout                  time.Duration
	ParallelCompensation     bool
	MaxParallelCompensations int
	// CheckInterval is the sweep period.
	CheckInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                 StrategyImmediate,
		Delay:                    5 * time.Second,
		BatchSize:                10,
		MaxRetries:               3,
		RetryInterval:            5 * time.Second,
		Timeout:                  30 * time.Second,
		ParallelCompensation:     false,
		MaxParallelCompensations: 5,
		CheckInterval:            time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("unknown compensation strategy %q", c.Strategy)
	}
	if c.Delay < 0 || c.RetryInterval < 0 || c.Timeout < 0 {
		return fmt.Errorf("delay, retry interval and timeout cannot be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative")
	}
	if c.MaxParallelCompensations < 1 {
		return fmt.Errorf("max parallel compensations must be >= 1")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be > 0")
	}
	return nil
}

// batchLimit is the number of tasks one sweep tick may start.
func (c Config) batchLimit() int {
	switch c.Strategy {
	case StrategyBatch:
		limit := c.MaxParallelCompensations
		if c.BatchSize > 0 && c.BatchSize < limit {
			limit = c.BatchSize
		}
		return limit
	case StrategyManual:
		return 0
	default:
		return -1
	}
}
