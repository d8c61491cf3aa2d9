package engine

import (
	"fmt"
	"time"
)

// CleanupConfig controls the snapshot retention sweep.
type CleanupConfig struct {
	Enabled       bool
	Interval      time.Duration
	RetentionDays int
}

// Config holds execution engine configuration.
type Config struct {
	MaxConcurrentSagas int
	// ExecutionTimeout applies to sagas without their own timeout. Zero disables it.
	ExecutionTimeout time.Duration
	// StateSaveInterval is the period of snapshot saves while a saga runs.
	// Zero saves only at lifecycle boundaries.
	StateSaveInterval time.Duration

	AutoRecovery          bool
	RecoveryCheckInterval time.Duration
	// MaxRecoveryAttempts stops recovering a saga after this many attempts. Zero means no cap.
	MaxRecoveryAttempts int
	// RecoveryRate is the number of recoveries per second the sweep may start.
	RecoveryRate float64

	PerformanceMonitoring bool
	Cleanup               CleanupConfig
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSagas:    10,
		ExecutionTimeout:      5 * time.Minute,
		StateSaveInterval:     5 * time.Second,
		AutoRecovery:          false,
		RecoveryCheckInterval: time.Minute,
		MaxRecoveryAttempts:   3,
		RecoveryRate:          5,
		PerformanceMonitoring: true,
		Cleanup: CleanupConfig{
			Enabled:       true,
			Interval:      time.Hour,
			RetentionDays: 7,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrentSagas < 1 {
		return fmt.Errorf("max concurrent sagas must be >= 1")
	}
	if c.ExecutionTimeout < 0 || c.StateSaveInterval < 0 {
		return fmt.Errorf("execution timeout and state save interval cannot be negative")
	}
	if c.AutoRecovery && c.RecoveryCheckInterval <= 0 {
		return fmt.Errorf("recovery check interval must be > 0 when auto recovery is enabled")
	}
	if c.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("max recovery attempts cannot be negative")
	}
	if c.RecoveryRate < 0 {
		return fmt.Errorf("recovery rate cannot be negative")
	}
	if c.Cleanup.Enabled {
		if c.Cleanup.Interval <= 0 {
			return fmt.Errorf("cleanup interval must be > 0")
		}
		if c.Cleanup.RetentionDays < 1 {
			return fmt.Errorf("cleanup retention days must be >= 1")
		}
	}
	return nil
}

func (c Config) retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionDays) * 24 * time.Hour
}
