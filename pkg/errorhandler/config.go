package errorhandler

import (
	"fmt"
	"math"
	"time"
)

// StrategyConfig overrides the retry budget of one strategy. Nil fields
// fall back to the handler-wide values; zero is a real override.
type StrategyConfig struct {
	MaxRetries    *int
	RetryInterval *time.Duration
}

// NotificationConfig controls escalation for MANUAL_INTERVENTION.
type NotificationConfig struct {
	Enabled  bool
	Channels []string
	// Threshold is the number of errors a saga must accumulate before a
	// notification is sent.
	Threshold int
}

// Config holds error handler configuration.
type Config struct {
	MaxRetries       int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	RetryMultiplier  float64
	// Timeout bounds strategies that call back into the saga.
	Timeout time.Duration

	// AutoRecovery and RecoveryCheckInterval are honoured by the engine's
	// recovery sweep; the handler runs no sweep of its own.
	AutoRecovery          bool
	RecoveryCheckInterval time.Duration

	Notification   NotificationConfig
	Classification map[ErrorType]Strategy
	Strategies     map[Strategy]StrategyConfig
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		RetryInterval:         time.Second,
		MaxRetryInterval:      30 * time.Second,
		RetryMultiplier:       2,
		Timeout:               30 * time.Second,
		AutoRecovery:          false,
		RecoveryCheckInterval: time.Minute,
		Notification: NotificationConfig{
			Enabled:   true,
			Channels:  []string{"log"},
			Threshold: 1,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryInterval < 0 || c.MaxRetryInterval < 0 || c.Timeout < 0 {
		return fmt.Errorf("intervals and timeout cannot be negative")
	}
	if c.MaxRetryInterval > 0 && c.RetryInterval > c.MaxRetryInterval {
		return fmt.Errorf("retry interval %s exceeds max retry interval %s", c.RetryInterval, c.MaxRetryInterval)
	}
	if c.RetryMultiplier != 0 && c.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.RetryMultiplier)
	}
	for typ, strategy := range c.Classification {
		if !typ.Valid() {
			return fmt.Errorf("unknown error type %q in classification", typ)
		}
		if !strategy.Valid() {
			return fmt.Errorf("unknown strategy %q for %s", strategy, typ)
		}
	}
	for strategy, sc := range c.Strategies {
		if !strategy.Valid() {
			return fmt.Errorf("unknown strategy %q in strategy overrides", strategy)
		}
		if (sc.MaxRetries != nil && *sc.MaxRetries < 0) || (sc.RetryInterval != nil && *sc.RetryInterval < 0) {
			return fmt.Errorf("strategy %s override cannot be negative", strategy)
		}
	}
	if c.Notification.Threshold < 0 {
		return fmt.Errorf("notification threshold cannot be negative")
	}
	return nil
}

func (c Config) strategyFor(t ErrorType) Strategy {
	if s, ok := c.Classification[t]; ok {
		return s
	}
	if s, ok := DefaultStrategies()[t]; ok {
		return s
	}
	return StrategyManualIntervention
}

func (c Config) maxRetriesFor(s Strategy) int {
	if sc, ok := c.Strategies[s]; ok && sc.MaxRetries != nil {
		return *sc.MaxRetries
	}
	return c.MaxRetries
}

func (c Config) intervalFor(s Strategy) time.Duration {
	if sc, ok := c.Strategies[s]; ok && sc.RetryInterval != nil {
		return *sc.RetryInterval
	}
	return c.RetryInterval
}

// BackoffInterval returns min(base * multiplier^retryCount, max). It is
// non-decreasing in retryCount. A zero max disables the cap.
func BackoffInterval(base, max time.Duration, multiplier float64, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if retryCount < 0 {
		retryCount = 0
	}
	interval := float64(base) * math.Pow(multiplier, float64(retryCount))
	if math.IsInf(interval, 0) || interval > float64(math.MaxInt64) {
		if max > 0 {
			return max
		}
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(interval)
	if max > 0 && d > max {
		return max
	}
	return d
}
