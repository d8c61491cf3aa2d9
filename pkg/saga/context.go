package saga

import (
	"maps"
	"time"
)

// SagaContext is the mutable execution context owned by one saga instance.
type SagaContext struct {
	AggregateID        string         `json:"aggregate_id"`
	CurrentStepIndex   int            `json:"current_step_index"`
	StartTime          time.Time      `json:"start_time"`
	LastUpdateTime     time.Time      `json:"last_update_time"`
	Data               map[string]any `json:"data,omitempty"`
	Error              string         `json:"error,omitempty"`
	CompensationReason string         `json:"compensation_reason,omitempty"`
	RecoveryAttempts   int            `json:"recovery_attempts,omitempty"`
}

// Get returns a data value.
func (c *SagaContext) Get(key string) (any, bool) {
	if c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}

// GetString returns a data value as string, or "" when missing or of another type.
func (c *SagaContext) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores a data value visible to later steps.
func (c *SagaContext) Set(key string, value any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[key] = value
}

// Clone returns a copy with its own data map.
func (c SagaContext) Clone() SagaContext {
	out := c
	if c.Data != nil {
		out.Data = maps.Clone(c.Data)
	}
	return out
}
