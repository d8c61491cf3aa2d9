// Package models defines the request and response bodies of the HTTP API.
package models

import (
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

// SagaSubmitRequest starts a registered saga type for an aggregate.
type SagaSubmitRequest struct {
	Type        string         `json:"type" validate:"required,min=1,max=100"`
	AggregateID string         `json:"aggregate_id" validate:"required,min=1,max=200"`
	Input       map[string]any `json:"input,omitempty"`
}

// SagaSubmitResponse is returned when a saga is accepted.
type SagaSubmitResponse struct {
	SagaID      string          `json:"saga_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Status      saga.SagaStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SagaSummary is one row in a list response.
type SagaSummary struct {
	SagaID           string          `json:"saga_id"`
	Type             string          `json:"type"`
	AggregateID      string          `json:"aggregate_id"`
	Status           saga.SagaStatus `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SagaListResponse is a page of saga summaries.
type SagaListResponse struct {
	Items      []SagaSummary      `json:"items"`
	Pagination storage.Pagination `json:"pagination"`
}

// SagaActionRequest carries the optional reason of cancel and compensate.
type SagaActionRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=1000"`
}

// SagaActionResponse is returned by control operations.
type SagaActionResponse struct {
	SagaID string          `json:"saga_id"`
	Status saga.SagaStatus `json:"status"`
}

// CompensationCreateRequest registers a compensation task.
type CompensationCreateRequest struct {
	SagaID      string `json:"saga_id" validate:"required,min=1,max=200"`
	AggregateID string `json:"aggregate_id,omitempty" validate:"omitempty,max=200"`
	Reason      string `json:"reason,omitempty" validate:"omitempty,max=1000"`
	Priority    int    `json:"priority,omitempty" validate:"omitempty,min=0,max=100"`
}

// SummaryFromSnapshot converts a persisted snapshot to a list row.
func SummaryFromSnapshot(s *saga.SagaStateSnapshot) SagaSummary {
	return SagaSummary{
		SagaID:           s.SagaID,
		Type:             s.SagaType,
		AggregateID:      s.AggregateID,
		Status:           s.Status,
		CurrentStepIndex: s.Context.CurrentStepIndex,
		Error:            s.Context.Error,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
