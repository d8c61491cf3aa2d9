package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// SagaStateSnapshot is a point-in-time persisted record of a saga.
type SagaStateSnapshot struct {
	SagaID      string      `json:"saga_id"`
	AggregateID string      `json:"aggregate_id"`
	SagaType    string      `json:"saga_type"`
	Status      SagaStatus  `json:"status"`
	Context     SagaContext `json:"context"`
	StepStates  []StepState `json:"step_states"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks the fields every store relies on.
func (s *SagaStateSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if s.SagaID == "" {
		return fmt.Errorf("snapshot saga id cannot be empty")
	}
	if s.AggregateID == "" {
		return fmt.Errorf("snapshot %s aggregate id cannot be empty", s.SagaID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("snapshot %s has unknown status %q", s.SagaID, s.Status)
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *SagaStateSnapshot) Clone() *SagaStateSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = s.Context.Clone()
	if s.StepStates != nil {
		out.StepStates = append([]StepState(nil), s.StepStates...)
	}
	return &out
}

// ExecutedSteps counts steps whose forward action completed.
func (s *SagaStateSnapshot) ExecutedSteps() int {
	n := 0
	for _, st := range s.StepStates {
		if st.Executed {
			n++
		}
	}
	return n
}

// CompensatedSteps counts compensated steps.
func (s *SagaStateSnapshot) CompensatedSteps() int {
	n := 0
	for _, st := range s.StepStates {
		if st.Compensated {
			n++
		}
	}
	return n
}

// MarshalSnapshot encodes a snapshot as JSON.
func MarshalSnapshot(s *SagaStateSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a JSON snapshot.
func UnmarshalSnapshot(data []byte) (*SagaStateSnapshot, error) {
	var s SagaStateSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
