package saga

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Factory builds a fresh saga of one type for an aggregate.
type Factory func(aggregateID string) (Saga, error)

// Registry maps saga type names to factories so persisted snapshots can be
// turned back into live saga instances.
type Registry struct {
	factories *xsync.MapOf[string, Factory]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: xsync.NewMapOf[string, Factory](),
	}
}

// Register adds a factory for sagaType.
func (r *Registry) Register(sagaType string, factory Factory) error {
	if sagaType == "" {
		return fmt.Errorf("saga type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for saga type %s cannot be nil", sagaType)
	}
	if _, loaded := r.factories.LoadOrStore(sagaType, factory); loaded {
		return fmt.Errorf("saga type %s already registered", sagaType)
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(sagaType string, factory Factory) {
	if err := r.Register(sagaType, factory); err != nil {
		panic(err)
	}
}

// New builds a saga of sagaType.
func (r *Registry) New(sagaType, aggregateID string) (Saga, error) {
	factory, ok := r.factories.Load(sagaType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return factory(aggregateID)
}

// Restore builds a saga from its snapshot's type and restores its state.
func (r *Registry) Restore(snapshot *SagaStateSnapshot) (Saga, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	s, err := r.New(snapshot.SagaType, snapshot.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := s.Restore(snapshot); err != nil {
		return nil, fmt.Errorf("restore saga %s: %w", snapshot.SagaID, err)
	}
	return s, nil
}

// Types returns the registered saga types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, r.factories.Size())
	r.factories.Range(func(key string, _ Factory) bool {
		types = append(types, key)
		return true
	})
	sort.Strings(types)
	return types
}
