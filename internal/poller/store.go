package poller

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kestra-io/workspace-triggers/pkg/errors"
)

// Store persists TriggerState between polls. Load of an unknown trigger
// returns a fresh empty state, never nil. Save must round-trip exactly:
// cursor values and the seen set survive a save/load cycle without loss.
//
// Save is atomic per trigger ID. The engine assumes at-most-one in-flight
// poll per trigger instance (guaranteed upstream by the scheduler), so
// last-writer-wins semantics across distinct triggers are sufficient.
type Store interface {
	Load(ctx context.Context, triggerID string) (*TriggerState, error)
	Save(ctx context.Context, state *TriggerState) error
	Delete(ctx context.Context, triggerID string) error
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-process use.
// States round-trip through JSON so it exercises the same serialization
// contract as the durable store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, triggerID string) (*TriggerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.states[triggerID]
	if !ok {
		return NewTriggerState(triggerID), nil
	}

	var state TriggerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrapf(err, "decoding state for trigger %s", triggerID)
	}
	return &state, nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, state *TriggerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "encoding state for trigger %s", state.TriggerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.TriggerID] = raw
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, triggerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, triggerID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
