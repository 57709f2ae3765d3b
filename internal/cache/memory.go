package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/propdesk/propdesk/internal/domain"
)

// Memory is an in-process Store used by tests. Snapshots are deep-copied
// on both read and write so tests observe the same isolation the Redis
// store gives.
type Memory struct {
	mu     sync.Mutex
	states map[string]*domain.AccountState
	rules  map[string]*domain.RulesSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]*domain.AccountState),
		rules:  make(map[string]*domain.RulesSnapshot),
	}
}

// Get returns a copy of the snapshot, or nil when absent.
func (m *Memory) Get(_ context.Context, scope Scope, id string) (*domain.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateKey(scope, id)]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

// Set replaces the snapshot.
func (m *Memory) Set(_ context.Context, scope Scope, id string, state *domain.AccountState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(scope, id)] = state.Clone()
	return nil
}

// Delete removes the snapshot and its rules.
func (m *Memory) Delete(_ context.Context, scope Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(scope, id))
	delete(m.rules, rulesKey(scope, id))
	return nil
}

// UpdatePeak raises the peak to the current balance when overtaken.
func (m *Memory) UpdatePeak(_ context.Context, scope Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateKey(scope, id)]
	if ok && state.CurrentBalance > state.PeakBalance {
		state.PeakBalance = state.CurrentBalance
	}
	return nil
}

// Keys returns all live account ids in a scope, sorted for determinism.
func (m *Memory) Keys(_ context.Context, scope Scope) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for key := range m.states {
		if s, id, ok := splitStateKey(key); ok && s == scope {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RulesKeys returns all account ids with a rules snapshot, sorted.
func (m *Memory) RulesKeys(_ context.Context, scope Scope) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for key := range m.rules {
		parts := strings.Split(key, ":")
		if len(parts) == 3 && parts[2] == "rules" && Scope(parts[0]) == scope {
			ids = append(ids, parts[1])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetRules returns a copy of the rules snapshot, or nil.
func (m *Memory) GetRules(_ context.Context, scope Scope, id string) (*domain.RulesSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.rules[rulesKey(scope, id)]
	if !ok {
		return nil, nil
	}
	c := *snap
	return &c, nil
}

// SetRules replaces the rules snapshot.
func (m *Memory) SetRules(_ context.Context, scope Scope, id string, snap *domain.RulesSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *snap
	m.rules[rulesKey(scope, id)] = &c
	return nil
}
