package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/propdesk/propdesk/internal/domain"
)

// Scope selects the key family a snapshot lives under.
type Scope string

const (
	ScopeAssessment Scope = "assessment"
	ScopeFunded     Scope = "funded"
)

func stateKey(scope Scope, id string) string {
	return fmt.Sprintf("%s:%s:state", scope, id)
}

func rulesKey(scope Scope, id string) string {
	return fmt.Sprintf("%s:%s:rules", scope, id)
}

func splitStateKey(key string) (Scope, string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[2] != "state" {
		return "", "", false
	}
	return Scope(parts[0]), parts[1], true
}

// Store is the hot snapshot contract services depend on. StateStore is
// the Redis implementation; Memory backs tests.
type Store interface {
	Get(ctx context.Context, scope Scope, id string) (*domain.AccountState, error)
	Set(ctx context.Context, scope Scope, id string, state *domain.AccountState) error
	Delete(ctx context.Context, scope Scope, id string) error
	UpdatePeak(ctx context.Context, scope Scope, id string) error
	Keys(ctx context.Context, scope Scope) ([]string, error)
	RulesKeys(ctx context.Context, scope Scope) ([]string, error)
	GetRules(ctx context.Context, scope Scope, id string) (*domain.RulesSnapshot, error)
	SetRules(ctx context.Context, scope Scope, id string, snap *domain.RulesSnapshot) error
}

// StateStore reads and writes hot account snapshots. Sets are a single
// atomic replace of the JSON blob; callers serialize read-modify-write
// per account via internal/locks.
type StateStore struct {
	client *Client
}

// NewStateStore creates a state store over the shared Redis client.
func NewStateStore(client *Client) *StateStore {
	return &StateStore{client: client}
}

// Get returns the snapshot for an account, or nil when no live state
// exists. Absence is not an error: readers treat it as "not live".
func (s *StateStore) Get(ctx context.Context, scope Scope, id string) (*domain.AccountState, error) {
	data, err := s.client.rdb.Get(ctx, stateKey(scope, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state %s/%s: %w", scope, id, err)
	}
	var state domain.AccountState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt state %s/%s: %w", scope, id, err)
	}
	return &state, nil
}

// Set atomically replaces the snapshot.
func (s *StateStore) Set(ctx context.Context, scope Scope, id string, state *domain.AccountState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state %s/%s: %w", scope, id, err)
	}
	if err := s.client.rdb.Set(ctx, stateKey(scope, id), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write state %s/%s: %w", scope, id, err)
	}
	return nil
}

// Delete removes the snapshot. Called after terminal transitions, once
// the durable store has been updated.
func (s *StateStore) Delete(ctx context.Context, scope Scope, id string) error {
	if err := s.client.rdb.Del(ctx, stateKey(scope, id), rulesKey(scope, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete state %s/%s: %w", scope, id, err)
	}
	return nil
}

// UpdatePeak raises peakBalance to currentBalance when the balance has
// overtaken the previous peak. No-op otherwise.
func (s *StateStore) UpdatePeak(ctx context.Context, scope Scope, id string) error {
	state, err := s.Get(ctx, scope, id)
	if err != nil || state == nil {
		return err
	}
	if state.CurrentBalance > state.PeakBalance {
		state.PeakBalance = state.CurrentBalance
		return s.Set(ctx, scope, id, state)
	}
	return nil
}

// Keys scans for all live account ids in a scope.
func (s *StateStore) Keys(ctx context.Context, scope Scope) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:state", scope)
	var ids []string
	iter := s.client.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		parts := strings.Split(iter.Val(), ":")
		if len(parts) == 3 {
			ids = append(ids, parts[1])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s state keys: %w", scope, err)
	}
	return ids, nil
}

// RulesKeys scans for all account ids with a stored rules snapshot.
func (s *StateStore) RulesKeys(ctx context.Context, scope Scope) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:rules", scope)
	var ids []string
	iter := s.client.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		parts := strings.Split(iter.Val(), ":")
		if len(parts) == 3 {
			ids = append(ids, parts[1])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s rules keys: %w", scope, err)
	}
	return ids, nil
}

// GetRules returns the rules snapshot, or nil when absent.
func (s *StateStore) GetRules(ctx context.Context, scope Scope, id string) (*domain.RulesSnapshot, error) {
	data, err := s.client.rdb.Get(ctx, rulesKey(scope, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules %s/%s: %w", scope, id, err)
	}
	var snap domain.RulesSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt rules %s/%s: %w", scope, id, err)
	}
	return &snap, nil
}

// SetRules replaces the rules snapshot.
func (s *StateStore) SetRules(ctx context.Context, scope Scope, id string, snap *domain.RulesSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode rules %s/%s: %w", scope, id, err)
	}
	if err := s.client.rdb.Set(ctx, rulesKey(scope, id), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write rules %s/%s: %w", scope, id, err)
	}
	return nil
}
