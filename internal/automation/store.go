package automation

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRuleNotFound is returned by stores for unknown rule ids.
var ErrRuleNotFound = errors.New("automation rule not found")

// RuleSource supplies the enabled rules in scope for a branch.
type RuleSource interface {
	ListForBranch(ctx context.Context, branchID uuid.UUID) ([]Rule, error)
}

// RuleDisabler switches a rule off and records why.
type RuleDisabler interface {
	Disable(ctx context.Context, ruleID uuid.UUID, reason string) error
}

// RuleStore is the persistence contract for rule definitions.
type RuleStore interface {
	RuleSource
	RuleDisabler
	// List returns every rule visible to branchID, or all rules when branchID is nil.
	List(ctx context.Context, branchID *uuid.UUID) ([]Rule, error)
	Get(ctx context.Context, id uuid.UUID) (Rule, error)
	Create(ctx context.Context, rule Rule) (Rule, error)
	Update(ctx context.Context, rule Rule) (Rule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MemoryRuleStore keeps rules in process.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[uuid.UUID]Rule
	now   func() time.Time
}

func NewMemoryRuleStore(rules ...Rule) *MemoryRuleStore {
	s := &MemoryRuleStore{rules: make(map[uuid.UUID]Rule), now: time.Now}
	for _, r := range rules {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		s.rules[r.ID] = r
	}
	return s
}

func (s *MemoryRuleStore) ListForBranch(_ context.Context, branchID uuid.UUID) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled && r.AppliesToBranch(branchID) {
			out = append(out, r)
		}
	}
	OrderRules(out)
	return out, nil
}

func (s *MemoryRuleStore) List(_ context.Context, branchID *uuid.UUID) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if branchID == nil || r.AppliesToBranch(*branchID) {
			out = append(out, r)
		}
	}
	OrderRules(out)
	return out, nil
}

func (s *MemoryRuleStore) Get(_ context.Context, id uuid.UUID) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	return r, nil
}

func (s *MemoryRuleStore) Create(_ context.Context, rule Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	now := s.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *MemoryRuleStore) Update(_ context.Context, rule Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	if rule.Enabled {
		rule.DisabledReason = ""
	}
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *MemoryRuleStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStore) Disable(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Enabled = false
	r.DisabledReason = reason
	r.UpdatedAt = s.now()
	s.rules[id] = r
	return nil
}

// Rules returns a copy of every stored rule, ordered.
func (s *MemoryRuleStore) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.rules))
	OrderRules(out)
	return out
}

var _ RuleStore = (*MemoryRuleStore)(nil)
