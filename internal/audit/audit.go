// Package audit is the append-only log of automation rule firings. Entries are
// written once per matched rule and never updated or deleted.
package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the overall result of a rule firing.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Action statuses.
const (
	ActionOK     = "ok"
	ActionFailed = "failed"
)

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	Type    string `json:"type"`
	Variant string `json:"variant,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Detail is the structured blob stored with each entry.
type Detail struct {
	Actions     []ActionResult `json:"actions"`
	LeadVersion int64          `json:"leadVersion"`
	Stage       string         `json:"stage"`
}

// Entry is one immutable firing record.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	RuleID        uuid.UUID `json:"ruleId"`
	RuleName      string    `json:"ruleName"`
	LeadID        uuid.UUID `json:"leadId"`
	BranchID      uuid.UUID `json:"branchId"`
	Trigger       string    `json:"trigger"`
	ActionSummary string    `json:"actionSummary"`
	Outcome       Outcome   `json:"outcome"`
	Message       string    `json:"message,omitempty"`
	Detail        Detail    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}

// OutcomeOf resolves a rule outcome from its action results: failure when all
// failed, partial when some failed, success otherwise.
func OutcomeOf(results []ActionResult) Outcome {
	failed := 0
	for _, r := range results {
		if r.Status == ActionFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return OutcomeSuccess
	case failed == len(results):
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// Filter narrows a query. Zero fields are ignored. From is inclusive, To exclusive.
type Filter struct {
	LeadID   *uuid.UUID
	RuleID   *uuid.UUID
	BranchID *uuid.UUID
	From     *time.Time
	To       *time.Time
	Limit    int
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// EffectiveLimit clamps the limit to a sane page size.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultLimit
	case f.Limit > maxLimit:
		return maxLimit
	}
	return f.Limit
}

// Accepts reports whether e passes the filter.
func (f Filter) Accepts(e Entry) bool {
	if f.LeadID != nil && e.LeadID != *f.LeadID {
		return false
	}
	if f.RuleID != nil && e.RuleID != *f.RuleID {
		return false
	}
	if f.BranchID != nil && e.BranchID != *f.BranchID {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

// Recorder appends entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Store appends and queries entries. Query returns newest first.
type Store interface {
	Recorder
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// MemoryStore is an in-process Store used in tests and when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Detail.Actions = slices.Clone(entry.Detail.Actions)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.EffectiveLimit()
	out := make([]Entry, 0)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Accepts(s.entries[i]) {
			e := s.entries[i]
			e.Detail.Actions = slices.Clone(e.Detail.Actions)
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of recorded entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
