// Package presence tracks which agents are editing which leads and flags
// conflicting writes. Leases expire after a fixed TTL and are reaped lazily on
// access; there is no background sweeper.
package presence

import (
	"slices"
	"sync"
	"time"

	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// Lease is a time-bounded claim by one agent on one lead.
type Lease struct {
	LeadID    uuid.UUID `json:"leadId"`
	AgentID   uuid.UUID `json:"agentId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// WriteResult describes how a write landed.
type WriteResult struct {
	// Version is the lead version after this write.
	Version int64
	// Conflict is true when another agent held a live lease or the writer's prior version was stale.
	Conflict bool
	// Stale is true when the writer's prior version did not match.
	Stale bool
	// OtherEditors lists live lease holders other than the writer.
	OtherEditors []uuid.UUID
}

// Tracker holds leases and the per-lead version counters.
type Tracker struct {
	ttl time.Duration
	now func() time.Time
	log *logger.Logger

	mu       sync.Mutex
	leases   map[uuid.UUID]map[uuid.UUID]time.Time
	versions map[uuid.UUID]int64
}

// NewTracker creates a tracker with the given lease TTL.
func NewTracker(ttl time.Duration, log *logger.Logger) *Tracker {
	return &Tracker{
		ttl:      ttl,
		now:      time.Now,
		log:      log,
		leases:   make(map[uuid.UUID]map[uuid.UUID]time.Time),
		versions: make(map[uuid.UUID]int64),
	}
}

// WithClock replaces the wall clock. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// TTL returns the lease duration.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// AcquireLease creates or refreshes the lease of agentID on leadID.
func (t *Tracker) AcquireLease(leadID, agentID uuid.UUID) Lease {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.reapLocked(leadID, now)
	holders, ok := t.leases[leadID]
	if !ok {
		holders = make(map[uuid.UUID]time.Time)
		t.leases[leadID] = holders
	}
	expires := now.Add(t.ttl)
	holders[agentID] = expires
	return Lease{LeadID: leadID, AgentID: agentID, ExpiresAt: expires}
}

// ReleaseLease drops the lease of agentID on leadID. Releasing a missing lease is a no-op.
func (t *Tracker) ReleaseLease(leadID, agentID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	holders, ok := t.leases[leadID]
	if !ok {
		return
	}
	delete(holders, agentID)
	if len(holders) == 0 {
		delete(t.leases, leadID)
		delete(t.versions, leadID)
	}
}

// Idle drops the version counter of leadID when no live lease remains on it.
// Callers reseed the counter with Observe from the stored lead before the next write.
func (t *Tracker) Idle(leadID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reapLocked(leadID, t.now())
	if _, ok := t.leases[leadID]; !ok {
		delete(t.versions, leadID)
	}
}

// ActiveEditors returns the live lease holders of leadID, sorted.
func (t *Tracker) ActiveEditors(leadID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reapLocked(leadID, t.now())
	return t.editorsLocked(leadID)
}

// Observe seeds the version counter from a persisted lead. The counter never moves backwards.
func (t *Tracker) Observe(leadID uuid.UUID, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.versions[leadID] {
		t.versions[leadID] = version
	}
}

// Version returns the current version counter for leadID.
func (t *Tracker) Version(leadID uuid.UUID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[leadID]
}

// RecordWrite registers a write by writerID that was based on priorVersion and
// increments the version counter. The write is never rejected: a stale prior
// version or another live editor only marks the result as a conflict.
// priorVersion 0 skips the staleness check.
func (t *Tracker) RecordWrite(leadID, writerID uuid.UUID, priorVersion int64) WriteResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.reapLocked(leadID, now)

	current := t.versions[leadID]
	stale := priorVersion != 0 && priorVersion != current

	var others []uuid.UUID
	for _, agentID := range t.editorsLocked(leadID) {
		if agentID != writerID {
			others = append(others, agentID)
		}
	}

	current++
	t.versions[leadID] = current

	result := WriteResult{
		Version:      current,
		Stale:        stale,
		Conflict:     stale || len(others) > 0,
		OtherEditors: others,
	}
	if result.Conflict && t.log != nil {
		reason := "concurrent editor"
		if stale {
			reason = "stale version"
		}
		t.log.LeaseConflict(leadID.String(), writerID.String(), reason)
	}
	return result
}

// Forget rolls back the counter after a write could not be persisted, so the
// next Observe reseeds it from storage.
func (t *Tracker) Forget(leadID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.versions, leadID)
}

func (t *Tracker) reapLocked(leadID uuid.UUID, now time.Time) {
	holders, ok := t.leases[leadID]
	if !ok {
		return
	}
	for agentID, expires := range holders {
		if !now.Before(expires) {
			delete(holders, agentID)
		}
	}
	if len(holders) == 0 {
		delete(t.leases, leadID)
	}
}

func (t *Tracker) editorsLocked(leadID uuid.UUID) []uuid.UUID {
	holders := t.leases[leadID]
	out := make([]uuid.UUID, 0, len(holders))
	for agentID := range holders {
		out = append(out, agentID)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return out
}
