// Package broadcast pushes lead deltas to every board session of a branch.
// Delivery is at-least-once; sessions apply a delta only when its version is
// newer than the one they hold, so duplicates and reordering converge.
package broadcast

import (
	"sync"

	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
)

// Origin tells sessions who caused a change.
type Origin string

const (
	OriginAgent      Origin = "agent"
	OriginAutomation Origin = "automation"
	OriginIngest     Origin = "ingest"
)

// Delta describes one committed lead mutation.
type Delta struct {
	LeadID   uuid.UUID `json:"leadId"`
	BranchID uuid.UUID `json:"branchId"`
	// Version is the lead version after the mutation.
	Version   int64        `json:"version"`
	FromStage domain.Stage `json:"fromStage,omitempty"`
	ToStage   domain.Stage `json:"toStage,omitempty"`
	Changed   []string     `json:"changed"`
	Conflict  bool         `json:"conflict"`
	Editors   []uuid.UUID  `json:"editors"`
	Origin    Origin       `json:"origin"`
	ActorID   *uuid.UUID   `json:"actorId,omitempty"`
	// Lead is the full post-mutation snapshot.
	Lead *domain.Lead `json:"lead,omitempty"`
}

// StageChanged reports whether the delta moves the lead between columns.
func (d Delta) StageChanged() bool {
	return d.ToStage != "" && d.FromStage != d.ToStage
}

// MessageType is the SSE event name.
type MessageType string

const (
	MessageConnected MessageType = "connected"
	MessageDelta     MessageType = "delta"
	// MessageResync tells a session it missed deltas and must reload its pages.
	MessageResync   MessageType = "resync"
	MessagePresence MessageType = "presence"
)

// Presence lists the live editors of a lead after a lease changed. It carries
// no version and does not pass through the session view.
type Presence struct {
	LeadID   uuid.UUID   `json:"leadId"`
	BranchID uuid.UUID   `json:"branchId"`
	Editors  []uuid.UUID `json:"editors"`
}

// Message is what a session receives.
type Message struct {
	Type     MessageType `json:"type"`
	Delta    *Delta      `json:"delta,omitempty"`
	Presence *Presence   `json:"presence,omitempty"`
}

// View is the per-session record of the newest version seen for each lead.
type View struct {
	mu       sync.Mutex
	versions map[uuid.UUID]int64
	leads    map[uuid.UUID]domain.Lead
}

func NewView() *View {
	return &View{
		versions: make(map[uuid.UUID]int64),
		leads:    make(map[uuid.UUID]domain.Lead),
	}
}

// Apply records d and returns true, or returns false when a delta with the
// same or a newer version was already applied.
func (v *View) Apply(d Delta) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if current, ok := v.versions[d.LeadID]; ok && d.Version <= current {
		return false
	}
	v.versions[d.LeadID] = d.Version
	if d.Lead != nil {
		v.leads[d.LeadID] = d.Lead.Clone()
	}
	return true
}

// Version returns the newest version applied for leadID.
func (v *View) Version(leadID uuid.UUID) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.versions[leadID]
}

// Lead returns the newest snapshot applied for leadID.
func (v *View) Lead(leadID uuid.UUID) (domain.Lead, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	lead, ok := v.leads[leadID]
	if !ok {
		return domain.Lead{}, false
	}
	return lead.Clone(), true
}

// Reset forgets everything, as after a resync.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.versions)
	clear(v.leads)
}
