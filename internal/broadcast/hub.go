package broadcast

import (
	"context"
	"sync"

	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// Publisher delivers committed deltas and presence changes to subscribed sessions.
type Publisher interface {
	Publish(ctx context.Context, d Delta)
	PublishPresence(ctx context.Context, p Presence)
}

// Session is one subscribed board connection.
type Session struct {
	ID       uuid.UUID
	BranchID uuid.UUID
	AgentID  uuid.UUID

	hub    *Hub
	view   *View
	events chan Message
	resync chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Events yields deltas in publish order for this session.
func (s *Session) Events() <-chan Message { return s.events }

// Resync fires when the session buffer overflowed and deltas were dropped.
func (s *Session) Resync() <-chan struct{} { return s.resync }

// Done is closed when the session is closed by the caller or the hub.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close unsubscribes the session. It is safe to call more than once.
func (s *Session) Close() {
	s.hub.remove(s)
	s.shut()
}

func (s *Session) shut() {
	s.once.Do(func() { close(s.done) })
}

// offer enqueues d without blocking and reports whether the buffer overflowed.
// Deltas the session already holds a newer version for are skipped.
func (s *Session) offer(d Delta) (overflow bool) {
	if !s.view.Apply(d) {
		return false
	}
	return s.push(Message{Type: MessageDelta, Delta: &d})
}

func (s *Session) push(msg Message) (overflow bool) {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- msg:
		return false
	default:
		select {
		case s.resync <- struct{}{}:
		default:
		}
		return true
	}
}

// Hub keeps the sessions of every branch on this instance.
type Hub struct {
	buffer int
	log    *logger.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Session]struct{}
}

// NewHub creates a hub whose sessions buffer up to buffer deltas each.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{
		buffer:   buffer,
		log:      log,
		sessions: make(map[uuid.UUID]map[*Session]struct{}),
	}
}

// Subscribe registers a session for branchID.
func (h *Hub) Subscribe(branchID, agentID uuid.UUID) *Session {
	s := &Session{
		ID:       uuid.New(),
		BranchID: branchID,
		AgentID:  agentID,
		hub:      h,
		view:     NewView(),
		events:   make(chan Message, h.buffer),
		resync:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[branchID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[branchID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.BranchID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.BranchID)
	}
}

// Publish fans d out to every session of its branch. It never blocks on a slow session.
func (h *Hub) Publish(_ context.Context, d Delta) {
	dropped := 0
	for _, s := range h.targets(d.BranchID) {
		if s.offer(d) {
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn("broadcast buffer full, sessions must resync",
			"branchId", d.BranchID, "leadId", d.LeadID, "sessions", dropped)
	}
}

// PublishPresence sends p to every session of its branch. Presence is not
// versioned, so a session that overflows resyncs like it does for deltas.
func (h *Hub) PublishPresence(_ context.Context, p Presence) {
	dropped := 0
	for _, s := range h.targets(p.BranchID) {
		if s.push(Message{Type: MessagePresence, Presence: &p}) {
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn("broadcast buffer full, sessions must resync",
			"branchId", p.BranchID, "leadId", p.LeadID, "sessions", dropped)
	}
}

func (h *Hub) targets(branchID uuid.UUID) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make([]*Session, 0, len(h.sessions[branchID]))
	for s := range h.sessions[branchID] {
		targets = append(targets, s)
	}
	return targets
}

// Sessions returns the number of live sessions of branchID.
func (h *Hub) Sessions(branchID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[branchID])
}

// Close ends every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for s := range set {
			s.shut()
		}
	}
	h.sessions = make(map[uuid.UUID]map[*Session]struct{})
}

var _ Publisher = (*Hub)(nil)
