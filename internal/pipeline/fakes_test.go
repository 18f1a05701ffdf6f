package pipeline

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"pipeline_backend/internal/audit"
	"pipeline_backend/internal/automation"
	"pipeline_backend/internal/board"
	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/repository"
	"pipeline_backend/internal/presence"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

var testStages = domain.MustStageSet("new", "reviewing", "qualified", "won", "lost")

// monday10 is Monday 2026-04-06 10:00 UTC.
var monday10 = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore keeps leads in memory and enforces the version check on Save.
type memStore struct {
	mu    sync.Mutex
	leads map[uuid.UUID]domain.Lead
	saves int
	// interfere, when set, is applied to the stored lead right before the next Save,
	// as if another instance wrote first.
	interfere func(*domain.Lead)
	// candidates overrides the sweep listing when set.
	candidates []domain.Lead
	// onGet runs before every read, outside the lock.
	onGet func(id uuid.UUID)
}

func newMemStore(leads ...domain.Lead) *memStore {
	s := &memStore{leads: make(map[uuid.UUID]domain.Lead)}
	for _, l := range leads {
		s.leads[l.ID] = l.Clone()
	}
	return s
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (domain.Lead, error) {
	s.mu.Lock()
	hook := s.onGet
	s.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[id]
	if !ok {
		return domain.Lead{}, repository.ErrNotFound
	}
	return lead.Clone(), nil
}

func (s *memStore) Insert(_ context.Context, lead domain.Lead) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = lead.Clone()
	return lead.Clone(), nil
}

func (s *memStore) Save(_ context.Context, lead domain.Lead, expectedVersion int64) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.leads[lead.ID]
	if !ok {
		return domain.Lead{}, repository.ErrNotFound
	}
	if s.interfere != nil {
		s.interfere(&stored)
		stored.Version++
		s.leads[lead.ID] = stored
		s.interfere = nil
	}
	if stored.Version != expectedVersion {
		return domain.Lead{}, repository.ErrVersionMismatch
	}
	s.saves++
	s.leads[lead.ID] = lead.Clone()
	return lead.Clone(), nil
}

func (s *memStore) ListSweepCandidates(_ context.Context, branchID uuid.UUID, now time.Time, limit int) ([]domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidates != nil {
		return s.candidates, nil
	}
	var out []domain.Lead
	for _, l := range s.leads {
		if l.BranchID == branchID && !l.IsSuspended(now) {
			out = append(out, l.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Lead) int { return a.LastStageChange.Compare(b.LastStageChange) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FetchStagePage(_ context.Context, branchID uuid.UUID, stage domain.Stage, page, limit int) (board.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.Lead
	for _, l := range s.leads {
		if l.BranchID == branchID && l.Stage == stage {
			all = append(all, l.Clone())
		}
	}
	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	return board.PageResult{Leads: all[start:end], Total: len(all), HasMore: end < len(all)}, nil
}

func (s *memStore) get(id uuid.UUID) domain.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leads[id].Clone()
}

type recordingPublisher struct {
	mu       sync.Mutex
	deltas   []broadcast.Delta
	presence []broadcast.Presence
}

func (p *recordingPublisher) Publish(_ context.Context, d broadcast.Delta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
}

func (p *recordingPublisher) PublishPresence(_ context.Context, pr broadcast.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = append(p.presence, pr)
}

func (p *recordingPublisher) Deltas() []broadcast.Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.deltas)
}

func (p *recordingPublisher) Presence() []broadcast.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.presence)
}

type harness struct {
	clock   *testClock
	store   *memStore
	tracker *presence.Tracker
	boards  *board.Registry
	pub     *recordingPublisher
	audit   *audit.MemoryStore
	rules   *automation.MemoryRuleStore
	coord   *Coordinator
}

func newHarness(t *testing.T, leads []domain.Lead, rules ...automation.Rule) *harness {
	t.Helper()
	h := &harness{
		clock: &testClock{now: monday10},
		store: newMemStore(leads...),
		pub:   &recordingPublisher{},
		audit: audit.NewMemoryStore(),
		rules: automation.NewMemoryRuleStore(rules...),
	}
	h.tracker = presence.NewTracker(30*time.Second, logger.Nop()).WithClock(h.clock.Now)
	h.boards = board.NewRegistry(testStages, h.store, 20, logger.Nop())
	engine := automation.NewEngine(automation.Deps{
		Rules:    h.rules,
		Disabler: h.rules,
		Audit:    h.audit,
	}, automation.Settings{Cooldown: 24 * time.Hour, Location: time.UTC}, logger.Nop()).WithClock(h.clock.Now)

	h.coord = New(Deps{
		Store:     h.store,
		Stages:    testStages,
		Tracker:   h.tracker,
		Boards:    h.boards,
		Engine:    engine,
		Publisher: h.pub,
	}, Options{Workers: 4, QueueSize: 16}, logger.Nop()).WithClock(h.clock.Now)
	t.Cleanup(h.coord.Close)
	return h
}

func newLead(branchID uuid.UUID, stage domain.Stage, inStage time.Duration) domain.Lead {
	entered := monday10.Add(-inStage)
	return domain.Lead{
		ID:              uuid.New(),
		BranchID:        branchID,
		DisplayName:     "Marta Ruiz",
		Stage:           stage,
		Tags:            []string{},
		Version:         1,
		CreatedAt:       entered,
		UpdatedAt:       entered,
		LastStageChange: entered,
	}
}

func ruleID(n int) uuid.UUID {
	var id uuid.UUID
	id[15] = byte(n)
	return id
}
