package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"pipeline_backend/internal/audit"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/ports"
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

// testMutator applies writes to a single in-memory lead and enforces the version check.
type testMutator struct {
	current domain.Lead
	now     func() time.Time
	writes  []string
}

func newTestMutator(lead domain.Lead, now func() time.Time) *testMutator {
	return &testMutator{current: lead.Clone(), now: now}
}

func (m *testMutator) MoveStage(_ context.Context, lead domain.Lead, to domain.Stage) (domain.Lead, error) {
	if lead.Version != m.current.Version {
		return domain.Lead{}, ErrStaleEvaluation
	}
	next := m.current.Clone()
	next.SetStage(to, m.now())
	next.Version++
	m.current = next
	m.writes = append(m.writes, "move:"+string(to))
	return next.Clone(), nil
}

func (m *testMutator) Patch(_ context.Context, lead domain.Lead, patch domain.LeadPatch) (domain.Lead, error) {
	if lead.Version != m.current.Version {
		return domain.Lead{}, ErrStaleEvaluation
	}
	next := m.current.Clone()
	for _, field := range patch.Apply(&next) {
		m.writes = append(m.writes, "patch:"+field)
	}
	for _, tag := range patch.AddTags {
		m.writes = append(m.writes, "tag:"+tag)
	}
	next.Version++
	m.current = next
	return next.Clone(), nil
}

type testDirectory struct {
	agents []ports.Agent
}

func (d *testDirectory) ListEligibleAgents(_ context.Context, branchID uuid.UUID) ([]ports.Agent, error) {
	var out []ports.Agent
	for _, a := range d.agents {
		if a.BranchID == branchID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *testDirectory) GetAgent(_ context.Context, id uuid.UUID) (ports.Agent, error) {
	for _, a := range d.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return ports.Agent{}, ports.ErrAgentNotFound
}

type sentMessage struct {
	to       ports.Recipient
	template string
}

type testNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *testNotifier) Send(_ context.Context, to ports.Recipient, templateID string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{to: to, template: templateID})
	return nil
}

type testHarness struct {
	clock    *testClock
	rules    *MemoryRuleStore
	audit    *audit.MemoryStore
	dir      *testDirectory
	notifier *testNotifier
	cursor   *MemoryCursor
	engine   *Engine
}

func newHarness(t *testing.T, rules ...Rule) *testHarness {
	t.Helper()
	h := &testHarness{
		clock:    &testClock{now: monday10},
		rules:    NewMemoryRuleStore(rules...),
		audit:    audit.NewMemoryStore(),
		dir:      &testDirectory{},
		notifier: &testNotifier{},
		cursor:   NewMemoryCursor(),
	}
	h.engine = NewEngine(Deps{
		Rules:     h.rules,
		Disabler:  h.rules,
		Audit:     h.audit,
		Directory: h.dir,
		Notifier:  h.notifier,
		Cursor:    h.cursor,
	}, Settings{Cooldown: 24 * time.Hour, Location: time.UTC}, logger.Nop()).WithClock(h.clock.Now)
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

func tagAction(tag string) Action {
	return Action{Type: ActAddTag, Value: domain.TextValue(tag)}
}
