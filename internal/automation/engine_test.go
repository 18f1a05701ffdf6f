package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pipeline_backend/internal/audit"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/ports"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestStaleLeadInNewMovesToReviewing(t *testing.T) {
	branch := uuid.New()
	rule := Rule{
		ID: ruleID(1), Name: "R1", Enabled: true, Priority: PriorityMedia,
		Conditions: []Condition{
			{Type: CondTimeInStage, Operator: OpGTE, Value: domain.DurationValue(2 * time.Hour)},
			{Type: CondStage, Operator: OpEQ, Value: domain.TextValue("new")},
		},
		Actions: []Action{{Type: ActMoveToStage, Value: domain.TextValue("reviewing")}},
	}
	h := newHarness(t, rule)
	lead := newLead(branch, "new", 3*time.Hour)
	lead.Tags = []string{"Urgente"}
	mut := newTestMutator(lead, h.clock.Now)

	res, err := h.engine.Evaluate(context.Background(), TriggerSweepTick, lead, mut)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected one success entry, got %+v", res.Entries)
	}
	if res.Lead.Stage != "reviewing" || !res.Lead.LastStageChange.Equal(monday10) {
		t.Fatalf("lead not moved: stage=%s lastStageChange=%s", res.Lead.Stage, res.Lead.LastStageChange)
	}
	if h.audit.Len() != 1 {
		t.Fatalf("expected one audit entry, got %d", h.audit.Len())
	}

	// The rule no longer matches once the lead left "new".
	res, _ = h.engine.Evaluate(context.Background(), TriggerSweepTick, res.Lead, mut)
	if len(res.Entries) != 0 || h.audit.Len() != 1 {
		t.Fatalf("rule fired twice")
	}
}

func TestAssignWithEmptyPoolLeavesLeadUnassigned(t *testing.T) {
	branch := uuid.New()
	rules := []Rule{
		{
			ID: ruleID(1), Name: "assign and tag", Enabled: true, Priority: PriorityAlta, Order: 1,
			Actions: []Action{{Type: ActAssignAgent, Value: domain.TextValue(RoundRobin)}, tagAction("pendiente")},
		},
		{
			ID: ruleID(2), Name: "assign only", Enabled: true, Priority: PriorityAlta, Order: 2,
			Actions: []Action{{Type: ActAssignAgent}},
		},
	}
	h := newHarness(t, rules...)
	lead := newLead(branch, "new", time.Minute)

	res, err := h.engine.Evaluate(context.Background(), TriggerLeadCreated, lead, newTestMutator(lead, h.clock.Now))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(res.Entries))
	}
	if got := res.Entries[0].Outcome; got != audit.OutcomePartial {
		t.Fatalf("first rule outcome = %s, want partial", got)
	}
	if got := res.Entries[1].Outcome; got != audit.OutcomeFailure {
		t.Fatalf("second rule outcome = %s, want failure", got)
	}
	if res.Lead.AssignedAgentID != nil {
		t.Fatalf("lead must stay unassigned, got %v", res.Lead.AssignedAgentID)
	}
	if !res.Lead.HasTag("pendiente") {
		t.Fatalf("sibling action did not run")
	}
	if got := res.Entries[0].Detail.Actions[0]; got.Status != audit.ActionFailed || !strings.Contains(got.Message, "no eligible agents") {
		t.Fatalf("unexpected action result %+v", got)
	}
}

func TestSuspendHaltsLaterRulesUntilCooldown(t *testing.T) {
	branch := uuid.New()
	rules := []Rule{
		{
			ID: ruleID(1), Name: "handoff", Enabled: true, Priority: PriorityAlta, Order: 1,
			Actions: []Action{tagAction("humano"), {Type: ActSuspendConversation}},
		},
		{
			ID: ruleID(2), Name: "later", Enabled: true, Priority: PriorityAlta, Order: 2,
			Actions: []Action{tagAction("later")},
		},
	}
	h := newHarness(t, rules...)
	lead := newLead(branch, "new", time.Hour)
	mut := newTestMutator(lead, h.clock.Now)
	ctx := context.Background()

	res, err := h.engine.Evaluate(ctx, TriggerSweepTick, lead, mut)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Suspended || len(res.Entries) != 1 || res.Lead.HasTag("later") {
		t.Fatalf("expected evaluation to stop after suspend, got %+v", res)
	}
	if res.Lead.AutomationSuspendedUntil == nil || !res.Lead.AutomationSuspendedUntil.Equal(monday10.Add(24*time.Hour)) {
		t.Fatalf("unexpected suspension %v", res.Lead.AutomationSuspendedUntil)
	}

	h.clock.Advance(time.Hour)
	res, _ = h.engine.Evaluate(ctx, TriggerSweepTick, res.Lead, mut)
	if !res.Skipped || len(res.Entries) != 0 || h.audit.Len() != 1 {
		t.Fatalf("second sweep during cooldown must not record anything: %+v audit=%d", res, h.audit.Len())
	}

	h.clock.Advance(24 * time.Hour)
	res, _ = h.engine.Evaluate(ctx, TriggerSweepTick, res.Lead, mut)
	if res.Skipped || len(res.Entries) == 0 {
		t.Fatalf("expected rules to run again after the cooldown")
	}
}

func TestRoundRobinDistributesEvenlyAcrossFirings(t *testing.T) {
	branch := uuid.New()
	rule := Rule{
		ID: ruleID(1), Name: "rr", Enabled: true, Priority: PriorityMedia,
		Triggers: []Trigger{TriggerLeadCreated},
		Actions:  []Action{{Type: ActAssignAgent, Value: domain.TextValue(RoundRobin)}},
	}
	h := newHarness(t, rule)
	for i := 1; i <= 3; i++ {
		h.dir.agents = append(h.dir.agents, ports.Agent{ID: ruleID(100 + i), BranchID: branch, Name: "agent"})
	}

	const firings = 10
	counts := make(map[uuid.UUID]int)
	for i := 0; i < firings; i++ {
		lead := newLead(branch, "new", time.Minute)
		res, err := h.engine.Evaluate(context.Background(), TriggerLeadCreated, lead, newTestMutator(lead, h.clock.Now))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if res.Lead.AssignedAgentID == nil {
			t.Fatalf("firing %d did not assign", i)
		}
		counts[*res.Lead.AssignedAgentID]++
	}

	for id, n := range counts {
		if n != firings/3 && n != firings/3+1 {
			t.Fatalf("agent %s chosen %d times", id, n)
		}
	}
	if got := h.cursor.Value("rr:" + branch.String()); got != firings {
		t.Fatalf("cursor advanced %d times, want %d", got, firings)
	}
}

func TestRoundRobinStartsFromSeededCursor(t *testing.T) {
	branch := uuid.New()
	h := newHarness(t, Rule{
		ID: ruleID(1), Name: "rr", Enabled: true, Priority: PriorityMedia,
		Actions: []Action{{Type: ActAssignAgent}},
	})
	for i := 1; i <= 3; i++ {
		h.dir.agents = append(h.dir.agents, ports.Agent{ID: ruleID(100 + i), BranchID: branch})
	}
	h.cursor.Seed("rr:"+branch.String(), 2)

	lead := newLead(branch, "new", time.Minute)
	res, _ := h.engine.Evaluate(context.Background(), TriggerLeadCreated, lead, newTestMutator(lead, h.clock.Now))
	if res.Lead.AssignedAgentID == nil || *res.Lead.AssignedAgentID != ruleID(103) {
		t.Fatalf("expected third agent from seeded cursor, got %v", res.Lead.AssignedAgentID)
	}
}

func TestEvaluationOrderIsDeterministic(t *testing.T) {
	branch := uuid.New()
	rules := []Rule{
		{ID: ruleID(1), Name: "r1", Enabled: true, Priority: PriorityAlta, Order: 2, Actions: []Action{tagAction("r1")}},
		{ID: ruleID(2), Name: "r2", Enabled: true, Priority: PriorityBaja, Order: 1, Actions: []Action{tagAction("r2")}},
		{ID: ruleID(4), Name: "r4", Enabled: true, Priority: PriorityAlta, Order: 1, Actions: []Action{tagAction("r4")}},
		{ID: ruleID(3), Name: "r3", Enabled: true, Priority: PriorityAlta, Order: 1, Actions: []Action{tagAction("r3")}},
		{ID: ruleID(5), Name: "r5", Enabled: true, Priority: PriorityMedia, Order: 1, Actions: []Action{tagAction("r5")}},
	}
	want := []string{"tag:r3", "tag:r4", "tag:r5", "tag:r2", "tag:r1"}

	for run := 0; run < 2; run++ {
		h := newHarness(t, rules...)
		lead := newLead(branch, "new", time.Minute)
		mut := newTestMutator(lead, h.clock.Now)
		if _, err := h.engine.Evaluate(context.Background(), TriggerLeadMutated, lead, mut); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		var tags []string
		for _, w := range mut.writes {
			if strings.HasPrefix(w, "tag:") {
				tags = append(tags, w)
			}
		}
		if diff := cmp.Diff(want, tags); diff != "" {
			t.Fatalf("run %d: execution order mismatch (-want +got):\n%s", run, diff)
		}
	}
}

func TestUnknownActionTypeDisablesRuleAndContinues(t *testing.T) {
	branch := uuid.New()
	broken := Rule{ID: ruleID(1), Name: "broken", Enabled: true, Priority: PriorityAlta, Order: 1,
		Actions: []Action{{Type: "teleport"}}}
	healthy := Rule{ID: ruleID(2), Name: "healthy", Enabled: true, Priority: PriorityAlta, Order: 2,
		Actions: []Action{tagAction("ok")}}
	h := newHarness(t, broken, healthy)
	lead := newLead(branch, "new", time.Minute)

	res, err := h.engine.Evaluate(context.Background(), TriggerLeadMutated, lead, newTestMutator(lead, h.clock.Now))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if diff := cmp.Diff([]uuid.UUID{broken.ID}, res.Disabled); diff != "" {
		t.Fatalf("disabled rules mismatch (-want +got):\n%s", diff)
	}
	if len(res.Entries) != 1 || res.Entries[0].RuleID != healthy.ID {
		t.Fatalf("expected only the healthy rule to fire, got %+v", res.Entries)
	}
	stored, _ := h.rules.Get(context.Background(), broken.ID)
	if stored.Enabled || !strings.Contains(stored.DisabledReason, "teleport") {
		t.Fatalf("broken rule not disabled: %+v", stored)
	}
}

func TestStageSLAActsAsImplicitTimeInStage(t *testing.T) {
	branch := uuid.New()
	rule := Rule{
		ID: ruleID(1), Name: "sla", Enabled: true, Priority: PriorityAlta,
		StageSLA: map[domain.Stage]Duration{"new": Duration(4 * time.Hour)},
		Actions:  []Action{tagAction("sla-vencido")},
	}
	h := newHarness(t, rule)

	tests := []struct {
		name    string
		stage   domain.Stage
		inStage time.Duration
		fires   bool
	}{
		{"within sla", "new", 3 * time.Hour, false},
		{"sla exceeded", "new", 5 * time.Hour, true},
		{"stage without sla entry", "reviewing", 10 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := newLead(branch, tt.stage, tt.inStage)
			res, _ := h.engine.Evaluate(context.Background(), TriggerSweepTick, lead, newTestMutator(lead, h.clock.Now))
			if got := len(res.Entries) == 1; got != tt.fires {
				t.Fatalf("fired = %v, want %v", got, tt.fires)
			}
		})
	}
}

func TestPauseWindowSuspendsRuleForAgent(t *testing.T) {
	branch, paused, other := uuid.New(), uuid.New(), uuid.New()
	rule := Rule{
		ID: ruleID(1), Name: "paused", Enabled: true, Priority: PriorityMedia,
		Pause:   &PauseWindow{From: monday10.Add(-time.Hour), Until: monday10.Add(time.Hour), AgentID: &paused},
		Actions: []Action{tagAction("x")},
	}
	h := newHarness(t, rule)

	for _, tc := range []struct {
		agent uuid.UUID
		fires bool
	}{{paused, false}, {other, true}} {
		lead := newLead(branch, "new", time.Minute)
		lead.AssignedAgentID = &tc.agent
		res, _ := h.engine.Evaluate(context.Background(), TriggerSweepTick, lead, newTestMutator(lead, h.clock.Now))
		if got := len(res.Entries) == 1; got != tc.fires {
			t.Fatalf("agent %s: fired = %v, want %v", tc.agent, got, tc.fires)
		}
	}
}

func TestRoleScopedRuleRequiresMatchingAgent(t *testing.T) {
	branch := uuid.New()
	closer := ports.Agent{ID: uuid.New(), BranchID: branch, Role: "closer"}
	setter := ports.Agent{ID: uuid.New(), BranchID: branch, Role: "setter"}
	h := newHarness(t, Rule{
		ID: ruleID(1), Name: "closers", Enabled: true, Priority: PriorityMedia,
		Roles: []string{"closer"}, Actions: []Action{tagAction("x")},
	})
	h.dir.agents = []ports.Agent{closer, setter}

	for _, tc := range []struct {
		agent *uuid.UUID
		fires bool
	}{{&closer.ID, true}, {&setter.ID, false}, {nil, false}} {
		lead := newLead(branch, "new", time.Minute)
		lead.AssignedAgentID = tc.agent
		res, _ := h.engine.Evaluate(context.Background(), TriggerSweepTick, lead, newTestMutator(lead, h.clock.Now))
		if got := len(res.Entries) == 1; got != tc.fires {
			t.Fatalf("agent %v: fired = %v, want %v", tc.agent, got, tc.fires)
		}
	}
}

func TestStaleEvaluationDoesNotClobberNewerWrite(t *testing.T) {
	branch := uuid.New()
	rules := []Rule{
		{ID: ruleID(1), Name: "move", Enabled: true, Priority: PriorityAlta, Order: 1,
			Actions: []Action{{Type: ActMoveToStage, Value: domain.TextValue("lost")}, tagAction("auto")}},
		{ID: ruleID(2), Name: "next", Enabled: true, Priority: PriorityAlta, Order: 2,
			Actions: []Action{tagAction("next")}},
	}
	h := newHarness(t, rules...)
	snapshot := newLead(branch, "new", time.Hour)

	// An agent wrote after the sweep took its snapshot.
	newer := snapshot.Clone()
	newer.Stage = "qualified"
	newer.Version = snapshot.Version + 1
	mut := newTestMutator(newer, h.clock.Now)

	res, err := h.engine.Evaluate(context.Background(), TriggerSweepTick, snapshot, mut)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Stale || len(res.Entries) != 1 || res.Entries[0].Outcome != audit.OutcomeFailure {
		t.Fatalf("expected one failed stale firing, got %+v", res)
	}
	if mut.current.Stage != "qualified" || len(mut.writes) != 0 {
		t.Fatalf("stale evaluation wrote to the lead: %+v", mut.writes)
	}
}

func TestNotifyFailureIsRecordedNotReturned(t *testing.T) {
	branch, agent := uuid.New(), uuid.New()
	h := newHarness(t, Rule{
		ID: ruleID(1), Name: "notify", Enabled: true, Priority: PriorityMedia,
		Actions: []Action{{Type: ActNotify, Template: "lead_waiting"}, tagAction("notified")},
	})
	h.notifier.err = errors.New("smtp down")
	lead := newLead(branch, "new", time.Minute)
	lead.AssignedAgentID = &agent

	res, err := h.engine.Evaluate(context.Background(), TriggerSweepTick, lead, newTestMutator(lead, h.clock.Now))
	if err != nil {
		t.Fatalf("Evaluate returned an action failure: %v", err)
	}
	entry := res.Entries[0]
	if entry.Outcome != audit.OutcomePartial || !strings.Contains(entry.Message, "smtp down") {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestABTestVariantIsStablePerLead(t *testing.T) {
	test := ABTest{Ratio: 0.3, A: []Action{tagAction("a")}, B: []Action{tagAction("b")}}
	rule := ruleID(9)

	inA := 0
	const leads = 2000
	for i := 0; i < leads; i++ {
		lead := uuid.New()
		first, _ := test.Variant(rule, lead)
		for j := 0; j < 3; j++ {
			if again, _ := test.Variant(rule, lead); again != first {
				t.Fatalf("lead %s switched variant", lead)
			}
		}
		if first == "A" {
			inA++
		}
	}
	if share := float64(inA) / leads; share < 0.25 || share > 0.35 {
		t.Fatalf("share of A = %.3f, want about 0.3", share)
	}
}

func TestABTestActionRecordsVariant(t *testing.T) {
	branch := uuid.New()
	test := &ABTest{Ratio: 0.5, A: []Action{tagAction("oferta-a")}, B: []Action{tagAction("oferta-b")}}
	h := newHarness(t, Rule{
		ID: ruleID(1), Name: "ab", Enabled: true, Priority: PriorityMedia,
		Actions: []Action{{Type: ActABTest, ABTest: test}},
	})
	lead := newLead(branch, "new", time.Minute)
	want, _ := test.Variant(ruleID(1), lead.ID)

	res, _ := h.engine.Evaluate(context.Background(), TriggerLeadCreated, lead, newTestMutator(lead, h.clock.Now))
	got := res.Entries[0].Detail.Actions
	if len(got) != 1 || got[0].Variant != want {
		t.Fatalf("expected a single %s action, got %+v", want, got)
	}
	if !res.Lead.HasTag("oferta-" + strings.ToLower(want)) {
		t.Fatalf("variant %s actions did not run: %v", want, res.Lead.Tags)
	}
}
