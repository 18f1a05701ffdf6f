package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestOutcomeOf(t *testing.T) {
	ok := ActionResult{Type: "add_tag", Status: ActionOK}
	failed := ActionResult{Type: "notify", Status: ActionFailed}

	tests := []struct {
		name    string
		results []ActionResult
		want    Outcome
	}{
		{"all ok", []ActionResult{ok, ok}, OutcomeSuccess},
		{"some failed", []ActionResult{ok, failed}, OutcomePartial},
		{"all failed", []ActionResult{failed, failed}, OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeOf(tt.results); got != tt.want {
				t.Fatalf("OutcomeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	leadA, leadB, rule := uuid.New(), uuid.New(), uuid.New()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	for i, lead := range []uuid.UUID{leadA, leadB, leadA} {
		entry := Entry{RuleID: rule, LeadID: lead, Outcome: OutcomeSuccess, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.Record(ctx, entry); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Query(ctx, Filter{LeadID: &leadA})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || !got[0].CreatedAt.After(got[1].CreatedAt) {
		t.Fatalf("expected two entries newest first, got %+v", got)
	}

	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	got, _ = s.Query(ctx, Filter{RuleID: &rule, From: &from, To: &to})
	if len(got) != 1 || got[0].LeadID != leadB {
		t.Fatalf("expected the single entry inside the window, got %+v", got)
	}

	got, _ = s.Query(ctx, Filter{Limit: 1})
	if len(got) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(got))
	}
}

func TestMemoryStoreEntriesAreNotShared(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	actions := []ActionResult{{Type: "add_tag", Status: ActionOK}}
	if err := s.Record(ctx, Entry{Detail: Detail{Actions: actions}}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	actions[0].Status = ActionFailed

	got, _ := s.Query(ctx, Filter{})
	if got[0].Detail.Actions[0].Status != ActionOK {
		t.Fatalf("recorded entry was mutated through the caller's slice")
	}
	if got[0].ID == uuid.Nil {
		t.Fatalf("expected an id to be assigned")
	}
}
