package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pipeline_backend/internal/audit"

	"github.com/google/uuid"
)

const validRules = `
rules:
  - name: Bienvenida
    enabled: true
    priority: media
    triggers: [lead_created]
    actions:
      - type: notify
        template: lead_welcome
`

const invalidRules = `
rules:
  - name: Luna llena
    enabled: true
    priority: media
    triggers: [on_full_moon]
    actions:
      - type: notify
        template: lead_welcome
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PIPELINE_STAGES", "")
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestNewRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Fatalf("Version = %q", root.Version)
	}
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"rules", "audit"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestRulesValidateAcceptsValidFile(t *testing.T) {
	path := writeRules(t, validRules)
	out, err := runCmd(t, "rules", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok") || !strings.Contains(out, "Bienvenida") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRulesValidateReportsProblems(t *testing.T) {
	path := writeRules(t, invalidRules)
	out, err := runCmd(t, "rules", "validate", path)
	if !errors.Is(err, errInvalidRules) {
		t.Fatalf("expected errInvalidRules, got %v", err)
	}
	if !strings.Contains(out, "invalid") || !strings.Contains(out, `unknown trigger "on_full_moon"`) {
		t.Fatalf("problem not printed:\n%s", out)
	}
}

func TestRulesImportDryRunSkipsDatabase(t *testing.T) {
	path := writeRules(t, validRules)
	t.Setenv("DATABASE_URL", "")
	if out, err := runCmd(t, "rules", "import", "--dry-run", path); err != nil {
		t.Fatalf("dry run: %v\n%s", err, out)
	}
}

func TestTailPrintsOldestFirst(t *testing.T) {
	store := audit.NewMemoryStore()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, name := range []string{"primera", "segunda", "tercera"} {
		_ = store.Record(context.Background(), audit.Entry{
			RuleID:    uuid.New(),
			RuleName:  name,
			LeadID:    uuid.New(),
			Trigger:   "sweep_tick",
			Outcome:   audit.OutcomeSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	var out bytes.Buffer
	if err := tail(context.Background(), store, &out, tailOptions{filter: audit.Filter{Limit: 2}}); err != nil {
		t.Fatalf("tail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "segunda") || !strings.Contains(lines[1], "tercera") {
		t.Fatalf("unexpected tail output:\n%s", out.String())
	}
}

func TestTailFollowPrintsNewEntriesOnce(t *testing.T) {
	store := audit.NewMemoryStore()
	now := time.Now()
	_ = store.Record(context.Background(), audit.Entry{RuleName: "vieja", Outcome: audit.OutcomeSuccess, CreatedAt: now})

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- tail(ctx, store, &out, tailOptions{follow: true, interval: 5 * time.Millisecond})
	}()

	time.Sleep(20 * time.Millisecond)
	_ = store.Record(context.Background(), audit.Entry{RuleName: "nueva", Outcome: audit.OutcomePartial, CreatedAt: now.Add(time.Second)})
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("tail: %v", err)
	}

	got := out.String()
	if strings.Count(got, "vieja") != 1 || strings.Count(got, "nueva") != 1 {
		t.Fatalf("each entry must print exactly once:\n%s", got)
	}
}

func TestOptionalUUID(t *testing.T) {
	if id, err := optionalUUID("lead", ""); id != nil || err != nil {
		t.Fatalf("empty flag: %v %v", id, err)
	}
	if _, err := optionalUUID("lead", "nope"); err == nil || !strings.Contains(err.Error(), "--lead") {
		t.Fatalf("expected a flag error, got %v", err)
	}
}
