package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ashureev/council/internal/domain"
)

func TestDefaultModeTableMatchesContract(t *testing.T) {
	t.Parallel()

	table := DefaultModeTable()
	want := []struct {
		name   domain.ModeName
		cost   int
		peer   bool
		cross  bool
		ctxMod domain.ContextMode
	}{
		{domain.ModeQuick, 1, false, false, domain.ContextMinimal},
		{domain.ModeStandard, 2, true, false, domain.ContextStandard},
		{domain.ModeExtraCare, 4, true, true, domain.ContextFull},
	}
	names := table.Names()
	if len(names) != len(want) {
		t.Fatalf("expected %d modes, got %d", len(want), len(names))
	}
	for i, w := range want {
		if names[i] != w.name {
			t.Fatalf("mode %d: expected %s, got %s", i, w.name, names[i])
		}
		m, ok := table.Get(w.name)
		if !ok {
			t.Fatalf("mode %s missing", w.name)
		}
		if m.CreditCost != w.cost || m.EnablePeerReview != w.peer || m.EnableCrossReview != w.cross || m.ContextMode != w.ctxMod {
			t.Errorf("mode %s: unexpected record %+v", w.name, m)
		}
	}
}

func TestParseModeTableRoundTrip(t *testing.T) {
	t.Parallel()

	doc := `
modes:
  - name: quick
    credit_cost: 1
    context_mode: minimal
    models: [a/one, b/two]
    chairman: a/one
    stage_timeout: 30s
  - name: deep
    credit_cost: 7
    enable_peer_review: true
    enable_cross_review: true
    context_mode: full
    models: [a/one, b/two, c/three]
    chairman: c/three
    stage_timeout: 2m
`
	table, err := ParseModeTable([]byte(doc))
	if err != nil {
		t.Fatalf("ParseModeTable failed: %v", err)
	}
	deep, ok := table.Get("deep")
	if !ok {
		t.Fatal("expected deep mode")
	}
	if deep.StageTimeout != 2*time.Minute {
		t.Fatalf("expected 2m stage timeout, got %s", deep.StageTimeout)
	}
	if table.MaxStageTimeout() != 2*time.Minute {
		t.Fatalf("unexpected max stage timeout %s", table.MaxStageTimeout())
	}

	out, err := table.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	again, err := ParseModeTable(out)
	if err != nil {
		t.Fatalf("re-parse failed: %v\n%s", err, out)
	}
	if got := again.Names(); len(got) != 2 || got[0] != "quick" || got[1] != "deep" {
		t.Fatalf("order not preserved: %v", got)
	}
}

func TestParseModeTableRejectsInvalidRoster(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"single model": `
modes:
  - name: q
    credit_cost: 1
    context_mode: minimal
    models: [a/one]
    chairman: a/one
    stage_timeout: 30s
`,
		"cross without peer": `
modes:
  - name: q
    credit_cost: 1
    enable_cross_review: true
    context_mode: minimal
    models: [a/one, b/two]
    chairman: a/one
    stage_timeout: 30s
`,
		"bad context": `
modes:
  - name: q
    credit_cost: 1
    context_mode: everything
    models: [a/one, b/two]
    chairman: a/one
    stage_timeout: 30s
`,
		"empty": `modes: []`,
	}
	for name, doc := range cases {
		if _, err := ParseModeTable([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("PORT", "9999")
	t.Setenv("HEARTBEAT_INTERVAL", "2s")
	t.Setenv("STARTING_CREDITS", "0")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("expected port 9999, got %s", cfg.Port)
	}
	if cfg.Run.HeartbeatInterval != 2*time.Second {
		t.Errorf("expected 2s heartbeat, got %s", cfg.Run.HeartbeatInterval)
	}
	if cfg.Credits.StartingCredits != 0 {
		t.Errorf("expected 0 starting credits, got %d", cfg.Credits.StartingCredits)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("expected 2 origins, got %v", cfg.CORSOrigins)
	}
	if cfg.Run.OrphanThreshold != 2*cfg.Modes.MaxStageTimeout() {
		t.Errorf("expected orphan threshold of twice the max stage timeout, got %s", cfg.Run.OrphanThreshold)
	}
}

func TestLoadRequiresAPIKeyForOpenRouter(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openrouter")
	t.Setenv("OPENROUTER_API_KEY", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "OPENROUTER_API_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
