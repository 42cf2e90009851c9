package prompt

import (
	"strings"
	"testing"

	"github.com/ashureev/council/internal/anonymize"
	"github.com/ashureev/council/internal/domain"
)

func history() []domain.Message {
	return []domain.Message{
		{ID: "u1", Role: domain.RoleUser, Content: "Should I move to Lisbon?"},
		{ID: "a1", Role: domain.RoleAssistant, UserMessageID: "u1", Status: domain.MessageComplete,
			Stage1: []domain.ModelResponse{{ModelID: "openai/gpt-4o", Text: "Lisbon is great."}, {ModelID: "x-ai/grok-4", Error: "timeout"}},
			Stage3: &domain.StageThreePayload{ModelID: "google/gemini-2.5-pro", Text: "Move if remote work is stable."}},
		{ID: "u2", Role: domain.RoleUser, Content: "What about Porto instead?"},
		{ID: "a2", Role: domain.RoleAssistant, UserMessageID: "u2", Status: domain.MessagePartial,
			Stage1: []domain.ModelResponse{{ModelID: "openai/gpt-4o", Text: "Porto is cheaper."}, {ModelID: "anthropic/claude-sonnet-4", Text: "Porto is rainier."}}},
	}
}

func TestBuildContextPerMode(t *testing.T) {
	t.Parallel()

	h := history()
	if got := BuildContext(domain.ContextMinimal, h, Limits{FullTurns: 3, FullChars: 1000}); got != "" {
		t.Fatalf("minimal context must be empty, got %q", got)
	}

	std := BuildContext(domain.ContextStandard, h, Limits{})
	if !strings.Contains(std, "Move if remote work is stable.") || !strings.Contains(std, "Lisbon") {
		t.Fatalf("standard context must carry the last complete verdict, got %q", std)
	}
	if strings.Contains(std, "Porto") {
		t.Fatalf("standard context must skip incomplete turns, got %q", std)
	}

	full := BuildContext(domain.ContextFull, h, Limits{FullTurns: 3, FullChars: 10000})
	for _, want := range []string{"Porto is cheaper.", "Porto is rainier.", "Advisor 2", "Should I move to Lisbon?"} {
		if !strings.Contains(full, want) {
			t.Errorf("full context missing %q:\n%s", want, full)
		}
	}
	for _, id := range []string{"openai/gpt-4o", "anthropic/claude-sonnet-4"} {
		if strings.Contains(full, id) {
			t.Errorf("full context leaks model id %s", id)
		}
	}
	if strings.Index(full, "Lisbon") > strings.Index(full, "Porto") {
		t.Error("earlier turns must precede the last turn")
	}
}

func TestBuildContextRespectsCharBudget(t *testing.T) {
	t.Parallel()

	full := BuildContext(domain.ContextFull, history(), Limits{FullTurns: 3, FullChars: 40})
	if len(full) > 40 {
		t.Fatalf("context exceeds budget: %d chars", len(full))
	}
	none := BuildContext(domain.ContextFull, history(), Limits{FullTurns: 0, FullChars: 10000})
	if strings.Contains(none, "Lisbon") {
		t.Fatal("FullTurns=0 must drop earlier turns")
	}
}

func TestStage2PromptCarriesOnlyPseudonyms(t *testing.T) {
	t.Parallel()

	texts := map[string]string{
		"openai/gpt-4o":             "Adopt. openai/gpt-4o always says so.",
		"anthropic/claude-sonnet-4": "Wait a year.",
		"google/gemini-2.5-pro":     "Foster first.",
	}
	entries, _ := anonymize.Anonymise("run-1", texts)
	p := Stage2(Question{Content: "Should I adopt a dog?"}, entries)
	for id := range texts {
		if strings.Contains(p, id) {
			t.Fatalf("stage 2 prompt leaks %s", id)
		}
	}
	if !strings.Contains(p, "FINAL RANKING:") || !strings.Contains(p, "Response from Model C") {
		t.Fatalf("unexpected prompt:\n%s", p)
	}

	refine := Stage1_5(Question{Content: "Should I adopt a dog?"}, "Model B", entries)
	if !strings.Contains(refine, "Response from Model B (your answer)") {
		t.Fatalf("refinement prompt must mark the member's own answer:\n%s", refine)
	}
}

func TestQuestionTextAppendsFiles(t *testing.T) {
	t.Parallel()

	q := Question{Content: "Review this", Files: []domain.Attachment{{Name: "plan.txt", Content: "step one"}}}
	p := Stage1(q, "")
	if !strings.Contains(p, "--- plan.txt ---\nstep one") {
		t.Fatalf("attachment missing from prompt:\n%s", p)
	}
}

func TestParseRanking(t *testing.T) {
	t.Parallel()

	text := `Model B was thorough but Model A was sharper.

FINAL RANKING:
1. Model A - concise and correct
2) **Model C**: decent
3. Model A - duplicate
4. Model B
5. Model Z - not in this run`

	got := ParseRanking(text, []string{"Model A", "Model B", "Model C"})
	want := []string{"Model A", "Model C", "Model B"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %+v", want, got)
	}
	for i := range want {
		if got[i].Label != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i].Label)
		}
	}
	if got[0].Rationale != "concise and correct" {
		t.Fatalf("unexpected rationale %q", got[0].Rationale)
	}

	fallback := ParseRanking("I prefer Model B, then Model A.", nil)
	if len(fallback) != 2 || fallback[0].Label != "Model B" {
		t.Fatalf("unexpected fallback %+v", fallback)
	}
}

func TestParseSynthesis(t *testing.T) {
	t.Parallel()

	s := ParseSynthesis(`Adopt an older dog from a shelter.

**CONFIDENCE:** 78
PRIMARY RISK: Time commitment.
Tradeoff: Freedom versus companionship.
FLIP CONDITION: Frequent travel.`)
	if s.Confidence == nil || *s.Confidence != 78 {
		t.Fatalf("unexpected confidence %v", s.Confidence)
	}
	if s.Text != "Adopt an older dog from a shelter." {
		t.Fatalf("trailer not stripped: %q", s.Text)
	}
	if s.PrimaryRisk != "Time commitment." || s.Tradeoff != "Freedom versus companionship." || s.FlipCondition != "Frequent travel." {
		t.Fatalf("unexpected fields %+v", s)
	}

	for _, raw := range []string{"No trailer at all.", "Text\nCONFIDENCE: high", "Text\nCONFIDENCE: 250"} {
		if got := ParseSynthesis(raw); got.Confidence != nil {
			t.Errorf("%q: expected nil confidence, got %d", raw, *got.Confidence)
		}
	}
}

func TestCleanTitle(t *testing.T) {
	t.Parallel()

	if got := CleanTitle("\"Adopting a Dog.\"\nextra"); got != "Adopting a Dog" {
		t.Fatalf("unexpected title %q", got)
	}
}
