package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/council/internal/domain"
)

// Limits caps the prior-turn context of full mode.
type Limits struct {
	FullTurns int
	FullChars int
}

type turn struct {
	question  string
	assistant *domain.Message
}

// BuildContext renders the conversation history that precedes the current
// question according to mode. history holds the earlier messages in order.
// Peer answers from earlier runs are attributed by position, never by model id.
func BuildContext(mode domain.ContextMode, history []domain.Message, limits Limits) string {
	switch mode {
	case domain.ContextStandard:
		return standardContext(history)
	case domain.ContextFull:
		return fullContext(history, limits)
	default:
		return ""
	}
}

func pairTurns(history []domain.Message) []turn {
	questions := make(map[string]string)
	var turns []turn
	for i := range history {
		m := &history[i]
		switch m.Role {
		case domain.RoleUser:
			questions[m.ID] = m.Content
		case domain.RoleAssistant:
			turns = append(turns, turn{question: questions[m.UserMessageID], assistant: m})
		}
	}
	return turns
}

func standardContext(history []domain.Message) string {
	turns := pairTurns(history)
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if !t.assistant.IsComplete() {
			continue
		}
		return fmt.Sprintf("Previous question:\n%s\n\nPrevious council verdict:\n%s", t.question, t.assistant.Stage3.Text)
	}
	return ""
}

func fullContext(history []domain.Message, limits Limits) string {
	turns := pairTurns(history)
	if len(turns) == 0 {
		return ""
	}

	last := turns[len(turns)-1]
	budget := limits.FullChars
	lastBlock := clip(renderFullTurn(last), budget)
	budget -= len(lastBlock)

	var earlier []string
	for i := len(turns) - 2; i >= 0 && len(earlier) < limits.FullTurns && budget > 0; i-- {
		t := turns[i]
		block := "Question:\n" + t.question
		if t.assistant.Stage3 != nil {
			block += "\nVerdict:\n" + t.assistant.Stage3.Text
		}
		block = clip(block, budget)
		budget -= len(block)
		earlier = append(earlier, block)
	}

	var b strings.Builder
	for i := len(earlier) - 1; i >= 0; i-- {
		b.WriteString(earlier[i])
		b.WriteString("\n\n")
	}
	b.WriteString(lastBlock)
	return strings.TrimSpace(b.String())
}

func renderFullTurn(t turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n", t.question)
	answers := t.assistant.Stage1
	if len(t.assistant.Stage1_5) > 0 {
		answers = t.assistant.Stage1_5
	}
	n := 0
	for _, r := range answers {
		if !r.OK() {
			continue
		}
		n++
		fmt.Fprintf(&b, "\nAdvisor %d:\n%s\n", n, r.Text)
	}
	if t.assistant.Stage3 != nil {
		fmt.Fprintf(&b, "\nVerdict:\n%s\n", t.assistant.Stage3.Text)
	}
	return strings.TrimSpace(b.String())
}

func clip(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
