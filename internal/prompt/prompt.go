// Package prompt builds the prompts of each deliberation stage and parses
// the structured parts of the answers.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ashureev/council/internal/anonymize"
	"github.com/ashureev/council/internal/domain"
)

// Question is the user's input for one run.
type Question struct {
	Content string
	Files   []domain.Attachment
}

// Text renders the question with its attachments appended.
func (q Question) Text() string {
	if len(q.Files) == 0 {
		return q.Content
	}
	var b strings.Builder
	b.WriteString(q.Content)
	b.WriteString("\n\nAttached files:\n")
	for _, f := range q.Files {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Name, f.Content)
	}
	return b.String()
}

// Stage1 asks one council member for an independent answer.
func Stage1(q Question, conversationContext string) string {
	var b strings.Builder
	b.WriteString("You are a member of an advisory council helping someone make a decision.\n")
	b.WriteString("Give your independent, well-reasoned answer. Be concrete about risks and tradeoffs.\n\n")
	writeContext(&b, conversationContext)
	b.WriteString("Question:\n")
	b.WriteString(q.Text())
	return b.String()
}

// Stage1_5 asks a member to refine its answer after reading every peer answer.
// own is the pseudonym of the member being asked.
func Stage1_5(q Question, own string, entries []anonymize.Entry) string {
	var b strings.Builder
	b.WriteString("You are a member of an advisory council. You already answered the question below.\n")
	b.WriteString("Read every council answer, then rewrite your own answer. Keep what holds up, fix what does not,\n")
	b.WriteString("and address the strongest objections raised by others.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(q.Text())
	b.WriteString("\n\n")
	writeEntries(&b, entries, own)
	b.WriteString("\nWrite your refined answer only.")
	return b.String()
}

// Stage2 asks a reviewer to rank the anonymised answers.
func Stage2(q Question, entries []anonymize.Entry) string {
	var b strings.Builder
	b.WriteString("You are reviewing answers from an advisory council. The authors are anonymous.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(q.Text())
	b.WriteString("\n\n")
	writeEntries(&b, entries, "")
	b.WriteString("\nEvaluate each response on accuracy, depth and practicality. Then end your reply with a ranking\n")
	b.WriteString("from best to worst in exactly this format:\n\n")
	b.WriteString("FINAL RANKING:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s - one line rationale\n", i+1, e.Label)
	}
	b.WriteString("\nRank every response exactly once and add nothing after the ranking.")
	return b.String()
}

// Candidate is an answer the chairman weighs, attributed to its real model.
type Candidate struct {
	ModelID string
	Text    string
}

// Stage3 asks the chairman to synthesise the final verdict. Peer review is
// over at this point, so real model ids appear.
func Stage3(q Question, conversationContext string, candidates []Candidate, review *domain.StageTwoPayload) string {
	var b strings.Builder
	b.WriteString("You are the chairman of an advisory council. Synthesise the council's answers into one\n")
	b.WriteString("clear recommendation for the person asking.\n\n")
	writeContext(&b, conversationContext)
	b.WriteString("Question:\n")
	b.WriteString(q.Text())
	b.WriteString("\n\nCouncil answers:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", c.ModelID, c.Text)
	}
	if review != nil && len(review.Rankings) > 0 {
		b.WriteString("\nPeer review rankings (best first):\n")
		for _, r := range review.Rankings {
			if len(r.Rankings) == 0 {
				continue
			}
			ids := make([]string, 0, len(r.Rankings))
			for _, e := range r.Rankings {
				ids = append(ids, e.ModelID)
			}
			fmt.Fprintf(&b, "- %s: %s\n", r.ModelID, strings.Join(ids, " > "))
		}
		if review.Metadata.ConsensusWinner != "" {
			fmt.Fprintf(&b, "Consensus winner: %s\n", review.Metadata.ConsensusWinner)
		}
		if len(review.Metadata.DissentSet) > 0 {
			fmt.Fprintf(&b, "Dissenting reviewers: %s\n", strings.Join(review.Metadata.DissentSet, ", "))
		}
	}
	b.WriteString("\nWrite the recommendation, then end with these four lines exactly:\n\n")
	b.WriteString(confidenceKey + ": <integer 0-100>\n")
	b.WriteString(riskKey + ": <one sentence>\n")
	b.WriteString(tradeoffKey + ": <one sentence>\n")
	b.WriteString(flipKey + ": <one sentence>")
	return b.String()
}

// Title asks for a short conversation title.
func Title(q Question) string {
	return "Write a short conversation title (at most six words, no quotes, no trailing punctuation) " +
		"for this question:\n\n" + q.Content
}

// CleanTitle normalises a generated title.
func CleanTitle(raw string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(raw), "\n", 2)[0])
	line = strings.Trim(line, "\"'`*# ")
	line = strings.TrimRight(line, ".!?:;")
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80])
	}
	return strings.TrimSpace(line)
}

func writeContext(b *strings.Builder, conversationContext string) {
	if conversationContext == "" {
		return
	}
	b.WriteString("Earlier in this conversation:\n")
	b.WriteString(conversationContext)
	b.WriteString("\n\n")
}

func writeEntries(b *strings.Builder, entries []anonymize.Entry, own string) {
	for _, e := range entries {
		if e.Label == own {
			fmt.Fprintf(b, "Response from %s (your answer):\n%s\n\n", e.Label, e.Text)
			continue
		}
		fmt.Fprintf(b, "Response from %s:\n%s\n\n", e.Label, e.Text)
	}
}
