package prompt

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	rankingHeader = "FINAL RANKING:"
	confidenceKey = "CONFIDENCE"
	riskKey       = "PRIMARY RISK"
	tradeoffKey   = "TRADEOFF"
	flipKey       = "FLIP CONDITION"
)

var (
	labelPattern   = regexp.MustCompile(`\bModel [A-Z]{1,2}\b`)
	rankLine       = regexp.MustCompile(`^\s*\d+\s*[.):]\s*\**\s*(Model [A-Z]{1,2})\b\**\s*(?:[-:–—]\s*(.*))?$`)
	trailerLine    = regexp.MustCompile(`(?i)^\s*[*_#\s]*(confidence|primary risk|tradeoff|trade-off|flip condition)[*_\s]*:\s*[*_]*\s*(.*?)\s*[*_]*\s*$`)
	leadingInteger = regexp.MustCompile(`^(\d{1,3})`)
)

// Ranked is one position in a reviewer's ranking.
type Ranked struct {
	Label     string
	Rationale string
}

// ParseRanking extracts the ordered pseudonyms from a Stage 2 answer. It reads
// the FINAL RANKING section when present and falls back to the order in which
// pseudonyms first appear. Each label is kept once; unknown labels are dropped
// when known is non-empty.
func ParseRanking(text string, known []string) []Ranked {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	accept := func(label string, seen map[string]bool) bool {
		if seen[label] {
			return false
		}
		if len(allowed) > 0 && !allowed[label] {
			return false
		}
		seen[label] = true
		return true
	}

	if idx := strings.LastIndex(text, rankingHeader); idx >= 0 {
		section := text[idx+len(rankingHeader):]
		seen := map[string]bool{}
		var out []Ranked
		for _, line := range strings.Split(section, "\n") {
			m := rankLine.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if accept(m[1], seen) {
				out = append(out, Ranked{Label: m[1], Rationale: strings.TrimSpace(m[2])})
			}
		}
		if len(out) > 0 {
			return out
		}
		// A header without numbered lines still lists labels in order.
		text = section
	}

	seen := map[string]bool{}
	var out []Ranked
	for _, label := range labelPattern.FindAllString(text, -1) {
		if accept(label, seen) {
			out = append(out, Ranked{Label: label})
		}
	}
	return out
}

// Synthesis is the parsed chairman answer.
type Synthesis struct {
	Text          string
	Confidence    *int
	PrimaryRisk   string
	Tradeoff      string
	FlipCondition string
}

// ParseSynthesis splits the chairman answer into its body and trailer fields.
// A missing or malformed confidence yields a nil Confidence.
func ParseSynthesis(raw string) Synthesis {
	var s Synthesis
	var body []string
	for _, line := range strings.Split(raw, "\n") {
		m := trailerLine.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}
		value := strings.TrimSpace(m[2])
		switch strings.ToLower(m[1]) {
		case "confidence":
			s.Confidence = parseConfidence(value)
		case "primary risk":
			s.PrimaryRisk = value
		case "tradeoff", "trade-off":
			s.Tradeoff = value
		case "flip condition":
			s.FlipCondition = value
		}
	}
	s.Text = strings.TrimSpace(strings.Join(body, "\n"))
	if s.Text == "" {
		s.Text = strings.TrimSpace(raw)
	}
	return s
}

func parseConfidence(value string) *int {
	m := leadingInteger.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 || n > 100 {
		return nil
	}
	return &n
}
