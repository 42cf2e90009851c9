// Package anonymize hides model identities behind per-run pseudonyms during peer review.
package anonymize

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"
)

// Entry is a text attributed to a pseudonym.
type Entry struct {
	Label string
	Text  string
}

// Mapping is the pseudonym assignment of one run. It lives only in memory.
type Mapping struct {
	labels  []string
	toModel map[string]string
	toLabel map[string]string
}

// Label returns the pseudonym for the i-th position: Model A ... Model Z, Model AA ...
func Label(i int) string {
	var b []byte
	for n := i; ; n = n/26 - 1 {
		b = append([]byte{byte('A' + n%26)}, b...)
		if n < 26 {
			break
		}
	}
	return "Model " + string(b)
}

// NewMapping assigns pseudonyms to modelIDs in an order derived from runID.
// The same runID and model set always yields the same mapping.
func NewMapping(runID string, modelIDs []string) *Mapping {
	ids := append([]string(nil), modelIDs...)
	sort.Strings(ids)

	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	m := &Mapping{
		toModel: make(map[string]string, len(ids)),
		toLabel: make(map[string]string, len(ids)),
	}
	for i, id := range ids {
		label := Label(i)
		m.labels = append(m.labels, label)
		m.toModel[label] = id
		m.toLabel[id] = label
	}
	return m
}

// Anonymise labels each model's text and redacts every known model id inside
// the texts. Entries come back sorted by pseudonym.
func Anonymise(runID string, texts map[string]string) ([]Entry, *Mapping) {
	ids := make([]string, 0, len(texts))
	for id := range texts {
		ids = append(ids, id)
	}
	m := NewMapping(runID, ids)
	return m.Entries(texts), m
}

// Entries labels the texts of mapped models, redacting model ids inside them.
// Models without a text are skipped, so labels may have gaps.
func (m *Mapping) Entries(texts map[string]string) []Entry {
	entries := make([]Entry, 0, len(texts))
	for _, label := range m.labels {
		text, ok := texts[m.toModel[label]]
		if !ok {
			continue
		}
		entries = append(entries, Entry{Label: label, Text: m.Redact(text)})
	}
	return entries
}

// Labels returns the pseudonyms in order.
func (m *Mapping) Labels() []string {
	return append([]string(nil), m.labels...)
}

// Model returns the real id behind label.
func (m *Mapping) Model(label string) (string, bool) {
	id, ok := m.toModel[label]
	return id, ok
}

// Pseudonym returns the label assigned to modelID.
func (m *Mapping) Pseudonym(modelID string) (string, bool) {
	label, ok := m.toLabel[modelID]
	return label, ok
}

// Deanonymise maps label-keyed values back to model ids. Unknown labels are dropped.
func Deanonymise[T any](m *Mapping, byLabel map[string]T) map[string]T {
	out := make(map[string]T, len(byLabel))
	for label, v := range byLabel {
		if id, ok := m.toModel[label]; ok {
			out[id] = v
		}
	}
	return out
}

// Redact replaces every mapped model id in text with its pseudonym.
func (m *Mapping) Redact(text string) string {
	return replaceAll(text, m.toLabel)
}

// Reveal replaces every pseudonym in text with its model id.
func (m *Mapping) Reveal(text string) string {
	return replaceAll(text, m.toModel)
}

// replaceAll substitutes longer keys first so "Model AB" is not eaten by "Model A".
func replaceAll(text string, repl map[string]string) string {
	if text == "" || len(repl) == 0 {
		return text
	}
	keys := make([]string, 0, len(repl))
	for k := range repl {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, repl[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
