package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ashureev/council/internal/domain"
	"gopkg.in/yaml.v3"
)

// ModeTable is the ordered set of run modes the service offers.
type ModeTable struct {
	order []domain.ModeName
	modes map[domain.ModeName]domain.RunMode
}

type modeEntry struct {
	Name           domain.ModeName `yaml:"name"`
	domain.RunMode `yaml:",inline"`
}

type modeFile struct {
	Modes []modeEntry `yaml:"modes"`
}

// NewModeTable builds a table from records, keeping their order.
func NewModeTable(modes ...domain.RunMode) (*ModeTable, error) {
	t := &ModeTable{modes: make(map[domain.ModeName]domain.RunMode, len(modes))}
	for _, m := range modes {
		if m.Name == "" {
			return nil, fmt.Errorf("run mode without a name")
		}
		if _, dup := t.modes[m.Name]; dup {
			return nil, fmt.Errorf("duplicate run mode %q", m.Name)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		t.order = append(t.order, m.Name)
		t.modes[m.Name] = m
	}
	return t, nil
}

// DefaultModeTable returns the built-in quick/standard/extra_care policy.
func DefaultModeTable() *ModeTable {
	t, err := NewModeTable(
		domain.RunMode{
			Name:         domain.ModeQuick,
			CreditCost:   1,
			ContextMode:  domain.ContextMinimal,
			Models:       []string{"openai/gpt-4o-mini", "google/gemini-2.5-flash", "anthropic/claude-3.5-haiku"},
			Chairman:     "google/gemini-2.5-flash",
			StageTimeout: 45 * time.Second,
		},
		domain.RunMode{
			Name:             domain.ModeStandard,
			CreditCost:       2,
			EnablePeerReview: true,
			ContextMode:      domain.ContextStandard,
			Models:           []string{"openai/gpt-4o", "anthropic/claude-sonnet-4", "google/gemini-2.5-pro"},
			Chairman:         "anthropic/claude-sonnet-4",
			StageTimeout:     60 * time.Second,
		},
		domain.RunMode{
			Name:              domain.ModeExtraCare,
			CreditCost:        4,
			EnablePeerReview:  true,
			EnableCrossReview: true,
			ContextMode:       domain.ContextFull,
			Models:            []string{"openai/gpt-4o", "anthropic/claude-sonnet-4", "google/gemini-2.5-pro", "x-ai/grok-4"},
			Chairman:          "google/gemini-2.5-pro",
			StageTimeout:      75 * time.Second,
		},
	)
	if err != nil {
		panic("config: invalid built-in run modes: " + err.Error())
	}
	return t
}

// LoadModeTable reads a yaml roster file.
func LoadModeTable(path string) (*ModeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseModeTable(data)
}

// ParseModeTable decodes a yaml roster document.
func ParseModeTable(data []byte) (*ModeTable, error) {
	var f modeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse run modes: %w", err)
	}
	if len(f.Modes) == 0 {
		return nil, fmt.Errorf("run modes file declares no modes")
	}
	modes := make([]domain.RunMode, 0, len(f.Modes))
	for _, e := range f.Modes {
		m := e.RunMode
		m.Name = e.Name
		modes = append(modes, m)
	}
	return NewModeTable(modes...)
}

// Marshal renders the table in the same yaml shape ParseModeTable reads.
func (t *ModeTable) Marshal() ([]byte, error) {
	f := modeFile{Modes: make([]modeEntry, 0, len(t.order))}
	for _, name := range t.order {
		f.Modes = append(f.Modes, modeEntry{Name: name, RunMode: t.modes[name]})
	}
	return yaml.Marshal(f)
}

// Get returns the mode record by name.
func (t *ModeTable) Get(name domain.ModeName) (domain.RunMode, bool) {
	m, ok := t.modes[name]
	return m, ok
}

// Names returns the configured mode names in declaration order.
func (t *ModeTable) Names() []domain.ModeName {
	return append([]domain.ModeName(nil), t.order...)
}

// All returns the mode records in declaration order.
func (t *ModeTable) All() []domain.RunMode {
	out := make([]domain.RunMode, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.modes[name])
	}
	return out
}

// MaxStageTimeout is the longest per-stage timeout across modes.
func (t *ModeTable) MaxStageTimeout() time.Duration {
	var longest time.Duration
	for _, m := range t.modes {
		if m.StageTimeout > longest {
			longest = m.StageTimeout
		}
	}
	return longest
}
