package domain

import (
	"fmt"
	"time"
)

// ModeName selects a deliberation policy.
type ModeName string

const (
	ModeQuick     ModeName = "quick"
	ModeStandard  ModeName = "standard"
	ModeExtraCare ModeName = "extra_care"
)

// ContextMode controls how much prior conversation reaches the prompts.
type ContextMode string

const (
	// ContextMinimal includes only the current question.
	ContextMinimal ContextMode = "minimal"
	// ContextStandard adds the last completed synthesis.
	ContextStandard ContextMode = "standard"
	// ContextFull adds the last full stage outputs and prior turns, capped by characters.
	ContextFull ContextMode = "full"
)

// Valid reports whether c is a known context mode.
func (c ContextMode) Valid() bool {
	switch c {
	case ContextMinimal, ContextStandard, ContextFull:
		return true
	}
	return false
}

// RunMode is the fixed policy record of a mode.
type RunMode struct {
	Name              ModeName      `json:"mode" yaml:"-"`
	CreditCost        int           `json:"credit_cost" yaml:"credit_cost"`
	EnablePeerReview  bool          `json:"enable_peer_review" yaml:"enable_peer_review"`
	EnableCrossReview bool          `json:"enable_cross_review" yaml:"enable_cross_review"`
	ContextMode       ContextMode   `json:"context_mode" yaml:"context_mode"`
	Models            []string      `json:"model_roster" yaml:"models"`
	Chairman          string        `json:"chairman_model" yaml:"chairman"`
	StageTimeout      time.Duration `json:"-" yaml:"stage_timeout"`
}

// StageTimeoutSeconds is exposed to clients in place of the raw duration.
func (m RunMode) StageTimeoutSeconds() float64 {
	return m.StageTimeout.Seconds()
}

// Validate checks the record is runnable.
func (m RunMode) Validate() error {
	if m.CreditCost < 0 {
		return fmt.Errorf("mode %s: credit_cost must be >= 0", m.Name)
	}
	if !m.ContextMode.Valid() {
		return fmt.Errorf("mode %s: unknown context_mode %q", m.Name, m.ContextMode)
	}
	if len(m.Models) < 2 {
		return fmt.Errorf("mode %s: roster needs at least 2 models", m.Name)
	}
	seen := make(map[string]struct{}, len(m.Models))
	for _, id := range m.Models {
		if id == "" {
			return fmt.Errorf("mode %s: empty model id in roster", m.Name)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("mode %s: duplicate model %q in roster", m.Name, id)
		}
		seen[id] = struct{}{}
	}
	if m.Chairman == "" {
		return fmt.Errorf("mode %s: chairman is required", m.Name)
	}
	if m.StageTimeout <= 0 {
		return fmt.Errorf("mode %s: stage_timeout must be > 0", m.Name)
	}
	if m.EnableCrossReview && !m.EnablePeerReview {
		return fmt.Errorf("mode %s: cross review requires peer review", m.Name)
	}
	return nil
}

// Cost returns the reservation amount for a request with the given number of files.
func (m RunMode) Cost(files int, fileSurcharge int) int {
	cost := m.CreditCost
	if files > 0 {
		cost += fileSurcharge
	}
	return cost
}
