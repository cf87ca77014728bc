package session

import (
	"fmt"
	"strings"
	"sync"
)

// Injection limits: files first, then key decisions, per turn.
const (
	maxInjectedFiles     = 5
	maxInjectedDecisions = 3
)

// DeltaTracker remembers which facts have already been injected into a
// session so repeated turns never resend identical context.
type DeltaTracker struct {
	mu        sync.Mutex
	files     map[string]bool
	decisions map[string]bool
	reasoning map[string]bool
}

// NewDeltaTracker creates an empty tracker.
func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{
		files:     make(map[string]bool),
		decisions: make(map[string]bool),
		reasoning: make(map[string]bool),
	}
}

// MarkFileInjected records a file as sent.
func (d *DeltaTracker) MarkFileInjected(path string) {
	d.mu.Lock()
	d.files[path] = true
	d.mu.Unlock()
}

// WasFileInjected reports whether a file was already sent.
func (d *DeltaTracker) WasFileInjected(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[path]
}

// MarkDecisionInjected records a decision as sent.
func (d *DeltaTracker) MarkDecisionInjected(id string) {
	d.mu.Lock()
	d.decisions[id] = true
	d.mu.Unlock()
}

// WasDecisionInjected reports whether a decision was already sent.
func (d *DeltaTracker) WasDecisionInjected(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decisions[id]
}

// MarkReasoningInjected records a reasoning fragment as sent.
func (d *DeltaTracker) MarkReasoningInjected(key string) {
	d.mu.Lock()
	d.reasoning[key] = true
	d.mu.Unlock()
}

// WasReasoningInjected reports whether a reasoning fragment was already sent.
func (d *DeltaTracker) WasReasoningInjected(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reasoning[key]
}

// Decision is a key decision fact sourced from the task store. FilePath and
// Line, when recorded, locate the code region the decision applies to.
type Decision struct {
	ID        string
	Summary   string
	Reasoning string
	FilePath  string
	Line      int
}

// Facts is the candidate material for one turn's memory injection.
type Facts struct {
	EditedFiles    []string
	Decisions      []Decision
	DriftText      string
	ForcedRecovery string
}

// BuildInjection renders the facts not yet sent to this session as tagged
// lines, marking everything it includes as injected. Inclusion order: edited
// files (bounded), then new key decisions, then the pending drift
// correction, then forced recovery. Returns "" when nothing new exists.
func (d *DeltaTracker) BuildInjection(facts Facts) string {
	var lines []string

	included := 0
	for _, f := range facts.EditedFiles {
		if included >= maxInjectedFiles {
			break
		}
		if f == "" || d.WasFileInjected(f) {
			continue
		}
		d.MarkFileInjected(f)
		lines = append(lines, fmt.Sprintf("[EDITED: %s]", f))
		included++
	}

	included = 0
	for _, dec := range facts.Decisions {
		if included >= maxInjectedDecisions {
			break
		}
		if dec.ID == "" || d.WasDecisionInjected(dec.ID) {
			continue
		}
		d.MarkDecisionInjected(dec.ID)
		line := fmt.Sprintf("[DECISION: %s]", dec.Summary)
		if dec.Reasoning != "" && !d.WasReasoningInjected(dec.ID) {
			d.MarkReasoningInjected(dec.ID)
			line += " " + dec.Reasoning
		}
		lines = append(lines, line)
		included++
	}

	if facts.DriftText != "" {
		lines = append(lines, fmt.Sprintf("[DRIFT: %s]", facts.DriftText))
	}
	if facts.ForcedRecovery != "" {
		lines = append(lines, fmt.Sprintf("[RECOVERY: %s]", facts.ForcedRecovery))
	}

	return strings.Join(lines, "\n")
}
