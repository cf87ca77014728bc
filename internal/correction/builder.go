// Package correction renders the escalating messages injected when drift is
// detected. The first three levels are pure renderers: same inputs, same
// text. Forced recovery is the only level allowed a model call, and it
// degrades to a deterministic template when that call fails.
package correction

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/steersman-proxy/steersman/internal/drift"
	"github.com/steersman-proxy/steersman/internal/session"
)

const recoveryDelimiter = "==================== MANDATORY RECOVERY ===================="

// Build renders the correction text for a level. LevelNone and LevelHalt
// return "": no drift needs no text, and halt goes through
// BuildForcedRecovery instead.
func Build(result drift.Result, state session.State, level drift.CorrectionLevel) string {
	switch level {
	case drift.LevelNudge:
		return buildNudge(result, state)
	case drift.LevelCorrect:
		return buildCorrect(result, state)
	case drift.LevelIntervene:
		return buildIntervene(result, state)
	default:
		return ""
	}
}

func goalLine(state session.State) string {
	if state.OriginalGoal == "" {
		return "the user's current instruction"
	}
	return state.OriginalGoal
}

func buildNudge(result drift.Result, state session.State) string {
	return fmt.Sprintf("Reminder: the goal is %q. %s", goalLine(state), result.Diagnostic)
}

func buildCorrect(result drift.Result, state session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Course correction needed.\n\nGoal: %s\nObserved: %s\n", goalLine(state), result.Diagnostic)
	if result.SuggestedAction != "" {
		fmt.Fprintf(&b, "Suggested next action: %s\n", result.SuggestedAction)
	}
	if len(result.RecoverySteps) > 0 {
		b.WriteString("\nRecovery steps:\n")
		for i, step := range result.RecoverySteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildIntervene(result drift.Result, state session.State) string {
	action := result.SuggestedAction
	if action == "" && len(result.RecoverySteps) > 0 {
		action = result.RecoverySteps[0]
	}
	if action == "" {
		action = "stop and restate, in one sentence, how your next edit serves the instruction"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "STOP. Your recent actions have drifted from the goal: %s\n", goalLine(state))
	fmt.Fprintf(&b, "Diagnosis: %s\n\n", result.Diagnostic)
	fmt.Fprintf(&b, "Before doing anything else you must: %s\n", action)
	b.WriteString("Explicitly confirm this action in your next response before taking any other step.")
	return b.String()
}

// Builder generates forced-recovery messages. It reuses the drift scorer as
// its model backend.
type Builder struct {
	scorer  drift.Scorer
	timeout time.Duration
}

// NewBuilder creates a forced-recovery builder. A nil scorer always yields
// the fallback template.
func NewBuilder(scorer drift.Scorer, timeout time.Duration) *Builder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Builder{scorer: scorer, timeout: timeout}
}

// BuildForcedRecovery renders the terminal escalation message: escalation
// has maxed out, ordinary corrections were ignored, and the agent gets one
// narrowly scoped mandatory action. The model is asked to write it; on any
// failure the deterministic template ships instead.
func (b *Builder) BuildForcedRecovery(ctx context.Context, state session.State, result drift.Result) string {
	body := b.fallbackRecoveryBody(state, result)

	if b.scorer != nil {
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		generated, err := b.scorer.Complete(ctx, buildRecoveryPrompt(state, result))
		if err != nil {
			log.WithError(err).WithField("session_id", state.SessionID).Warn("forced recovery generation failed, using template")
		} else if text := strings.TrimSpace(generated); text != "" {
			body = text
		}
	}

	return recoveryDelimiter + "\n" + body + "\n" + recoveryDelimiter
}

func (b *Builder) fallbackRecoveryBody(state session.State, result drift.Result) string {
	action := result.SuggestedAction
	if action == "" && len(result.RecoverySteps) > 0 {
		action = result.RecoverySteps[0]
	}
	if action == "" {
		action = fmt.Sprintf("make one single edit that directly serves: %s", goalLine(state))
	}
	return fmt.Sprintf(
		"Repeated corrections have been ignored and escalation has reached its maximum.\n"+
			"All other work is suspended.\n\n"+
			"Your one mandatory action: %s\n\n"+
			"Do exactly this, report the result, and do nothing else until the user responds.",
		action)
}

func buildRecoveryPrompt(state session.State, result drift.Result) string {
	var b strings.Builder
	b.WriteString("A coding agent has ignored repeated course corrections and escalation has maxed out.\n")
	fmt.Fprintf(&b, "Goal: %s\n", goalLine(state))
	fmt.Fprintf(&b, "Latest diagnosis: %s\n", result.Diagnostic)
	if result.SuggestedAction != "" {
		fmt.Fprintf(&b, "Previously suggested action: %s\n", result.SuggestedAction)
	}
	b.WriteString(`
Write a short, forceful recovery instruction for the agent. Requirements:
- State that escalation has reached its maximum and normal work is suspended.
- Demand exactly ONE concrete, narrowly scoped action.
- No pleasantries, no alternatives, no explanations of how corrections work.
Respond with the instruction text only.`)
	return b.String()
}
