package correction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/steersman-proxy/steersman/internal/drift"
	"github.com/steersman-proxy/steersman/internal/session"
)

var testState = session.State{
	SessionID:    "s1",
	OriginalGoal: "migrate the billing tables",
}

func TestBuild_Nudge(t *testing.T) {
	result := drift.Result{Score: 4, Diagnostic: "last two edits touched unrelated CSS"}

	msg := Build(result, testState, drift.LevelNudge)
	if !strings.Contains(msg, "migrate the billing tables") {
		t.Error("nudge must remind of the goal")
	}
	if !strings.Contains(msg, "unrelated CSS") {
		t.Error("nudge must carry the diagnostic")
	}
	if len(msg) > 300 {
		t.Errorf("nudge should be short, got %d chars", len(msg))
	}
}

func TestBuild_Correct(t *testing.T) {
	result := drift.Result{
		Score:           3,
		Diagnostic:      "working on the dashboard instead of the migration",
		SuggestedAction: "reopen migrations/0042.sql",
		RecoverySteps:   []string{"stop dashboard edits", "run the migration test"},
	}

	msg := Build(result, testState, drift.LevelCorrect)
	for _, want := range []string{
		"migrate the billing tables",
		"working on the dashboard",
		"reopen migrations/0042.sql",
		"1. stop dashboard edits",
		"2. run the migration test",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("correct message missing %q:\n%s", want, msg)
		}
	}
}

func TestBuild_Intervene(t *testing.T) {
	result := drift.Result{
		Score:           2,
		Diagnostic:      "schema constraint violated",
		SuggestedAction: "revert the schema change",
	}

	msg := Build(result, testState, drift.LevelIntervene)
	if !strings.Contains(msg, "revert the schema change") {
		t.Error("intervene must state the single mandatory action")
	}
	if !strings.Contains(msg, "confirm") {
		t.Error("intervene must demand explicit confirmation")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	result := drift.Result{Score: 3, Diagnostic: "d", SuggestedAction: "a", RecoverySteps: []string{"r"}}
	for _, level := range []drift.CorrectionLevel{drift.LevelNudge, drift.LevelCorrect, drift.LevelIntervene} {
		if Build(result, testState, level) != Build(result, testState, level) {
			t.Errorf("level %s is not a pure renderer", level)
		}
	}
}

func TestBuild_NoneAndHaltEmpty(t *testing.T) {
	result := drift.Result{Score: 9}
	if Build(result, testState, drift.LevelNone) != "" {
		t.Error("LevelNone must render nothing")
	}
	if Build(result, testState, drift.LevelHalt) != "" {
		t.Error("LevelHalt renders via BuildForcedRecovery, not Build")
	}
}

type stubScorer struct {
	response string
	err      error
}

func (s *stubScorer) Complete(_ context.Context, _ string) (string, error) {
	return s.response, s.err
}

func TestBuildForcedRecovery_Generated(t *testing.T) {
	b := NewBuilder(&stubScorer{response: "Escalation maxed. Revert commit abc123 now."}, time.Second)

	msg := b.BuildForcedRecovery(context.Background(), testState, drift.Result{Score: 1, Diagnostic: "thrashing"})
	if !strings.Contains(msg, "Revert commit abc123") {
		t.Error("generated body not used")
	}
	if strings.Count(msg, recoveryDelimiter) != 2 {
		t.Error("forced recovery must be wrapped in explicit delimiters")
	}
}

func TestBuildForcedRecovery_FallsBackOnError(t *testing.T) {
	b := NewBuilder(&stubScorer{err: errors.New("timeout")}, time.Second)

	result := drift.Result{Score: 1, Diagnostic: "thrashing", SuggestedAction: "revert the last edit"}
	msg := b.BuildForcedRecovery(context.Background(), testState, result)

	if !strings.Contains(msg, "escalation has reached its maximum") {
		t.Error("fallback template must state escalation is maxed")
	}
	if !strings.Contains(msg, "revert the last edit") {
		t.Error("fallback must carry the one mandatory action")
	}
	if strings.Count(msg, recoveryDelimiter) != 2 {
		t.Error("fallback must keep the delimiters")
	}

	// Deterministic: the fallback is a pure template.
	if msg != b.BuildForcedRecovery(context.Background(), testState, result) {
		t.Error("fallback is not deterministic")
	}
}

func TestBuildForcedRecovery_NilScorer(t *testing.T) {
	b := NewBuilder(nil, time.Second)
	msg := b.BuildForcedRecovery(context.Background(), testState, drift.Result{Score: 1})
	if !strings.Contains(msg, "one mandatory action") {
		t.Errorf("nil scorer must yield the template: %q", msg)
	}
}
