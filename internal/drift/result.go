// Package drift scores the alignment between an agent's recent modifying
// actions and the user's current instruction. Scores are 1-10, 10 meaning
// perfectly on track. The checker is deliberately biased toward trusting the
// agent: every failure path degrades to a non-penalizing default, because a
// wrong intervention costs more than a missed one.
package drift

// Type classifies drift severity. It is a monotonic function of the score.
type Type string

const (
	TypeNone     Type = "none"
	TypeMinor    Type = "minor"
	TypeMajor    Type = "major"
	TypeCritical Type = "critical"
)

// CorrectionLevel selects how directive the injected correction is.
type CorrectionLevel string

const (
	LevelNone      CorrectionLevel = "none"
	LevelNudge     CorrectionLevel = "nudge"
	LevelCorrect   CorrectionLevel = "correct"
	LevelIntervene CorrectionLevel = "intervene"
	LevelHalt      CorrectionLevel = "halt"
)

// Result is the outcome of one drift check. It lives for a single
// preprocessing pass; only the score is persisted into drift history.
type Result struct {
	// Score is the alignment score, clamped to [1,10].
	Score int `json:"score"`
	// Type derives from Score via ScoreToType.
	Type Type `json:"driftType"`
	// Diagnostic explains the score in one or two sentences.
	Diagnostic string `json:"diagnostic"`
	// SuggestedAction is an optional single next step.
	SuggestedAction string `json:"suggestedAction,omitempty"`
	// RecoverySteps is an optional ordered recovery plan.
	RecoverySteps []string `json:"recoverySteps,omitempty"`
	// Fallback marks results produced without scorer judgment.
	Fallback bool `json:"-"`
}

// NeutralScore is the default-assume-aligned score. The rubric instructs the
// scorer to start here and only deviate on concrete evidence.
const NeutralScore = 8

// ClampScore forces a score into the valid [1,10] domain.
func ClampScore(score int) int {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

// ScoreToType maps a score to a drift severity. Total over [1,10] and
// monotonic: a lower score never yields a milder type.
func ScoreToType(score int) Type {
	score = ClampScore(score)
	switch {
	case score >= 8:
		return TypeNone
	case score >= 5:
		return TypeMinor
	case score >= 3:
		return TypeMajor
	default:
		return TypeCritical
	}
}

// ScoreToCorrectionLevel maps a score to a correction level. Total and
// monotonic; halt is reserved for maximum escalation and applied by the
// correction builder, never by the score alone.
func ScoreToCorrectionLevel(score int) CorrectionLevel {
	score = ClampScore(score)
	switch {
	case score >= 5:
		return LevelNone
	case score == 4:
		return LevelNudge
	case score == 3:
		return LevelCorrect
	default:
		return LevelIntervene
	}
}

// FallbackResult is the documented safe default used whenever the scorer is
// unavailable or its response cannot be parsed. It never penalizes.
func FallbackResult(reason string) Result {
	return Result{
		Score:      NeutralScore,
		Type:       ScoreToType(NeutralScore),
		Diagnostic: "drift check unavailable (" + reason + "); assuming the agent is on track",
		Fallback:   true,
	}
}
