package drift

import "testing"

func TestScoreToCorrectionLevel_Mapping(t *testing.T) {
	tests := []struct {
		score int
		want  CorrectionLevel
	}{
		{10, LevelNone},
		{8, LevelNone},
		{5, LevelNone},
		{4, LevelNudge},
		{3, LevelCorrect},
		{2, LevelIntervene},
		{1, LevelIntervene},
	}
	for _, tt := range tests {
		if got := ScoreToCorrectionLevel(tt.score); got != tt.want {
			t.Errorf("ScoreToCorrectionLevel(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestScoreToType_Mapping(t *testing.T) {
	tests := []struct {
		score int
		want  Type
	}{
		{10, TypeNone},
		{8, TypeNone},
		{7, TypeMinor},
		{5, TypeMinor},
		{4, TypeMajor},
		{3, TypeMajor},
		{2, TypeCritical},
		{1, TypeCritical},
	}
	for _, tt := range tests {
		if got := ScoreToType(tt.score); got != tt.want {
			t.Errorf("ScoreToType(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

// severityRank orders drift types for the monotonicity check.
func severityRank(ty Type) int {
	switch ty {
	case TypeNone:
		return 0
	case TypeMinor:
		return 1
	case TypeMajor:
		return 2
	default:
		return 3
	}
}

func levelRank(l CorrectionLevel) int {
	switch l {
	case LevelNone:
		return 0
	case LevelNudge:
		return 1
	case LevelCorrect:
		return 2
	default:
		return 3
	}
}

func TestMappings_MonotonicAndIdempotent(t *testing.T) {
	for score := 1; score <= 10; score++ {
		// Idempotent: repeated application yields the same answer.
		if ScoreToType(score) != ScoreToType(score) {
			t.Errorf("ScoreToType(%d) unstable", score)
		}
		if ScoreToCorrectionLevel(score) != ScoreToCorrectionLevel(score) {
			t.Errorf("ScoreToCorrectionLevel(%d) unstable", score)
		}
		// Monotonic: lower score never yields a milder response.
		if score > 1 {
			if severityRank(ScoreToType(score-1)) < severityRank(ScoreToType(score)) {
				t.Errorf("ScoreToType not monotonic at %d", score)
			}
			if levelRank(ScoreToCorrectionLevel(score-1)) < levelRank(ScoreToCorrectionLevel(score)) {
				t.Errorf("ScoreToCorrectionLevel not monotonic at %d", score)
			}
		}
	}
}

func TestClampScore(t *testing.T) {
	if ClampScore(0) != 1 || ClampScore(-5) != 1 {
		t.Error("low scores must clamp to 1")
	}
	if ClampScore(11) != 10 || ClampScore(100) != 10 {
		t.Error("high scores must clamp to 10")
	}
	if ClampScore(7) != 7 {
		t.Error("in-range score must pass through")
	}
}

func TestFallbackResult(t *testing.T) {
	r := FallbackResult("timeout")
	if r.Score != NeutralScore {
		t.Errorf("Score = %d, want %d", r.Score, NeutralScore)
	}
	if r.Type != TypeNone {
		t.Errorf("Type = %q, want none", r.Type)
	}
	if !r.Fallback {
		t.Error("Fallback flag must be set")
	}
	if r.Diagnostic == "" {
		t.Error("Diagnostic must state the fallback reason")
	}
}
