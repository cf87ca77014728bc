package preprocess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/steersman-proxy/steersman/internal/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		lastCount int
		want      Class
	}{
		{
			name: "warmup sentinel",
			body: `{"messages":[{"role":"user","content":"quota"}]}`,
			want: ClassWarmup,
		},
		{
			name: "fresh instruction",
			body: `{"messages":[{"role":"user","content":"add a retry flag"}]}`,
			want: ClassFirstTurn,
		},
		{
			name:      "same length as previous request",
			body:      `{"messages":[{"role":"user","content":"add a retry flag"}]}`,
			lastCount: 1,
			want:      ClassRetry,
		},
		{
			name: "tool result turn",
			body: `{"messages":[{"role":"user","content":"add a retry flag"},{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Edit","input":{}}]},{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}]}`,
			want: ClassContinuation,
		},
		{
			name:      "new exchange after longer history",
			body:      `{"messages":[{"role":"user","content":"first"},{"role":"assistant","content":"done"},{"role":"user","content":"now do the next thing"}]}`,
			lastCount: 1,
			want:      ClassFirstTurn,
		},
		{
			name: "empty messages",
			body: `{"messages":[]}`,
			want: ClassFirstTurn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := session.State{LastMessageCount: tt.lastCount}
			if got := classify([]byte(tt.body), state); got != tt.want {
				t.Errorf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLatestInstructionSkipsToolResultTurns(t *testing.T) {
	body := `{"messages":[
		{"role":"user","content":"refactor the parser"},
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Edit","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}]}`

	instruction, lastUser := latestInstruction([]byte(body))
	if instruction != "refactor the parser" {
		t.Fatalf("instruction = %q", instruction)
	}
	if lastUser != 2 {
		t.Fatalf("lastUser = %d, want 2", lastUser)
	}
}

func TestExtractSteps(t *testing.T) {
	body := `{"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":[
			{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"main.go"}},
			{"type":"tool_use","id":"t2","name":"Edit","input":{"file_path":"main.go"}},
			{"type":"tool_use","id":"t3","name":"Bash","input":{"command":"go vet ./..."}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}]}`

	steps := extractSteps([]byte(body), "s1", 0)
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
	if steps[0].Action != session.ActionRead || steps[0].Files[0] != "main.go" {
		t.Fatalf("step 0 = %+v", steps[0])
	}
	if steps[1].Action != session.ActionEdit {
		t.Fatalf("step 1 = %+v", steps[1])
	}
	if steps[2].Action != session.ActionBash || steps[2].Command != "go vet ./..." {
		t.Fatalf("step 2 = %+v", steps[2])
	}

	// Messages before the offset were observed on a previous turn.
	if got := extractSteps([]byte(body), "s1", 2); len(got) != 0 {
		t.Fatalf("offset extraction = %d steps, want 0", len(got))
	}
}

func TestWriteStepsNameWrittenDefinitions(t *testing.T) {
	body := `{"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":[
			{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"util.go","content":"package util\n\nfunc Clamp(n int) int {\n\treturn n\n}\n\nfunc Wrap(n int) int {\n\treturn n\n}\n"}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}]}`

	steps := extractSteps([]byte(body), "s1", 0)
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if steps[0].Command != "defines Clamp, Wrap" {
		t.Fatalf("command = %q", steps[0].Command)
	}
}

func TestWriteStepsCarryContentHash(t *testing.T) {
	body := `{"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":[
			{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"a.go","content":"package a\n"}},
			{"type":"tool_use","id":"t2","name":"Write","input":{"file_path":"b.go","content":"package a\n"}},
			{"type":"tool_use","id":"t3","name":"Write","input":{"file_path":"c.go","content":"package c\n"}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}]}`

	steps := extractSteps([]byte(body), "s1", 0)
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
	if steps[0].CodeHash == "" {
		t.Fatal("write step should carry a content hash")
	}
	if steps[0].CodeHash != steps[1].CodeHash {
		t.Error("identical content should hash identically")
	}
	if steps[0].CodeHash == steps[2].CodeHash {
		t.Error("different content should hash differently")
	}
}

func TestMarkRepeatedWritesFlagsIdenticalRewrite(t *testing.T) {
	prior := []session.StepRecord{
		{Action: session.ActionWrite, Files: []string{"util.go"}, CodeHash: "abc123"},
	}
	steps := []session.StepRecord{
		{Action: session.ActionWrite, Files: []string{"util.go"}, CodeHash: "abc123", Command: "defines Clamp"},
		{Action: session.ActionWrite, Files: []string{"util.go"}, CodeHash: "def456"},
		{Action: session.ActionWrite, Files: []string{"other.go"}, CodeHash: "abc123"},
	}

	markRepeatedWrites(prior, steps)

	if steps[0].Command != "defines Clamp (content unchanged)" {
		t.Errorf("steps[0].Command = %q", steps[0].Command)
	}
	if steps[1].Command != "" {
		t.Errorf("changed content must not be flagged: %q", steps[1].Command)
	}
	if steps[2].Command != "" {
		t.Errorf("different file must not be flagged: %q", steps[2].Command)
	}
}

func TestDecisionSiteNamesEnclosingFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.go")
	src := "package retry\n\nfunc Backoff(n int) int {\n\treturn n * 2\n}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	site := decisionSite(session.Decision{ID: "d1", FilePath: path, Line: 4})
	if site != "Backoff" {
		t.Fatalf("site = %q, want Backoff", site)
	}

	if got := decisionSite(session.Decision{ID: "d2", FilePath: path + ".missing", Line: 4}); got != "" {
		t.Fatalf("missing file should yield no site, got %q", got)
	}
	if got := decisionSite(session.Decision{ID: "d3"}); got != "" {
		t.Fatalf("unlocated decision should yield no site, got %q", got)
	}
}

func TestActionForToolUnknownName(t *testing.T) {
	if got := actionForTool("WebFetch"); got != session.ActionOther {
		t.Fatalf("actionForTool = %s, want other", got)
	}
}
