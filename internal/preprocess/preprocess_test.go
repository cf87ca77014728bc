package preprocess

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/steersman-proxy/steersman/internal/config"
	"github.com/steersman-proxy/steersman/internal/correction"
	"github.com/steersman-proxy/steersman/internal/drift"
	"github.com/steersman-proxy/steersman/internal/memoryapi"
	"github.com/steersman-proxy/steersman/internal/session"
)

type stubScorer struct {
	response string
	err      error
}

func (s *stubScorer) Complete(context.Context, string) (string, error) {
	return s.response, s.err
}

type stubFetcher struct {
	memories []memoryapi.Memory
	err      error
	calls    int
}

func (f *stubFetcher) Fetch(context.Context, string, string, []string) ([]memoryapi.Memory, error) {
	f.calls++
	return f.memories, f.err
}

func newPreprocessor(scorer drift.Scorer, fetcher memoryapi.Fetcher) (*Preprocessor, *session.Manager) {
	cfg := config.Default()
	sessions := session.NewManager(cfg.Drift.GetMaxEscalations(), 50)
	checker := drift.NewChecker(scorer, time.Second, cfg.Drift.GetStepWindow())
	corrections := correction.NewBuilder(scorer, time.Second)
	return New(sessions, checker, corrections, fetcher, nil, cfg), sessions
}

const firstTurnBody = `{"model":"m","max_tokens":1024,"messages":[{"role":"user","content":"Fix the login bug in auth.go"}]}`

// continuationBody carries three modifying tool_use steps and ends in a
// tool_result turn, enough to trip the default drift check interval.
const continuationBody = `{"model":"m","max_tokens":1024,"messages":[` +
	`{"role":"user","content":"Fix the login bug in auth.go"},` +
	`{"role":"assistant","content":[` +
	`{"type":"tool_use","id":"t1","name":"Edit","input":{"file_path":"auth.go"}},` +
	`{"type":"tool_use","id":"t2","name":"Edit","input":{"file_path":"auth.go"}},` +
	`{"type":"tool_use","id":"t3","name":"Bash","input":{"command":"go test ./..."}}]},` +
	`{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}]}`

func lastUserText(t *testing.T, body []byte) string {
	t.Helper()
	msgs := gjson.GetBytes(body, "messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		content := msgs[i].Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		var b strings.Builder
		for _, block := range content.Array() {
			b.WriteString(block.Get("text").String())
		}
		return b.String()
	}
	return ""
}

func TestWarmupOnlyInjectsTools(t *testing.T) {
	p, _ := newPreprocessor(nil, &stubFetcher{})
	body := `{"model":"m","messages":[{"role":"user","content":"quota"}]}`

	pc := p.Process(context.Background(), "s1", "/p", []byte(body))

	if pc.Class != ClassWarmup {
		t.Fatalf("class = %s, want warmup", pc.Class)
	}
	if got := gjson.GetBytes(pc.Body, "tools.0.name").String(); got != "recall_memory" {
		t.Fatalf("tool not injected, tools = %s", gjson.GetBytes(pc.Body, "tools").Raw)
	}
	if got := lastUserText(t, pc.Body); got != "quota" {
		t.Fatalf("warmup content mutated: %q", got)
	}
}

func TestFirstTurnNoMemoriesInjectsMarker(t *testing.T) {
	p, _ := newPreprocessor(nil, &stubFetcher{})

	pc := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))

	if !strings.Contains(lastUserText(t, pc.Body), noEntriesMarker) {
		t.Fatalf("no-entries marker missing from body: %s", lastUserText(t, pc.Body))
	}
}

func TestFirstTurnMemoryPreview(t *testing.T) {
	fetcher := &stubFetcher{memories: []memoryapi.Memory{
		{Title: "auth refactor", Summary: "moved session checks into middleware"},
	}}
	p, sessions := newPreprocessor(nil, fetcher)

	pc := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))

	text := lastUserText(t, pc.Body)
	if !strings.Contains(text, "auth refactor") || !strings.Contains(text, "moved session checks") {
		t.Fatalf("preview missing: %s", text)
	}
	if strings.Contains(text, noEntriesMarker) {
		t.Fatal("marker must not appear when memories were found")
	}

	st, _ := sessions.Get("s1")
	if st.OriginalGoal != "Fix the login bug in auth.go" {
		t.Fatalf("goal = %q", st.OriginalGoal)
	}
	if recs := sessions.Injections("s1"); len(recs) != 1 || recs[0].Type != session.InjectionPreview {
		t.Fatalf("injection records = %+v", recs)
	}
}

func TestFirstTurnMemoryFetchFailureStillProceeds(t *testing.T) {
	p, _ := newPreprocessor(nil, &stubFetcher{err: errors.New("backend down")})

	pc := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))

	if len(pc.Body) == 0 {
		t.Fatal("body must survive a memory fetch failure")
	}
	if !strings.Contains(lastUserText(t, pc.Body), noEntriesMarker) {
		t.Fatal("fetch failure should degrade to the no-entries marker")
	}
}

func TestAlignedScoreLeavesNoPendingCorrection(t *testing.T) {
	scorer := &stubScorer{response: `{"score":9,"driftType":"none","diagnostic":"on track"}`}
	p, sessions := newPreprocessor(scorer, nil)

	pc := p.Process(context.Background(), "s1", "/p", []byte(continuationBody))

	st, _ := sessions.Get("s1")
	if st.PendingCorrection != "" {
		t.Fatalf("pending correction = %q, want empty", st.PendingCorrection)
	}
	if st.EscalationCount != 0 {
		t.Fatalf("escalation = %d, want 0", st.EscalationCount)
	}
	if pc.Injection != "" {
		t.Fatalf("unexpected injection %q", pc.Injection)
	}
	if len(st.DriftHistory) != 1 || st.DriftHistory[0] != 9 {
		t.Fatalf("drift history = %v", st.DriftHistory)
	}
}

func TestLowScoreInjectsCorrection(t *testing.T) {
	scorer := &stubScorer{response: `{"score":3,"driftType":"major","diagnostic":"editing unrelated files","recoverySteps":["revert config.go","return to auth.go"]}`}
	p, sessions := newPreprocessor(scorer, nil)

	pc := p.Process(context.Background(), "s1", "/p", []byte(continuationBody))

	text := lastUserText(t, pc.Body)
	if !strings.Contains(text, "Course correction needed.") {
		t.Fatalf("correction missing from body: %s", text)
	}
	if !strings.Contains(text, "1. revert config.go") {
		t.Fatalf("numbered recovery steps missing: %s", text)
	}

	st, _ := sessions.Get("s1")
	if st.PendingCorrection != "" {
		t.Fatalf("pending correction not consumed: %q", st.PendingCorrection)
	}
	if st.EscalationCount != 1 {
		t.Fatalf("escalation = %d, want 1", st.EscalationCount)
	}
	if pc.Injection == "" {
		t.Fatal("context should carry the injected text")
	}
}

func TestForcedRecoveryRetainsUndeliveredCorrection(t *testing.T) {
	p, sessions := newPreprocessor(nil, nil)
	sessions.GetOrCreate("s1", "/p")
	corr := "Course correction needed."
	forced := "MANDATORY RECOVERY: stop and revert."
	sessions.Update("s1", session.UpdateFields{PendingCorrection: &corr, PendingForcedRecovery: &forced})
	st, _ := sessions.Get("s1")

	pc := &Context{
		Body:          []byte(`{"messages":[{"role":"user","content":"go"}]}`),
		SessionID:     "s1",
		Session:       st,
		MessageCount:  1,
		LastUserIndex: 0,
	}
	p.injectPendingCorrection(pc)

	text := lastUserText(t, pc.Body)
	if !strings.Contains(text, forced) {
		t.Fatalf("forced recovery missing from body: %s", text)
	}
	if strings.Contains(text, corr) {
		t.Fatalf("correction should not ride along: %s", text)
	}
	if pc.CorrectionKind != "forced_recovery" {
		t.Fatalf("kind = %q", pc.CorrectionKind)
	}

	st, _ = sessions.Get("s1")
	if st.PendingForcedRecovery != "" {
		t.Fatalf("forced recovery not consumed: %q", st.PendingForcedRecovery)
	}
	if st.PendingCorrection != corr {
		t.Fatalf("undelivered correction must survive, got %q", st.PendingCorrection)
	}
}

func TestMaxEscalationForcesRecovery(t *testing.T) {
	scorer := &stubScorer{response: `{"score":2,"driftType":"critical","diagnostic":"ignoring the instruction"}`}
	p, sessions := newPreprocessor(scorer, nil)

	two := 2
	p.Process(context.Background(), "s1", "/p", []byte(continuationBody))
	sessions.Update("s1", session.UpdateFields{EscalationCount: &two})

	// Same message count would classify as a retry; grow the conversation.
	grown := strings.Replace(continuationBody,
		`{"type":"tool_result","tool_use_id":"t1","content":"ok"}`,
		`{"type":"tool_result","tool_use_id":"t1","content":"ok"}]},{"role":"assistant","content":[{"type":"tool_use","id":"t4","name":"Edit","input":{"file_path":"config.go"}},{"type":"tool_use","id":"t5","name":"Edit","input":{"file_path":"config.go"}},{"type":"tool_use","id":"t6","name":"Edit","input":{"file_path":"config.go"}}]},{"role":"user","content":[{"type":"tool_result","tool_use_id":"t4","content":"ok"}`,
		1)
	pc := p.Process(context.Background(), "s1", "/p", []byte(grown))

	text := lastUserText(t, pc.Body)
	if !strings.Contains(text, "MANDATORY RECOVERY") {
		t.Fatalf("forced recovery delimiters missing: %s", text)
	}

	st, _ := sessions.Get("s1")
	if st.EscalationCount != 3 {
		t.Fatalf("escalation = %d, want capped at 3", st.EscalationCount)
	}
	if st.PendingForcedRecovery != "" {
		t.Fatalf("forced recovery not consumed: %q", st.PendingForcedRecovery)
	}
}

func TestScorerFailureNeverBlocksRequest(t *testing.T) {
	scorer := &stubScorer{err: errors.New("scorer unavailable")}
	p, sessions := newPreprocessor(scorer, nil)

	pc := p.Process(context.Background(), "s1", "/p", []byte(continuationBody))

	if len(pc.Body) == 0 {
		t.Fatal("body must survive scorer failure")
	}
	st, _ := sessions.Get("s1")
	if st.PendingCorrection != "" || st.PendingForcedRecovery != "" {
		t.Fatal("fallback result must not penalize")
	}
	if len(st.DriftHistory) != 1 || st.DriftHistory[0] != drift.NeutralScore {
		t.Fatalf("drift history = %v, want [%d]", st.DriftHistory, drift.NeutralScore)
	}
}

func TestRetryReusesCachedPreview(t *testing.T) {
	fetcher := &stubFetcher{memories: []memoryapi.Memory{{Title: "prior", Summary: "context"}}}
	p, _ := newPreprocessor(nil, fetcher)

	first := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))
	retry := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))

	if retry.Class != ClassRetry {
		t.Fatalf("class = %s, want retry", retry.Class)
	}
	if fetcher.calls != 1 {
		t.Fatalf("memory fetched %d times, want 1 (retry must reuse cache)", fetcher.calls)
	}
	if lastUserText(t, retry.Body) != lastUserText(t, first.Body) {
		t.Fatalf("retry body diverged:\n%s\n---\n%s", lastUserText(t, retry.Body), lastUserText(t, first.Body))
	}
}

func TestReconstructionReplaysPriorInjections(t *testing.T) {
	p, sessions := newPreprocessor(nil, &stubFetcher{})

	sessions.GetOrCreate("s1", "/p")
	sessions.RecordInjection("s1", session.InjectionRecord{
		Position: 0,
		Type:     session.InjectionPreview,
		Preview:  "\n\n[MEMORY] injected last turn",
	})
	one := 1
	sessions.Update("s1", session.UpdateFields{LastMessageCount: &one})

	pc := p.Process(context.Background(), "s1", "/p", []byte(continuationBody))

	if pc.ReconstructedCount != 1 {
		t.Fatalf("reconstructed = %d, want 1", pc.ReconstructedCount)
	}
	first := gjson.GetBytes(pc.Body, "messages.0.content").String()
	if !strings.Contains(first, "[MEMORY] injected last turn") {
		t.Fatalf("replay missing from first message: %s", first)
	}
}

func TestScheduledClearWipesConversation(t *testing.T) {
	p, sessions := newPreprocessor(nil, &stubFetcher{})
	p.ScheduleClear("/p", "auth bug was traced to a stale session cache")

	pc := p.Process(context.Background(), "s1", "/p", []byte(continuationBody))

	msgs := gjson.GetBytes(pc.Body, "messages").Array()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if got := msgs[0].Get("content").String(); !strings.Contains(got, "stale session cache") {
		t.Fatalf("summary missing: %s", got)
	}
	if _, ok := sessions.Get("s1"); ok {
		t.Fatal("session should be destroyed on scheduled clear")
	}
}

func TestTokenThresholdClear(t *testing.T) {
	p, sessions := newPreprocessor(nil, &stubFetcher{})

	sessions.GetOrCreate("s1", "/p")
	tokens := config.DefaultTokenClearThreshold + 1
	summary := "summary of two hundred thousand tokens of work"
	sessions.Update("s1", session.UpdateFields{TokenCount: &tokens, PendingClearSummary: &summary})

	pc := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))

	msgs := gjson.GetBytes(pc.Body, "messages").Array()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Get("content").String(), summary) {
		t.Fatalf("wipe-and-summarize not applied: %s", pc.Body)
	}

	st, _ := sessions.Get("s1")
	if !st.WasCleared || st.TokenCount != 0 || st.PendingClearSummary != "" {
		t.Fatalf("post-clear state = %+v", st)
	}
}

func TestTokenBelowThresholdUntouched(t *testing.T) {
	p, sessions := newPreprocessor(nil, &stubFetcher{})

	sessions.GetOrCreate("s1", "/p")
	tokens := 1000
	summary := "queued but not due"
	sessions.Update("s1", session.UpdateFields{TokenCount: &tokens, PendingClearSummary: &summary})

	pc := p.Process(context.Background(), "s1", "/p", []byte(firstTurnBody))

	if got := len(gjson.GetBytes(pc.Body, "messages").Array()); got != 1 {
		t.Fatalf("messages = %d", got)
	}
	st, _ := sessions.Get("s1")
	if st.PendingClearSummary != summary {
		t.Fatal("summary must stay queued below the threshold")
	}
}
