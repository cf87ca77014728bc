package preprocess

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/steersman-proxy/steersman/internal/config"
	"github.com/steersman-proxy/steersman/internal/correction"
	"github.com/steersman-proxy/steersman/internal/drift"
	"github.com/steersman-proxy/steersman/internal/memoryapi"
	"github.com/steersman-proxy/steersman/internal/rawbody"
	"github.com/steersman-proxy/steersman/internal/session"
	"github.com/steersman-proxy/steersman/internal/taskstore"
	"github.com/steersman-proxy/steersman/internal/tokencount"
)

// recallMemoryTool is the fixed tool definition injected on every path,
// warmup included, so the tools array contributes an identical prefix across
// all of a session's requests.
const recallMemoryTool = `{"name":"recall_memory","description":"Retrieve stored context from prior sessions in this project. Use when past decisions, edited files, or earlier reasoning would change how you approach the current task.","input_schema":{"type":"object","properties":{"query":{"type":"string","description":"What to recall"}},"required":["query"]}}`

// noEntriesMarker is injected when a first-turn memory lookup finds nothing.
// An explicit marker stops the agent from reusing a stale earlier preview.
const noEntriesMarker = "[MEMORY: no relevant entries]"

const (
	maxFactFiles     = 10
	maxFactDecisions = 5
)

// Preprocessor runs the stage pipeline over each inbound request.
type Preprocessor struct {
	sessions    *session.Manager
	checker     *drift.Checker
	corrections *correction.Builder
	memories    memoryapi.Fetcher
	tasks       *taskstore.Store
	cfg         *config.Config

	clearMu         sync.Mutex
	scheduledClears map[string]string // project path -> summary
}

type stage struct {
	name string
	run  func(ctx context.Context, pc *Context)
}

// New wires the pipeline. memories and tasks may be nil; the corresponding
// stages degrade to no-ops.
func New(sessions *session.Manager, checker *drift.Checker, corrections *correction.Builder, memories memoryapi.Fetcher, tasks *taskstore.Store, cfg *config.Config) *Preprocessor {
	if cfg == nil {
		cfg = config.Default()
	}
	if corrections == nil {
		corrections = correction.NewBuilder(nil, 0)
	}
	return &Preprocessor{
		sessions:        sessions,
		checker:         checker,
		corrections:     corrections,
		memories:        memories,
		tasks:           tasks,
		cfg:             cfg,
		scheduledClears: make(map[string]string),
	}
}

// ScheduleClear queues a wipe-and-summarize for a project. The next request
// for that project has its conversation replaced by the summary.
func (p *Preprocessor) ScheduleClear(projectPath, summary string) {
	p.clearMu.Lock()
	defer p.clearMu.Unlock()
	p.scheduledClears[projectPath] = summary
}

func (p *Preprocessor) takeScheduledClear(projectPath string) (string, bool) {
	p.clearMu.Lock()
	defer p.clearMu.Unlock()
	summary, ok := p.scheduledClears[projectPath]
	if ok {
		delete(p.scheduledClears, projectPath)
	}
	return summary, ok
}

// Process runs the pipeline for one request and returns the pipeline context
// holding the mutated body. It never fails: every internal error degrades to
// "no enrichment this turn" and the request proceeds.
func (p *Preprocessor) Process(ctx context.Context, sessionID, projectPath string, body []byte) *Context {
	unlock := p.sessions.LockTurn(sessionID, projectPath)
	defer unlock()

	state := p.sessions.GetOrCreate(sessionID, projectPath)

	pc := &Context{
		Body:        body,
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Session:     state,
	}
	pc.MessageCount = len(gjson.GetBytes(body, "messages").Array())
	pc.Class = classify(body, state)
	pc.Instruction, pc.LastUserIndex = latestInstruction(body)

	p.injectTools(pc)
	p.observe(pc)

	stages := []stage{
		{"warmup", p.stageWarmup},
		{"pending_clear", p.stagePendingClear},
		{"token_clear", p.stageTokenClear},
		{"reconstruct", p.stageReconstruct},
		{"inject", p.stageInject},
		{"retry", p.stageRetry},
	}
	for _, st := range stages {
		st.run(ctx, pc)
		if pc.Done {
			log.WithFields(log.Fields{
				"session": sessionID,
				"stage":   st.name,
				"class":   pc.Class,
			}).Debug("preprocess short-circuit")
			break
		}
	}

	p.sessions.Update(sessionID, session.UpdateFields{LastMessageCount: &pc.MessageCount})
	return pc
}

// injectTools adds the fixed tool definition. Kept identical across every
// path so the serialized tools array never perturbs the cache prefix.
func (p *Preprocessor) injectTools(pc *Context) {
	out, ok := rawbody.InsertToolDefinition(pc.Body, []byte(recallMemoryTool))
	if !ok {
		log.WithField("session", pc.SessionID).Warn("tool injection skipped: malformed body")
		return
	}
	pc.Body = out
}

// observe folds the request's new history into the session: goal capture on
// a fresh exchange and step extraction from assistant tool_use blocks the
// session has not seen yet.
func (p *Preprocessor) observe(pc *Context) {
	if pc.Class == ClassWarmup || pc.Class == ClassRetry {
		return
	}

	if pc.Session.OriginalGoal == "" && pc.Class == ClassFirstTurn && pc.Instruction != "" {
		goal := pc.Instruction
		p.sessions.Update(pc.SessionID, session.UpdateFields{OriginalGoal: &goal})
	}

	steps := extractSteps(pc.Body, pc.SessionID, pc.Session.LastMessageCount)
	markRepeatedWrites(p.sessions.RecentSteps(pc.SessionID, p.cfg.Drift.GetStepWindow()), steps)
	for _, step := range steps {
		p.sessions.AppendStep(pc.SessionID, step)
	}
	pc.NewSteps = len(steps)

	if st, ok := p.sessions.Get(pc.SessionID); ok {
		pc.Session = st
	}
}

func (p *Preprocessor) stageWarmup(_ context.Context, pc *Context) {
	if pc.Class == ClassWarmup {
		pc.Done = true
	}
}

// stagePendingClear honors an externally scheduled wipe-and-summarize. The
// session record is discarded: the summary is the fresh starting context.
func (p *Preprocessor) stagePendingClear(_ context.Context, pc *Context) {
	summary, ok := p.takeScheduledClear(pc.ProjectPath)
	if !ok {
		return
	}
	p.wipeAndSummarize(pc, summary)
	p.sessions.Delete(pc.SessionID)
	log.WithFields(log.Fields{"session": pc.SessionID, "project": pc.ProjectPath}).Info("conversation cleared on schedule")
	pc.Done = true
}

// stageTokenClear wipes the conversation once the session's token footprint
// crosses the clear ceiling and a summary is queued to replace it.
func (p *Preprocessor) stageTokenClear(_ context.Context, pc *Context) {
	tokens := pc.Session.TokenCount
	if est := tokencount.EstimateBody(pc.Body); est > tokens {
		tokens = est
	}

	if tokens >= p.cfg.Tokens.GetWarningThreshold() {
		log.WithFields(log.Fields{"session": pc.SessionID, "tokens": tokens}).Warn("session approaching context ceiling")
	}
	if tokens < p.cfg.Tokens.GetClearThreshold() || pc.Session.PendingClearSummary == "" {
		return
	}

	p.wipeAndSummarize(pc, pc.Session.PendingClearSummary)

	empty := ""
	zero := 0
	cleared := true
	p.sessions.Update(pc.SessionID, session.UpdateFields{
		PendingClearSummary: &empty,
		TokenCount:          &zero,
		WasCleared:          &cleared,
	})
	p.sessions.ClearInjections(pc.SessionID)
	log.WithFields(log.Fields{"session": pc.SessionID, "tokens": tokens}).Info("conversation cleared on token threshold")
	pc.Done = true
}

// wipeAndSummarize replaces the whole messages array with a single user
// message carrying the summary. Prefix preservation is moot here: the cache
// is forfeit the moment the conversation is rewritten, so a structural write
// is the honest tool.
func (p *Preprocessor) wipeAndSummarize(pc *Context, summary string) {
	replacement := []map[string]any{{
		"role":    "user",
		"content": "[MEMORY] Context restored from summary:\n" + summary + "\n\nContinue the task from this summary.",
	}}
	out, err := sjson.SetBytes(pc.Body, "messages", replacement)
	if err != nil {
		log.WithError(err).WithField("session", pc.SessionID).Warn("conversation wipe failed")
		return
	}
	pc.Body = out
	pc.MessageCount = 1
	pc.LastUserIndex = 0
}

// stageReconstruct replays previously recorded injections onto the message
// positions they originally targeted, so the conversation prefix matches
// what the upstream already has cached. Records at the current last user
// message are left to the retry stage.
func (p *Preprocessor) stageReconstruct(_ context.Context, pc *Context) {
	for _, rec := range p.sessions.Injections(pc.SessionID) {
		if rec.Position < 0 || rec.Position >= pc.LastUserIndex {
			continue
		}
		out, ok := rawbody.AppendToMessageAt(pc.Body, rec.Position, rec.Preview)
		if !ok {
			log.WithFields(log.Fields{"session": pc.SessionID, "position": rec.Position}).Warn("injection replay skipped")
			continue
		}
		pc.Body = out
		pc.ReconstructedCount++
	}
}

// stageInject attaches the turn's new context: a memory/plan preview on the
// first turn of an exchange, or a drift correction mid-loop.
func (p *Preprocessor) stageInject(ctx context.Context, pc *Context) {
	switch pc.Class {
	case ClassFirstTurn:
		p.injectPreview(ctx, pc)
	case ClassContinuation:
		p.runDriftCheck(ctx, pc)
		p.injectPendingCorrection(pc)
	}
}

// injectPreview builds the first-turn injection: ranked memories (or the
// explicit no-entries marker), task-store facts the session has not seen,
// and any pending correction text, attached at the last user message.
func (p *Preprocessor) injectPreview(ctx context.Context, pc *Context) {
	var parts []string

	if preview := p.memoryPreview(ctx, pc); preview != "" {
		parts = append(parts, preview)
	}

	facts := p.collectFacts(ctx, pc)
	if delta := p.sessions.Delta(pc.SessionID, pc.ProjectPath).BuildInjection(facts); delta != "" {
		parts = append(parts, delta)
	}

	pc.Injection = strings.Join(parts, "\n")
	if pc.Injection == "" {
		return
	}

	out, ok := rawbody.AppendToLastUserMessage(pc.Body, "\n\n"+pc.Injection)
	if !ok {
		log.WithField("session", pc.SessionID).Warn("preview injection skipped: malformed body")
		return
	}
	pc.Body = out

	p.sessions.RecordInjection(pc.SessionID, session.InjectionRecord{
		Position: pc.LastUserIndex,
		Type:     session.InjectionPreview,
		Preview:  "\n\n" + pc.Injection,
	})
	p.sessions.CachePreview(pc.SessionID, pc.MessageCount, "\n\n"+pc.Injection)
	p.clearConsumedPending(pc, facts)
}

// memoryPreview queries the memory service for entries ranked against the
// current instruction and mentioned files. Failures log and fall through to
// the marker; a nil fetcher disables the feature entirely.
func (p *Preprocessor) memoryPreview(ctx context.Context, pc *Context) string {
	if p.memories == nil {
		return ""
	}

	var files []string
	for _, step := range p.sessions.RecentSteps(pc.SessionID, maxFactFiles) {
		files = append(files, step.Files...)
	}

	entries, err := p.memories.Fetch(ctx, pc.ProjectPath, pc.Instruction, files)
	if err != nil {
		log.WithError(err).WithField("project", pc.ProjectPath).Warn("memory fetch failed")
		pc.MemoryOutcome = "error"
		return noEntriesMarker
	}
	if len(entries) == 0 {
		pc.MemoryOutcome = "empty"
		return noEntriesMarker
	}
	pc.MemoryOutcome = "hit"

	var b strings.Builder
	b.WriteString("[MEMORY] Relevant prior sessions:")
	for _, m := range entries {
		b.WriteString(fmt.Sprintf("\n- %s: %s", m.Title, m.Summary))
	}
	return b.String()
}

// collectFacts gathers the delta-injection candidates: task-store facts plus
// the session's pending correction and forced-recovery texts.
func (p *Preprocessor) collectFacts(ctx context.Context, pc *Context) session.Facts {
	facts := session.Facts{
		DriftText:      pc.Session.PendingCorrection,
		ForcedRecovery: pc.Session.PendingForcedRecovery,
	}
	if p.tasks == nil {
		return facts
	}

	files, err := p.tasks.EditedFiles(ctx, pc.SessionID, maxFactFiles)
	if err != nil {
		log.WithError(err).WithField("session", pc.SessionID).Warn("task store file lookup failed")
	}
	facts.EditedFiles = files

	decisions, err := p.tasks.Decisions(ctx, pc.SessionID, maxFactDecisions)
	if err != nil {
		log.WithError(err).WithField("session", pc.SessionID).Warn("task store decision lookup failed")
	}
	for i := range decisions {
		if site := decisionSite(decisions[i]); site != "" {
			decisions[i].Summary += " (in " + site + ")"
		}
	}
	facts.Decisions = decisions
	return facts
}

// clearConsumedPending resets the pending fields exactly once their text has
// actually been injected.
func (p *Preprocessor) clearConsumedPending(pc *Context, facts session.Facts) {
	empty := ""
	var fields session.UpdateFields
	if facts.DriftText != "" {
		fields.PendingCorrection = &empty
	}
	if facts.ForcedRecovery != "" {
		fields.PendingForcedRecovery = &empty
	}
	if fields.PendingCorrection == nil && fields.PendingForcedRecovery == nil {
		return
	}
	p.sessions.Update(pc.SessionID, fields)
	if st, ok := p.sessions.Get(pc.SessionID); ok {
		pc.Session = st
	}
}

// runDriftCheck scores recent modifying actions against the current
// instruction once enough steps have accumulated, then translates the score
// into session state: escalation bookkeeping plus a pending correction or
// forced-recovery message.
func (p *Preprocessor) runDriftCheck(ctx context.Context, pc *Context) {
	if p.checker == nil || pc.Session.StepsSinceCheck < p.cfg.Drift.GetCheckInterval() {
		return
	}

	steps := p.sessions.RecentSteps(pc.SessionID, p.cfg.Drift.GetStepWindow())
	result := p.checker.Check(ctx, pc.Session, steps, pc.Instruction)
	p.sessions.RecordDriftScore(pc.SessionID, result.Score)
	p.sessions.ResetStepCounter(pc.SessionID)

	level := drift.ScoreToCorrectionLevel(result.Score)
	pc.DriftLevel = string(level)
	if level == drift.LevelNone {
		p.sessions.ResetEscalation(pc.SessionID)
		if st, ok := p.sessions.Get(pc.SessionID); ok {
			pc.Session = st
		}
		return
	}

	count, maxed := p.sessions.BumpEscalation(pc.SessionID)
	log.WithFields(log.Fields{
		"session":    pc.SessionID,
		"score":      result.Score,
		"level":      level,
		"escalation": count,
	}).Info("drift detected")

	if maxed {
		text := p.corrections.BuildForcedRecovery(ctx, pc.Session, result)
		p.sessions.Update(pc.SessionID, session.UpdateFields{PendingForcedRecovery: &text})
	} else {
		text := correction.Build(result, pc.Session, level)
		p.sessions.Update(pc.SessionID, session.UpdateFields{PendingCorrection: &text})
	}
	if st, ok := p.sessions.Get(pc.SessionID); ok {
		pc.Session = st
	}
}

// injectPendingCorrection delivers a pending correction or forced recovery
// into the current tool_result turn, recording it for replay and clearing
// the consumed fields.
func (p *Preprocessor) injectPendingCorrection(pc *Context) {
	text := pc.Session.PendingForcedRecovery
	kind := "forced_recovery"
	consumed := session.Facts{ForcedRecovery: text}
	if text == "" {
		text = pc.Session.PendingCorrection
		kind = "correction"
		consumed = session.Facts{DriftText: text}
	}
	if text == "" {
		return
	}

	out, ok := rawbody.AppendToLastUserMessage(pc.Body, "\n\n"+text)
	if !ok {
		log.WithField("session", pc.SessionID).Warn("correction injection skipped: malformed body")
		return
	}
	pc.Body = out
	pc.Injection = text
	pc.CorrectionKind = kind

	p.sessions.RecordInjection(pc.SessionID, session.InjectionRecord{
		Position: pc.LastUserIndex,
		Type:     session.InjectionCorrection,
		Preview:  "\n\n" + text,
	})
	p.sessions.CachePreview(pc.SessionID, pc.MessageCount, "\n\n"+text)
	p.clearConsumedPending(pc, consumed)
}

// stageRetry replays the cached preview for a repeated request so retries
// stay byte-identical to the attempt the upstream already saw.
func (p *Preprocessor) stageRetry(_ context.Context, pc *Context) {
	if pc.Class != ClassRetry {
		return
	}
	pc.Done = true

	preview, ok := p.sessions.CachedPreview(pc.SessionID, pc.MessageCount)
	if !ok || preview == "" {
		return
	}
	out, applied := rawbody.AppendToMessageAt(pc.Body, pc.LastUserIndex, preview)
	if !applied {
		log.WithField("session", pc.SessionID).Warn("retry preview replay skipped")
		return
	}
	pc.Body = out
	pc.Injection = strings.TrimPrefix(preview, "\n\n")
}
