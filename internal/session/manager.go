package session

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxSteps bounds the retained step ring per session.
const DefaultMaxSteps = 50

// Manager owns the session registry. The registry map is guarded by its own
// lock; each session additionally carries a turn mutex so concurrent
// requests for the same session (overlapping retries) are serialized for
// their whole preprocessing pass while different sessions never block each
// other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	maxSteps       int
	maxEscalations int
}

type entry struct {
	// turnMu serializes whole preprocessing passes for one session.
	turnMu sync.Mutex
	// mu guards the fields below for individual accessor calls.
	mu           sync.Mutex
	state        State
	steps        []StepRecord
	injections   []InjectionRecord
	previewCache map[int]string
	delta        *DeltaTracker
}

// NewManager creates a session manager. maxEscalations caps the escalation
// counter; maxSteps bounds the step ring (0 means DefaultMaxSteps).
func NewManager(maxEscalations, maxSteps int) *Manager {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if maxEscalations <= 0 {
		maxEscalations = 3
	}
	return &Manager{
		sessions:       make(map[string]*entry),
		maxSteps:       maxSteps,
		maxEscalations: maxEscalations,
	}
}

// MaxEscalations returns the configured escalation ceiling.
func (m *Manager) MaxEscalations() int { return m.maxEscalations }

func (m *Manager) get(id string) (*entry, bool) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	return e, ok
}

func (m *Manager) getOrCreate(id, projectPath string) *entry {
	if e, ok := m.get(id); ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		return e
	}
	now := time.Now()
	e := &entry{
		state: State{
			SessionID:   id,
			ProjectPath: projectPath,
			Status:      StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		previewCache: make(map[int]string),
		delta:        NewDeltaTracker(),
	}
	m.sessions[id] = e
	log.WithFields(log.Fields{"session_id": id, "project": projectPath}).Debug("session created")
	return e
}

// GetOrCreate returns a snapshot of the session, creating it when absent.
func (m *Manager) GetOrCreate(id, projectPath string) State {
	e := m.getOrCreate(id, projectPath)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Get returns a snapshot of an existing session. Absence is a normal,
// handled case: it simply means "no prior context".
func (m *Manager) Get(id string) (State, bool) {
	e, ok := m.get(id)
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// LockTurn serializes a whole preprocessing pass for one session. The
// returned function releases the lock.
func (m *Manager) LockTurn(id, projectPath string) func() {
	e := m.getOrCreate(id, projectPath)
	e.turnMu.Lock()
	return e.turnMu.Unlock
}

// Update applies a partial update, merging only the provided fields and
// refreshing UpdatedAt. Returns false when the session does not exist.
func (m *Manager) Update(id string, fields UpdateFields) bool {
	e, ok := m.get(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	if fields.OriginalGoal != nil {
		s.OriginalGoal = *fields.OriginalGoal
	}
	if fields.Constraints != nil {
		s.Constraints = append([]string(nil), (*fields.Constraints)...)
	}
	if fields.TokenCount != nil {
		s.TokenCount = *fields.TokenCount
	}
	if fields.EscalationCount != nil {
		n := *fields.EscalationCount
		if n < 0 {
			n = 0
		}
		if n > m.maxEscalations {
			n = m.maxEscalations
		}
		s.EscalationCount = n
	}
	if fields.PendingCorrection != nil {
		s.PendingCorrection = *fields.PendingCorrection
	}
	if fields.PendingForcedRecovery != nil {
		s.PendingForcedRecovery = *fields.PendingForcedRecovery
	}
	if fields.PendingClearSummary != nil {
		s.PendingClearSummary = *fields.PendingClearSummary
	}
	if fields.Status != nil {
		s.Status = *fields.Status
	}
	if fields.LastMessageCount != nil {
		s.LastMessageCount = *fields.LastMessageCount
	}
	if fields.WasCleared != nil {
		s.WasCleared = *fields.WasCleared
	}
	s.UpdatedAt = time.Now()
	return true
}

// Delete removes a session and all of its attached state.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// AppendStep records an observed agent action, trimming the ring to the
// configured window.
func (m *Manager) AppendStep(id string, step StepRecord) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	step.SessionID = id
	e.steps = append(e.steps, step)
	if len(e.steps) > m.maxSteps {
		e.steps = e.steps[len(e.steps)-m.maxSteps:]
	}
	if step.Action.Modifying() {
		e.state.StepsSinceCheck++
	}
}

// RecentSteps returns up to n most recent steps, oldest first.
func (m *Manager) RecentSteps(id string, n int) []StepRecord {
	e, ok := m.get(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.steps) {
		n = len(e.steps)
	}
	out := make([]StepRecord, n)
	copy(out, e.steps[len(e.steps)-n:])
	return out
}

// ResetStepCounter zeroes the steps-since-last-check counter.
func (m *Manager) ResetStepCounter(id string) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.StepsSinceCheck = 0
	e.mu.Unlock()
}

// BumpEscalation increments the escalation counter up to the ceiling and
// returns the new value together with whether the ceiling was hit.
func (m *Manager) BumpEscalation(id string) (int, bool) {
	e, ok := m.get(id)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.EscalationCount < m.maxEscalations {
		e.state.EscalationCount++
	}
	e.state.UpdatedAt = time.Now()
	return e.state.EscalationCount, e.state.EscalationCount >= m.maxEscalations
}

// ResetEscalation zeroes the escalation counter once alignment is restored.
func (m *Manager) ResetEscalation(id string) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state.EscalationCount != 0 {
		log.WithField("session_id", id).Debug("escalation reset, alignment restored")
	}
	e.state.EscalationCount = 0
	e.mu.Unlock()
}

// RecordDriftScore appends a score to the session's drift history.
func (m *Manager) RecordDriftScore(id string, score int) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.DriftHistory = append(e.state.DriftHistory, score)
	if len(e.state.DriftHistory) > m.maxSteps {
		e.state.DriftHistory = e.state.DriftHistory[len(e.state.DriftHistory)-m.maxSteps:]
	}
	e.mu.Unlock()
}

// AddTokens accumulates observed token usage and returns the new total.
func (m *Manager) AddTokens(id string, n int) int {
	e, ok := m.get(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.TokenCount += n
	return e.state.TokenCount
}

// RecordInjection appends an injection record for later reconstruction.
func (m *Manager) RecordInjection(id string, rec InjectionRecord) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.injections = append(e.injections, rec)
	e.mu.Unlock()
}

// Injections returns the ordered injection records for a session.
func (m *Manager) Injections(id string) []InjectionRecord {
	e, ok := m.get(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InjectionRecord, len(e.injections))
	copy(out, e.injections)
	return out
}

// ClearInjections drops all injection records, e.g. after a conversation
// wipe when the old prefix can never recur.
func (m *Manager) ClearInjections(id string) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.injections = nil
	e.previewCache = make(map[int]string)
	e.mu.Unlock()
}

// CachePreview stores a computed preview keyed by the request's message
// count so automatic retries reuse it deterministically.
func (m *Manager) CachePreview(id string, messageCount int, preview string) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.previewCache[messageCount] = preview
	e.mu.Unlock()
}

// CachedPreview returns the preview recorded for a message count.
func (m *Manager) CachedPreview(id string, messageCount int) (string, bool) {
	e, ok := m.get(id)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.previewCache[messageCount]
	return p, ok
}

// Delta returns the session's delta tracker, creating the session if needed.
func (m *Manager) Delta(id, projectPath string) *DeltaTracker {
	return m.getOrCreate(id, projectPath).delta
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
