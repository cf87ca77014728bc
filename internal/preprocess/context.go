// Package preprocess orchestrates the per-request mutation pipeline: tool
// injection, conversation wipe on scheduled or token-triggered clears,
// injection replay for prompt-cache prefix stability, memory preview
// injection, drift checking with escalating corrections, and retry replay.
//
// The pipeline is an explicit ordered list of named stages over a Context
// side-channel struct. Metadata never rides inside the JSON body, so nothing
// internal can leak upstream.
package preprocess

import "github.com/steersman-proxy/steersman/internal/session"

// Class categorizes an inbound request relative to the session's history.
type Class string

const (
	// ClassWarmup is the client's cache-warming probe.
	ClassWarmup Class = "warmup"
	// ClassFirstTurn starts a new exchange with a fresh user instruction.
	ClassFirstTurn Class = "first_turn"
	// ClassContinuation carries tool results back into the agent loop.
	ClassContinuation Class = "continuation"
	// ClassRetry repeats a request the client already sent this turn.
	ClassRetry Class = "retry"
)

// Context carries one request through the pipeline. It is the side channel
// between stages; the JSON body itself never holds pipeline metadata.
type Context struct {
	// Body is the (mutated) request body.
	Body []byte

	SessionID   string
	ProjectPath string

	// Session is a snapshot taken at the start of the pass. Stages that
	// mutate session state go through the manager, then refresh this.
	Session session.State

	Class Class

	// Instruction is the latest user text content.
	Instruction string

	// MessageCount is the length of the messages array on arrival.
	MessageCount int

	// LastUserIndex is the index of the last user message, captured before
	// reconstruction so replayed turns keep their original positions.
	LastUserIndex int

	// ReconstructedCount is how many injection records were replayed.
	ReconstructedCount int

	// Injection is the user-message injection text computed this pass.
	Injection string

	// NewSteps is how many steps were extracted from this request.
	NewSteps int

	// DriftLevel is the correction level of a drift check run this pass.
	DriftLevel string

	// CorrectionKind is "correction" or "forced_recovery" when one was
	// injected this pass.
	CorrectionKind string

	// MemoryOutcome is "hit", "empty" or "error" after a memory lookup.
	MemoryOutcome string

	// Done short-circuits the remaining stages.
	Done bool
}
