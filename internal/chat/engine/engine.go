// Package engine defines the pluggable agent engine contract.
//
// An Engine turns a conversation history into a stream of raw events:
// text deltas, tool calls, handoffs between agents, and approval
// interruptions. The chat layer adapts these raw events into the
// thread-level protocol; engines know nothing about threads, widgets,
// or the wire format.
package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/threadkit/threadkit/internal/chat/thread"
)

var (
	// ErrUnknownAgent is returned by Run when the requested agent is not
	// registered with the engine.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoCheckpoint is returned by Resume when the provided state blob
	// is empty or cannot be restored.
	ErrNoCheckpoint = errors.New("no resumable run state")
)

// Request describes a single run of an agent over a thread's history.
type Request struct {
	// Agent selects the entry agent by name. Empty selects the engine's
	// default agent.
	Agent string

	// Items is the full persisted history of the thread, oldest first.
	// Hidden context items are included; the engine decides how to feed
	// them to the model.
	Items []thread.Item

	// ThreadID is informational, for logging and tracing.
	ThreadID string
}

// DecisionType is the outcome of an approval interruption.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
)

// Decision resolves a pending tool approval when resuming a run.
type Decision struct {
	Type       DecisionType
	ToolCallID string
}

// Engine produces raw agent events for a request. Implementations must
// close both channels when the run finishes, and send at most one error
// on the error channel; a Failure event is the in-band equivalent for
// engines that prefer to preserve ordering. Run returns an error only
// for failures that occur before any event is produced.
type Engine interface {
	Run(ctx context.Context, req Request) (<-chan Event, <-chan error, error)

	// Resume continues a run previously interrupted by an
	// ApprovalRequired event, from the opaque state that event carried.
	Resume(ctx context.Context, state []byte, decision Decision) (<-chan Event, <-chan error, error)
}

// Event is the sealed union of raw engine events.
type Event interface {
	isEngineEvent()
}

// TextDelta carries an incremental chunk of assistant output text.
type TextDelta struct {
	Delta string
}

// TextDone marks the end of one assistant message. Text is the full
// accumulated message; engines that only emit deltas may leave it empty.
type TextDone struct {
	Text string
}

// TurnDone marks the end of the whole run.
type TurnDone struct{}

// ToolCallIssued reports that the agent invoked a tool. ClientSide
// marks tools that must be executed by the connected UI client rather
// than the server.
type ToolCallIssued struct {
	CallID     string
	Name       string
	Arguments  map[string]any
	ClientSide bool
}

// ToolCallOutput reports the result of a server-side tool execution.
type ToolCallOutput struct {
	CallID string
	Name   string
	Output any
}

// HandoffIssued reports a transfer of control between agents.
type HandoffIssued struct {
	CallID string
	From   string
	To     string
}

// HandoffOutput reports the completion of a handoff transfer.
type HandoffOutput struct {
	CallID string
	From   string
	To     string
	Output any
}

// ApprovalRequired interrupts the run pending a user decision. State is
// the engine's serialized run snapshot; the caller persists it and
// passes it back to Resume.
type ApprovalRequired struct {
	CallID    string
	Name      string
	Arguments map[string]any
	AgentName string
	State     []byte
}

// Unknown wraps an event kind the caller does not recognize. Adapters
// skip these so engines can add event kinds without breaking older
// servers.
type Unknown struct {
	Kind string
}

func (TextDelta) isEngineEvent()        {}
func (TextDone) isEngineEvent()         {}
func (TurnDone) isEngineEvent()         {}
func (ToolCallIssued) isEngineEvent()   {}
func (ToolCallOutput) isEngineEvent()   {}
func (HandoffIssued) isEngineEvent()    {}
func (HandoffOutput) isEngineEvent()    {}
func (ApprovalRequired) isEngineEvent() {}
func (Unknown) isEngineEvent()          {}

// HandoffKey identifies a handoff transfer for deduplication. Engines
// that replay history on resume can surface the same handoff twice; the
// adapter uses this key to render it once.
func HandoffKey(from, to string) string {
	return strings.TrimSpace(from) + "->" + strings.TrimSpace(to)
}
