package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const handoffToolPrefix = "handoff_to_"

// defaultMaxTurns bounds the number of model round trips in a single
// run so a misbehaving model cannot loop forever.
const defaultMaxTurns = 12

// ToolFunc executes a server-side tool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Completion is a provider's full response for one model turn.
type Completion struct {
	Text  string
	Calls []TranscriptCall
}

// Completer is the provider-specific half of an engine: one model call
// over a normalized transcript, streaming text via onDelta.
type Completer interface {
	Complete(ctx context.Context, agent *Agent, transcript []TranscriptEntry, onDelta func(string)) (*Completion, error)
}

// LoopOptions configure a Loop.
type LoopOptions struct {
	// MaxTurns bounds model round trips per run. Zero uses the default.
	MaxTurns int

	// Tools maps tool names to server-side implementations. Tools
	// without an entry report an error output to the model.
	Tools map[string]ToolFunc
}

// Loop drives the agent run over any Completer: it keeps the
// transcript, executes or surfaces tool calls, follows handoffs, and
// interrupts on approval-gated tools.
type Loop struct {
	completer Completer
	agents    *AgentSet
	opts      LoopOptions
}

var _ Engine = (*Loop)(nil)

// NewLoop builds an Engine from a provider Completer and an agent set.
func NewLoop(completer Completer, agents *AgentSet, optFns ...func(o *LoopOptions)) (*Loop, error) {
	if completer == nil {
		return nil, errors.New("nil completer")
	}
	if agents == nil || len(agents.Agents) == 0 {
		return nil, errors.New("no agents configured")
	}
	opts := LoopOptions{MaxTurns: defaultMaxTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	return &Loop{completer: completer, agents: agents, opts: opts}, nil
}

func (l *Loop) Run(ctx context.Context, req Request) (<-chan Event, <-chan error, error) {
	agent, err := l.agents.Lookup(req.Agent)
	if err != nil {
		return nil, nil, err
	}
	snap := &Snapshot{
		Agent:      agent.Name,
		Transcript: TranscriptFromItems(req.Items),
	}
	return l.start(ctx, snap, nil), noError(), nil
}

func (l *Loop) Resume(ctx context.Context, state []byte, decision Decision) (<-chan Event, <-chan error, error) {
	snap, err := DecodeSnapshot(state)
	if err != nil {
		return nil, nil, err
	}
	if decision.ToolCallID != "" && decision.ToolCallID != snap.Pending.ID {
		return nil, nil, fmt.Errorf("%w: decision is for call %q, checkpoint holds %q", ErrNoCheckpoint, decision.ToolCallID, snap.Pending.ID)
	}
	return l.start(ctx, snap, &decision), noError(), nil
}

// noError returns a closed error channel. The loop reports failures as
// events on the event channel's companion instead; keeping the channel
// contract uniform simplifies callers.
func noError() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}

func (l *Loop) start(ctx context.Context, snap *Snapshot, decision *Decision) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		l.run(ctx, snap, decision, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, snap *Snapshot, decision *Decision, out chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if decision != nil {
		pending := snap.Pending
		snap.Pending = TranscriptCall{}
		switch decision.Type {
		case DecisionApprove:
			output := l.execTool(ctx, pending)
			snap.Transcript = append(snap.Transcript,
				TranscriptEntry{Role: RoleTool, CallID: pending.ID, Output: stringifyOutput(output)})
			if !emit(ToolCallOutput{CallID: pending.ID, Name: pending.Name, Output: output}) {
				return
			}
		default:
			snap.Transcript = append(snap.Transcript,
				TranscriptEntry{Role: RoleTool, CallID: pending.ID, Output: "The user rejected this tool call. Do not retry it."})
			if !emit(ToolCallOutput{CallID: pending.ID, Name: pending.Name, Output: "rejected"}) {
				return
			}
		}
	}

	for turn := 0; turn < l.opts.MaxTurns; turn++ {
		agent, err := l.agents.Lookup(snap.Agent)
		if err != nil {
			emit(runFailure(err))
			return
		}

		comp, err := l.completer.Complete(ctx, agent, snap.Transcript, func(delta string) {
			emit(TextDelta{Delta: delta})
		})
		if err != nil {
			emit(runFailure(err))
			return
		}

		entry := TranscriptEntry{Role: RoleAssistant, Text: comp.Text, Calls: comp.Calls}
		snap.Transcript = append(snap.Transcript, entry)
		if comp.Text != "" {
			if !emit(TextDone{Text: comp.Text}) {
				return
			}
		}
		if len(comp.Calls) == 0 {
			emit(TurnDone{})
			return
		}

		for _, call := range comp.Calls {
			if call.ID == "" {
				call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
			}

			if target, ok := handoffTarget(agent, call.Name); ok {
				if !emit(HandoffIssued{CallID: call.ID, From: agent.Name, To: target}) {
					return
				}
				snap.Transcript = append(snap.Transcript,
					TranscriptEntry{Role: RoleTool, CallID: call.ID, Output: "Transferred to " + target + "."})
				snap.Agent = target
				if !emit(HandoffOutput{CallID: call.ID, From: agent.Name, To: target, Output: "transferred"}) {
					return
				}
				continue
			}

			def, known := agent.Tool(call.Name)
			if known && def.RequiresApproval {
				snap.Pending = call
				state, err := snap.Encode()
				if err != nil {
					emit(runFailure(err))
					return
				}
				emit(ApprovalRequired{
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: call.Arguments,
					AgentName: agent.Name,
					State:     state,
				})
				return
			}
			if known && def.ClientSide {
				emit(ToolCallIssued{CallID: call.ID, Name: call.Name, Arguments: call.Arguments, ClientSide: true})
				emit(TurnDone{})
				return
			}

			if !emit(ToolCallIssued{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}) {
				return
			}
			output := l.execTool(ctx, call)
			snap.Transcript = append(snap.Transcript,
				TranscriptEntry{Role: RoleTool, CallID: call.ID, Output: stringifyOutput(output)})
			if !emit(ToolCallOutput{CallID: call.ID, Name: call.Name, Output: output}) {
				return
			}
		}
	}

	emit(runFailure(fmt.Errorf("run exceeded %d turns", l.opts.MaxTurns)))
}

func (l *Loop) execTool(ctx context.Context, call TranscriptCall) any {
	fn, ok := l.opts.Tools[call.Name]
	if !ok {
		return map[string]any{"error": fmt.Sprintf("tool %q is not available", call.Name)}
	}
	output, err := fn(ctx, call.Arguments)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return output
}

func handoffTarget(agent *Agent, toolName string) (string, bool) {
	if !strings.HasPrefix(toolName, handoffToolPrefix) {
		return "", false
	}
	target := strings.TrimPrefix(toolName, handoffToolPrefix)
	for _, h := range agent.Handoffs {
		if h == target {
			return target, true
		}
	}
	return "", false
}

// HandoffToolDefs synthesizes one tool per handoff target so providers
// can offer transfers to the model alongside the agent's own tools.
func HandoffToolDefs(agent *Agent) []ToolDef {
	if agent == nil || len(agent.Handoffs) == 0 {
		return nil
	}
	defs := make([]ToolDef, 0, len(agent.Handoffs))
	for _, h := range agent.Handoffs {
		defs = append(defs, ToolDef{
			Name:        handoffToolPrefix + h,
			Description: "Transfer the conversation to the " + h + " agent.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}
	return defs
}

// Failure is delivered on the event channel when a run aborts. Keeping
// errors in-band preserves event ordering for the consumer.
type Failure struct {
	Err error
}

func (Failure) isEngineEvent() {}

func runFailure(err error) Failure { return Failure{Err: err} }

// ParseArguments decodes a provider's raw JSON arguments string,
// tolerating empty and malformed payloads.
func ParseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
