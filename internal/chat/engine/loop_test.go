package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// scriptedCompleter returns one scripted completion per model call and
// records what it was asked.
type scriptedCompleter struct {
	completions []*Completion
	deltas      [][]string

	calls       int
	seenAgents  []string
	transcripts [][]TranscriptEntry
}

func (c *scriptedCompleter) Complete(_ context.Context, agent *Agent, transcript []TranscriptEntry, onDelta func(string)) (*Completion, error) {
	i := c.calls
	c.calls++
	c.seenAgents = append(c.seenAgents, agent.Name)
	c.transcripts = append(c.transcripts, append([]TranscriptEntry(nil), transcript...))
	if i >= len(c.completions) {
		return nil, fmt.Errorf("no scripted completion for call %d", i)
	}
	if i < len(c.deltas) {
		for _, d := range c.deltas[i] {
			onDelta(d)
		}
	}
	return c.completions[i], nil
}

func testAgents(t *testing.T) *AgentSet {
	t.Helper()
	set, err := ParseAgents([]byte(sampleAgents))
	if err != nil {
		t.Fatalf("ParseAgents error: %v", err)
	}
	return set
}

func drainRun(t *testing.T, events <-chan Event, errCh <-chan error) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Fatalf("engine error channel: %v", err)
	}
	return out
}

func TestRunTextOnly(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{{Text: "Hello"}},
		deltas:      [][]string{{"Hel", "lo"}},
	}
	loop, err := NewLoop(comp, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}

	events, errCh, err := loop.Run(context.Background(), Request{ThreadID: "th_1"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	want := []Event{
		TextDelta{Delta: "Hel"},
		TextDelta{Delta: "lo"},
		TextDone{Text: "Hello"},
		TurnDone{},
	}
	if len(got) != len(want) {
		t.Fatalf("events got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] got=%#v want=%#v", i, got[i], want[i])
		}
	}
	if comp.seenAgents[0] != "triage" {
		t.Fatalf("agent got=%q want=%q", comp.seenAgents[0], "triage")
	}
}

func TestRunServerToolCall(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "call_1", Name: "lookup_account", Arguments: map[string]any{"email": "a@b.c"}}}},
			{Text: "Found it."},
		},
	}
	executed := 0
	loop, err := NewLoop(comp, testAgents(t), func(o *LoopOptions) {
		o.Tools = map[string]ToolFunc{
			"lookup_account": func(_ context.Context, args map[string]any) (any, error) {
				executed++
				return map[string]any{"account": args["email"]}, nil
			},
		}
	})
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}

	events, errCh, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	if executed != 1 {
		t.Fatalf("tool executions got=%d want=1", executed)
	}
	issued, ok := got[0].(ToolCallIssued)
	if !ok || issued.Name != "lookup_account" || issued.ClientSide {
		t.Fatalf("events[0] got=%#v want server-side ToolCallIssued", got[0])
	}
	if _, ok := got[1].(ToolCallOutput); !ok {
		t.Fatalf("events[1] got=%#v want ToolCallOutput", got[1])
	}

	// the second model call must see the tool result in its transcript
	last := comp.transcripts[1][len(comp.transcripts[1])-1]
	if last.Role != RoleTool || last.CallID != "call_1" {
		t.Fatalf("second transcript tail got=%+v want tool entry for call_1", last)
	}
}

func TestRunUnknownToolReportsErrorOutput(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "c", Name: "lookup_account"}}},
			{Text: "sorry"},
		},
	}
	loop, err := NewLoop(comp, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	events, errCh, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	out, ok := got[1].(ToolCallOutput)
	if !ok {
		t.Fatalf("events[1] got=%#v want ToolCallOutput", got[1])
	}
	m, ok := out.Output.(map[string]any)
	if !ok || m["error"] == nil {
		t.Fatalf("unknown tool output got=%#v want error map", out.Output)
	}
}

func TestRunClientSideToolEndsTurn(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "c1", Name: "get_location"}}},
		},
	}
	loop, err := NewLoop(comp, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	events, errCh, err := loop.Run(context.Background(), Request{Agent: "billing"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	if len(got) != 2 {
		t.Fatalf("events got=%v want issued+turn done", got)
	}
	issued, ok := got[0].(ToolCallIssued)
	if !ok || !issued.ClientSide {
		t.Fatalf("events[0] got=%#v want client-side ToolCallIssued", got[0])
	}
	if _, ok := got[1].(TurnDone); !ok {
		t.Fatalf("events[1] got=%#v want TurnDone", got[1])
	}
	if comp.calls != 1 {
		t.Fatalf("model calls got=%d want=1 (run suspends on client tool)", comp.calls)
	}
}

func TestRunHandoffSwitchesAgent(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "h1", Name: "handoff_to_billing"}}},
			{Text: "Billing here."},
		},
	}
	loop, err := NewLoop(comp, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	events, errCh, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	issued, ok := got[0].(HandoffIssued)
	if !ok || issued.From != "triage" || issued.To != "billing" {
		t.Fatalf("events[0] got=%#v want HandoffIssued triage->billing", got[0])
	}
	if _, ok := got[1].(HandoffOutput); !ok {
		t.Fatalf("events[1] got=%#v want HandoffOutput", got[1])
	}
	if comp.seenAgents[1] != "billing" {
		t.Fatalf("second call agent got=%q want=%q", comp.seenAgents[1], "billing")
	}
}

func TestRunApprovalInterrupts(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "call_r", Name: "issue_refund", Arguments: map[string]any{"amount": 10.0}}}},
		},
	}
	loop, err := NewLoop(comp, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	events, errCh, err := loop.Run(context.Background(), Request{Agent: "billing"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	if len(got) != 1 {
		t.Fatalf("events got=%v want one ApprovalRequired", got)
	}
	appr, ok := got[0].(ApprovalRequired)
	if !ok {
		t.Fatalf("events[0] got=%#v want ApprovalRequired", got[0])
	}
	if appr.CallID != "call_r" || appr.Name != "issue_refund" || appr.AgentName != "billing" {
		t.Fatalf("approval got=%+v", appr)
	}
	snap, err := DecodeSnapshot(appr.State)
	if err != nil {
		t.Fatalf("DecodeSnapshot error: %v", err)
	}
	if snap.Agent != "billing" || snap.Pending.ID != "call_r" {
		t.Fatalf("snapshot got agent=%q pending=%q", snap.Agent, snap.Pending.ID)
	}
}

func approvalState(t *testing.T, loop *Loop) []byte {
	t.Helper()
	events, errCh, err := loop.Run(context.Background(), Request{Agent: "billing"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)
	appr, ok := got[len(got)-1].(ApprovalRequired)
	if !ok {
		t.Fatalf("last event got=%#v want ApprovalRequired", got[len(got)-1])
	}
	return appr.State
}

func TestResumeApproveExecutesPendingTool(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "call_r", Name: "issue_refund"}}},
			{Text: "Refund issued."},
		},
	}
	executed := 0
	loop, err := NewLoop(comp, testAgents(t), func(o *LoopOptions) {
		o.Tools = map[string]ToolFunc{
			"issue_refund": func(context.Context, map[string]any) (any, error) {
				executed++
				return "ok", nil
			},
		}
	})
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	state := approvalState(t, loop)

	events, errCh, err := loop.Resume(context.Background(), state,
		Decision{Type: DecisionApprove, ToolCallID: "call_r"})
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	got := drainRun(t, events, errCh)

	if executed != 1 {
		t.Fatalf("tool executions got=%d want=1", executed)
	}
	out, ok := got[0].(ToolCallOutput)
	if !ok || out.CallID != "call_r" || out.Output != "ok" {
		t.Fatalf("events[0] got=%#v want ToolCallOutput call_r", got[0])
	}
	if done, ok := got[len(got)-2].(TextDone); !ok || done.Text != "Refund issued." {
		t.Fatalf("tail got=%#v want TextDone", got[len(got)-2])
	}
}

func TestResumeRejectSkipsTool(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "call_r", Name: "issue_refund"}}},
			{Text: "Understood."},
		},
	}
	executed := 0
	loop, err := NewLoop(comp, testAgents(t), func(o *LoopOptions) {
		o.Tools = map[string]ToolFunc{
			"issue_refund": func(context.Context, map[string]any) (any, error) {
				executed++
				return "ok", nil
			},
		}
	})
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	state := approvalState(t, loop)

	events, errCh, err := loop.Resume(context.Background(), state,
		Decision{Type: DecisionReject, ToolCallID: "call_r"})
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	got := drainRun(t, events, errCh)

	if executed != 0 {
		t.Fatalf("tool executions got=%d want=0", executed)
	}
	out, ok := got[0].(ToolCallOutput)
	if !ok || out.Output != "rejected" {
		t.Fatalf("events[0] got=%#v want rejected ToolCallOutput", got[0])
	}
}

func TestResumeRejectsMismatchedToolCallID(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "call_r", Name: "issue_refund"}}},
		},
	}
	loop, err := NewLoop(comp, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	state := approvalState(t, loop)

	if _, _, err := loop.Resume(context.Background(), state,
		Decision{Type: DecisionApprove, ToolCallID: "call_other"}); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Resume err got=%v want ErrNoCheckpoint", err)
	}
}

func TestRunUnknownAgentFailsFast(t *testing.T) {
	t.Parallel()

	loop, err := NewLoop(&scriptedCompleter{}, testAgents(t))
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	if _, _, err := loop.Run(context.Background(), Request{Agent: "ghost"}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Run err got=%v want ErrUnknownAgent", err)
	}
}

func TestRunTurnLimitFailure(t *testing.T) {
	t.Parallel()

	comp := &scriptedCompleter{
		completions: []*Completion{
			{Calls: []TranscriptCall{{ID: "c1", Name: "lookup_account"}}},
			{Calls: []TranscriptCall{{ID: "c2", Name: "lookup_account"}}},
		},
	}
	loop, err := NewLoop(comp, testAgents(t), func(o *LoopOptions) {
		o.MaxTurns = 2
	})
	if err != nil {
		t.Fatalf("NewLoop error: %v", err)
	}
	events, errCh, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := drainRun(t, events, errCh)

	fail, ok := got[len(got)-1].(Failure)
	if !ok {
		t.Fatalf("last event got=%#v want Failure", got[len(got)-1])
	}
	if fail.Err == nil {
		t.Fatalf("failure without error")
	}
}

func TestParseArguments(t *testing.T) {
	t.Parallel()

	if got := ParseArguments(""); len(got) != 0 {
		t.Fatalf("empty args got=%v want empty map", got)
	}
	got := ParseArguments(`{"a":1}`)
	if got["a"] != 1.0 {
		t.Fatalf("args got=%v", got)
	}
	raw := ParseArguments("{not json")
	if raw["_raw"] != "{not json" {
		t.Fatalf("malformed args got=%v want _raw passthrough", raw)
	}
}
