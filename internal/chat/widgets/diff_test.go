package widgets

import (
	"errors"
	"testing"
)

func streamingCard(value string, streaming bool) *Container {
	leaf := NewMarkdown(value)
	leaf.ID = "body"
	leaf.Streaming = streaming
	return NewCard(NewCol(NewTitle("Result"), leaf))
}

func TestDiffIdenticalTrees(t *testing.T) {
	t.Parallel()

	w := streamingCard("Hello world", false)
	deltas, err := Diff(w, streamingCard("Hello world", false))
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("Diff len(deltas) got=%d want=0", len(deltas))
	}
}

func TestDiffPrefixExtension(t *testing.T) {
	t.Parallel()

	before := streamingCard("Hel", true)
	after := streamingCard("Hello", true)

	deltas, err := Diff(before, after)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("Diff len(deltas) got=%d want=1", len(deltas))
	}
	d, ok := deltas[0].(*StreamingTextDelta)
	if !ok {
		t.Fatalf("Diff delta type got=%T want=*StreamingTextDelta", deltas[0])
	}
	if d.ComponentID != "body" {
		t.Fatalf("ComponentID got=%q want=%q", d.ComponentID, "body")
	}
	if d.Delta != "lo" {
		t.Fatalf("Delta got=%q want=%q", d.Delta, "lo")
	}
	if d.Done {
		t.Fatalf("Done got=true want=false while the leaf is still streaming")
	}
}

func TestDiffDoneFollowsStreamingFlag(t *testing.T) {
	t.Parallel()

	deltas, err := Diff(streamingCard("Hel", true), streamingCard("Hello", false))
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("Diff len(deltas) got=%d want=1", len(deltas))
	}
	if d := deltas[0].(*StreamingTextDelta); !d.Done {
		t.Fatalf("Done got=false want=true after streaming stopped")
	}
}

func TestDiffClosesUnchangedStreamingLeaf(t *testing.T) {
	t.Parallel()

	deltas, err := Diff(streamingCard("", true), streamingCard("", false))
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("Diff len(deltas) got=%d want=1", len(deltas))
	}
	d, ok := deltas[0].(*StreamingTextDelta)
	if !ok {
		t.Fatalf("Diff delta type got=%T want=*StreamingTextDelta", deltas[0])
	}
	if d.Delta != "" || !d.Done {
		t.Fatalf("delta got=(%q,done=%v) want empty terminal delta", d.Delta, d.Done)
	}
}

func TestDiffPlainLeafValueChangeReplacesRoot(t *testing.T) {
	t.Parallel()

	mk := func(label string) *Container {
		return NewCard(NewCol(NewText(label)))
	}

	// a leaf without an id cannot stream, so any value change replaces
	deltas, err := Diff(mk("pending"), mk("done"))
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("Diff len(deltas) got=%d want=1", len(deltas))
	}
	if _, ok := deltas[0].(*RootUpdated); !ok {
		t.Fatalf("Diff delta type got=%T want=*RootUpdated", deltas[0])
	}
}

func TestDiffNonPrefixRaises(t *testing.T) {
	t.Parallel()

	_, err := Diff(streamingCard("Hello", true), streamingCard("World", true))
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("Diff err got=%v want ErrInvariant", err)
	}
}

func TestDiffIntroducedLeafReplacesRoot(t *testing.T) {
	t.Parallel()

	before := NewCard(NewCol(NewTitle("Result")))
	leaf := NewMarkdown("hi")
	leaf.ID = "late"
	leaf.Streaming = true
	after := NewCard(NewCol(NewTitle("Result"), leaf))

	// the child list changed shape, so this collapses to a root replace
	deltas, err := Diff(before, after)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("Diff len(deltas) got=%d want=1", len(deltas))
	}
	if _, ok := deltas[0].(*RootUpdated); !ok {
		t.Fatalf("Diff delta type got=%T want=*RootUpdated", deltas[0])
	}
}

func TestDiffStructuralChangeReplacesRoot(t *testing.T) {
	t.Parallel()

	before := streamingCard("Hello", true)
	after := streamingCard("Hello", true)
	after.Key = "other"

	deltas, err := Diff(before, after)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("Diff len(deltas) got=%d want=1", len(deltas))
	}
	root, ok := deltas[0].(*RootUpdated)
	if !ok {
		t.Fatalf("Diff delta type got=%T want=*RootUpdated", deltas[0])
	}
	if root.Widget != Node(after) {
		t.Fatalf("RootUpdated carries a different tree than after")
	}
}

func TestDiffMultipleLeavesInDocumentOrder(t *testing.T) {
	t.Parallel()

	mk := func(first, second string) *Container {
		a := NewText(first)
		a.ID = "first"
		a.Streaming = true
		b := NewMarkdown(second)
		b.ID = "second"
		b.Streaming = true
		return NewCard(NewCol(a, b))
	}

	deltas, err := Diff(mk("a", "x"), mk("ab", "xy"))
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("Diff len(deltas) got=%d want=2", len(deltas))
	}
	if d := deltas[0].(*StreamingTextDelta); d.ComponentID != "first" || d.Delta != "b" {
		t.Fatalf("deltas[0] got=(%q,%q) want=(first,b)", d.ComponentID, d.Delta)
	}
	if d := deltas[1].(*StreamingTextDelta); d.ComponentID != "second" || d.Delta != "y" {
		t.Fatalf("deltas[1] got=(%q,%q) want=(second,y)", d.ComponentID, d.Delta)
	}
}

func TestApprovalCardActions(t *testing.T) {
	t.Parallel()

	card := ApprovalCard("triage", "delete_file", map[string]any{"path": "/tmp/x"}, "call_1", "wgt_1")
	if card.Confirm == nil || card.Cancel == nil {
		t.Fatalf("ApprovalCard is missing confirm/cancel actions")
	}
	if got := card.Confirm.Action.Type; got != ActionApproveToolCall {
		t.Fatalf("confirm action type got=%q want=%q", got, ActionApproveToolCall)
	}
	if got := card.Cancel.Action.Type; got != ActionRejectToolCall {
		t.Fatalf("cancel action type got=%q want=%q", got, ActionRejectToolCall)
	}
	for _, btn := range []*ActionButton{card.Confirm, card.Cancel} {
		if got := btn.Action.Payload["tool_call_id"]; got != "call_1" {
			t.Fatalf("payload tool_call_id got=%v want=call_1", got)
		}
		if got := btn.Action.Payload["item_id"]; got != "wgt_1" {
			t.Fatalf("payload item_id got=%v want=wgt_1", got)
		}
	}
}
