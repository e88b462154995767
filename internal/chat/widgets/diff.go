package widgets

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvariant marks a widget update that breaks the streaming protocol:
// a streaming leaf that was not part of the initial render, or a value update
// that is not a pure append. These are data/ordering bugs, not user errors.
var ErrInvariant = errors.New("widget protocol invariant violation")

// Delta is one incremental widget update.
type Delta interface {
	DeltaType() string
	isWidgetDelta()
}

// RootUpdated replaces the whole rendered tree.
type RootUpdated struct {
	Type   string `json:"type"`
	Widget Node   `json:"widget"`
}

func (d *RootUpdated) DeltaType() string { return "widget.root.updated" }
func (d *RootUpdated) isWidgetDelta()    {}

// StreamingTextDelta appends a suffix to one streaming text leaf. Done is set
// when the leaf stopped streaming with this update.
type StreamingTextDelta struct {
	Type        string `json:"type"`
	ComponentID string `json:"component_id"`
	Delta       string `json:"delta"`
	Done        bool   `json:"done"`
}

func (d *StreamingTextDelta) DeltaType() string { return "widget.streaming_text.value_delta" }
func (d *StreamingTextDelta) isWidgetDelta()    {}

// Diff computes the ordered minimal deltas that turn the before tree into the
// after tree. Structural changes collapse into a single root replacement;
// otherwise each streaming text leaf yields at most one append delta.
func Diff(before Node, after Node) ([]Delta, error) {
	if before == nil || after == nil {
		return nil, errors.New("nil widget tree")
	}
	if fullReplace(before, after) {
		return []Delta{&RootUpdated{Type: "widget.root.updated", Widget: after}}, nil
	}

	beforeLeaves := map[string]streamLeaf{}
	collectStreamLeaves(before, beforeLeaves, nil)
	afterLeaves := map[string]streamLeaf{}
	var afterOrder []string
	collectStreamLeaves(after, afterLeaves, &afterOrder)

	var out []Delta
	for _, id := range afterOrder {
		a := afterLeaves[id]
		b, ok := beforeLeaves[id]
		if !ok {
			return nil, fmt.Errorf("%w: streaming node %q introduced without appearing in the initial render", ErrInvariant, id)
		}
		if a.value == b.value {
			if b.streaming && !a.streaming {
				// the value never grew but the leaf stopped streaming; the
				// client still needs the terminal signal
				out = append(out, &StreamingTextDelta{
					Type:        "widget.streaming_text.value_delta",
					ComponentID: id,
					Done:        true,
				})
			}
			continue
		}
		if !strings.HasPrefix(a.value, b.value) {
			return nil, fmt.Errorf("%w: update to node %q is not a prefix extension of the prior value", ErrInvariant, id)
		}
		out = append(out, &StreamingTextDelta{
			Type:        "widget.streaming_text.value_delta",
			ComponentID: id,
			Delta:       a.value[len(b.value):],
			Done:        !a.streaming,
		})
	}
	return out, nil
}

type streamLeaf struct {
	value     string
	streaming bool
}

// collectStreamLeaves gathers Text/Markdown leaves that carry an id, in
// document order when order is non-nil.
func collectStreamLeaves(n Node, into map[string]streamLeaf, order *[]string) {
	switch v := n.(type) {
	case *Text:
		if v.ID != "" {
			if _, seen := into[v.ID]; !seen && order != nil {
				*order = append(*order, v.ID)
			}
			into[v.ID] = streamLeaf{value: v.Value, streaming: v.Streaming}
		}
	case *Markdown:
		if v.ID != "" {
			if _, seen := into[v.ID]; !seen && order != nil {
				*order = append(*order, v.ID)
			}
			into[v.ID] = streamLeaf{value: v.Value, streaming: v.Streaming}
		}
	case *Container:
		for _, child := range v.Children {
			collectStreamLeaves(child, into, order)
		}
	}
}

// fullReplace reports whether the two trees differ in a way that cannot be
// expressed as streaming text appends. Type, id, or key changes always force
// a replace; so does any non-text field change or a child list of a different
// shape. Value changes on id-carrying Text/Markdown leaves never force a
// replace: those leaves stream, and Diff's per-leaf pass validates them
// against the append-only invariant instead.
func fullReplace(before Node, after Node) bool {
	if before.NodeType() != after.NodeType() ||
		before.NodeID() != after.NodeID() ||
		before.NodeKey() != after.NodeKey() {
		return true
	}
	switch b := before.(type) {
	case *Container:
		a := after.(*Container)
		if b.Padding != a.Padding || b.Gap != a.Gap || b.Radius != a.Radius ||
			b.Background != a.Background || b.Align != a.Align {
			return true
		}
		if !equalActionButton(b.Confirm, a.Confirm) || !equalActionButton(b.Cancel, a.Cancel) {
			return true
		}
		if len(b.Children) != len(a.Children) {
			return true
		}
		for i := range b.Children {
			if fullReplace(b.Children[i], a.Children[i]) {
				return true
			}
		}
		return false
	case *Text:
		a := after.(*Text)
		if b.Weight != a.Weight || b.Size != a.Size || b.Color != a.Color {
			return true
		}
		if b.ID != "" {
			return false
		}
		return b.Value != a.Value
	case *Markdown:
		a := after.(*Markdown)
		if b.ID != "" {
			return false
		}
		return b.Value != a.Value
	case *Title:
		a := after.(*Title)
		return b.Value != a.Value || b.Size != a.Size || b.Weight != a.Weight
	default:
		return true
	}
}

func equalActionButton(a *ActionButton, b *ActionButton) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Label != b.Label || a.Action.Type != b.Action.Type || a.Action.Handler != b.Action.Handler {
		return false
	}
	if len(a.Action.Payload) != len(b.Action.Payload) {
		return false
	}
	for k, v := range a.Action.Payload {
		if fmt.Sprint(b.Action.Payload[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
