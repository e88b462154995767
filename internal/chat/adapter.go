package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/threadkit/threadkit/internal/chat/engine"
	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
	"github.com/threadkit/threadkit/internal/chat/widgets"
)

// emitFunc delivers one canonical event downstream. A non-nil error
// aborts the run (typically the client disconnected).
type emitFunc func(StreamEvent) error

// eventAdapter is the state machine that normalizes raw engine events
// into canonical thread events. One adapter serves one response
// generation; its dedup state never leaks across runs.
type eventAdapter struct {
	store       threadstore.Store
	checkpoints *Checkpoints
	log         *slog.Logger

	th        *thread.Thread
	agentName string

	currentItemID    string
	contentPartAdded bool
	accumulated      strings.Builder

	processedHandoffKeys map[string]struct{}
	serverCalls          map[string]*thread.ClientToolCallItem

	interrupted bool
}

func newEventAdapter(store threadstore.Store, checkpoints *Checkpoints, log *slog.Logger, th *thread.Thread, agentName string) *eventAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &eventAdapter{
		store:                store,
		checkpoints:          checkpoints,
		log:                  log,
		th:                   th,
		agentName:            agentName,
		processedHandoffKeys: map[string]struct{}{},
		serverCalls:          map[string]*thread.ClientToolCallItem{},
	}
}

// handle consumes one raw event. stop reports that iteration must end
// now (approval interruption); the caller must not read further engine
// events.
func (a *eventAdapter) handle(ctx context.Context, ev engine.Event, emit emitFunc) (stop bool, err error) {
	switch v := ev.(type) {
	case engine.TextDelta:
		return false, a.onTextDelta(ctx, v.Delta, emit)
	case engine.TextDone:
		return false, a.finishAssistantMessage(ctx, v.Text, emit)
	case engine.TurnDone:
		return false, a.finishAssistantMessage(ctx, "", emit)
	case engine.ToolCallIssued:
		return false, a.onToolCallIssued(ctx, v, emit)
	case engine.ToolCallOutput:
		return false, a.onToolCallOutput(ctx, v, emit)
	case engine.HandoffIssued:
		a.agentName = v.To
		return false, nil
	case engine.HandoffOutput:
		return false, a.onHandoffOutput(ctx, v, emit)
	case engine.ApprovalRequired:
		return true, a.onApprovalRequired(ctx, v, emit)
	case engine.Failure:
		return true, v.Err
	case engine.Unknown:
		a.log.Debug("ignoring unknown engine event", "kind", v.Kind)
		return false, nil
	default:
		// unrecognized shapes are skipped for forward compatibility
		return false, nil
	}
}

// finish flushes any in-flight assistant message at stream end.
func (a *eventAdapter) finish(ctx context.Context, emit emitFunc) error {
	if a.interrupted || a.currentItemID == "" {
		return nil
	}
	return a.finishAssistantMessage(ctx, "", emit)
}

func (a *eventAdapter) onTextDelta(ctx context.Context, delta string, emit emitFunc) error {
	if delta == "" {
		return nil
	}
	if a.currentItemID == "" {
		a.currentItemID = a.store.GenerateItemID(ctx, thread.ItemTypeAssistantMessage, a.th.ID)
		a.contentPartAdded = false
		a.accumulated.Reset()
		if err := emit(newItemAdded(a.emptyAssistantItem())); err != nil {
			return err
		}
	}
	if !a.contentPartAdded {
		a.contentPartAdded = true
		if err := emit(newItemUpdated(a.currentItemID, newContentPartAdded(""))); err != nil {
			return err
		}
	}
	a.accumulated.WriteString(delta)
	return emit(newItemUpdated(a.currentItemID, newContentPartTextDelta(delta)))
}

// finishAssistantMessage closes the open assistant message. fullText
// overrides the accumulated deltas when the engine only reports the
// complete message at the end.
func (a *eventAdapter) finishAssistantMessage(ctx context.Context, fullText string, emit emitFunc) error {
	text := a.accumulated.String()
	if text == "" && fullText != "" {
		text = fullText
	}
	if a.currentItemID == "" {
		if fullText == "" {
			return nil
		}
		// added must precede done even when no delta was ever seen
		a.currentItemID = a.store.GenerateItemID(ctx, thread.ItemTypeAssistantMessage, a.th.ID)
		if err := emit(newItemAdded(a.emptyAssistantItem())); err != nil {
			return err
		}
	}
	if !a.contentPartAdded {
		if err := emit(newItemUpdated(a.currentItemID, newContentPartAdded(""))); err != nil {
			return err
		}
	}
	if err := emit(newItemUpdated(a.currentItemID, newContentPartDone(text))); err != nil {
		return err
	}
	item := &thread.AssistantMessageItem{
		ItemBase: thread.ItemBase{ID: a.currentItemID, ThreadID: a.th.ID, CreatedAtUnixMs: thread.NowUnixMs()},
		Type:     thread.ItemTypeAssistantMessage,
		Content:  thread.AssistantText(text),
	}
	a.currentItemID = ""
	a.contentPartAdded = false
	a.accumulated.Reset()
	return emit(newItemDone(item))
}

func (a *eventAdapter) emptyAssistantItem() *thread.AssistantMessageItem {
	return &thread.AssistantMessageItem{
		ItemBase: thread.ItemBase{ID: a.currentItemID, ThreadID: a.th.ID, CreatedAtUnixMs: thread.NowUnixMs()},
		Type:     thread.ItemTypeAssistantMessage,
		Content:  []thread.AssistantMessageContent{},
	}
}

func (a *eventAdapter) onToolCallIssued(ctx context.Context, ev engine.ToolCallIssued, emit emitFunc) error {
	if err := a.finishAssistantMessage(ctx, "", emit); err != nil {
		return err
	}
	item := &thread.ClientToolCallItem{
		ItemBase: thread.ItemBase{
			ID:              a.store.GenerateItemID(ctx, thread.ItemTypeClientToolCall, a.th.ID),
			ThreadID:        a.th.ID,
			CreatedAtUnixMs: thread.NowUnixMs(),
		},
		Type:      thread.ItemTypeClientToolCall,
		Status:    thread.ToolCallCompleted,
		CallID:    ev.CallID,
		Name:      ev.Name,
		Arguments: ev.Arguments,
	}
	if ev.ClientSide {
		// the connected client executes this call; surface it and leave
		// it pending until threads.add_client_tool_output completes it
		item.Status = thread.ToolCallPending
		if err := emit(newItemAdded(item)); err != nil {
			return err
		}
		if err := emit(newItemDone(item)); err != nil {
			return err
		}
		// the thread refuses new input until the output arrives
		a.th.SetStatus(thread.Status{Type: thread.StatusLocked})
		return nil
	}
	// server-side calls are recorded without a stream event of their own
	a.serverCalls[ev.CallID] = item
	return a.store.AddThreadItem(ctx, a.th.ID, item)
}

func (a *eventAdapter) onToolCallOutput(ctx context.Context, ev engine.ToolCallOutput, emit emitFunc) error {
	if item, ok := a.serverCalls[ev.CallID]; ok {
		item.Output = ev.Output
		if err := a.store.SaveItem(ctx, a.th.ID, item); err != nil {
			return err
		}
	}
	w := toolResultWidget(ev.Name, ev.Output)
	return a.emitStreamedWidget(ctx, w, toolResultCopyText(ev.Name, ev.Output), emit)
}

func (a *eventAdapter) onHandoffOutput(ctx context.Context, ev engine.HandoffOutput, emit emitFunc) error {
	key := engine.HandoffKey(ev.From, ev.To) + "|" + a.th.ID
	if _, seen := a.processedHandoffKeys[key]; seen {
		return nil
	}
	a.processedHandoffKeys[key] = struct{}{}
	a.agentName = ev.To
	w := handoffWidget(ev.From, ev.To)
	return a.emitStreamedWidget(ctx, w, fmt.Sprintf("Transferred from %s to %s.", ev.From, ev.To), emit)
}

func (a *eventAdapter) onApprovalRequired(ctx context.Context, ev engine.ApprovalRequired, emit emitFunc) error {
	if err := a.finishAssistantMessage(ctx, "", emit); err != nil {
		return err
	}
	if err := a.checkpoints.Save(ctx, a.th.ID, ev.State); err != nil {
		return err
	}

	agentName := ev.AgentName
	if agentName == "" {
		agentName = a.agentName
	}
	itemID := a.store.GenerateItemID(ctx, thread.ItemTypeWidget, a.th.ID)
	card := widgets.ApprovalCard(agentName, ev.Name, ev.Arguments, ev.CallID, itemID)
	item := &thread.WidgetItem{
		ItemBase: thread.ItemBase{ID: itemID, ThreadID: a.th.ID, CreatedAtUnixMs: thread.NowUnixMs()},
		Type:     thread.ItemTypeWidget,
		Widget:   card,
		CopyText: widgets.ApprovalCopyText(agentName, ev.Name, ev.Arguments),
	}
	if err := emit(newItemAdded(item)); err != nil {
		return err
	}
	if err := emit(newItemDone(item)); err != nil {
		return err
	}

	// suspend: the thread carries the pending decision as data, so any
	// later process can resume it
	a.th.SetStatus(thread.Status{Type: thread.StatusAwaitingApproval, ToolCallID: ev.CallID})
	a.interrupted = true
	a.log.Info("run interrupted for approval",
		"thread_id", a.th.ID, "tool", ev.Name, "tool_call_id", ev.CallID)
	return nil
}

// emitStreamedWidget surfaces an ephemeral widget item by streaming it:
// the initial render carries an empty streaming body, then the body
// arrives as diff deltas, then the item completes. Widget items are
// never persisted.
func (a *eventAdapter) emitStreamedWidget(ctx context.Context, final *widgets.Container, copyText string, emit emitFunc) error {
	itemID := a.store.GenerateItemID(ctx, thread.ItemTypeWidget, a.th.ID)
	initial := initialRenderCopy(final)

	item := &thread.WidgetItem{
		ItemBase: thread.ItemBase{ID: itemID, ThreadID: a.th.ID, CreatedAtUnixMs: thread.NowUnixMs()},
		Type:     thread.ItemTypeWidget,
		Widget:   initial,
		CopyText: copyText,
	}
	if err := emit(newItemAdded(item)); err != nil {
		return err
	}
	deltas, err := widgets.Diff(initial, final)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if err := emit(newItemUpdated(itemID, &WidgetUpdate{Delta: d})); err != nil {
			return err
		}
	}
	done := *item
	done.Widget = final
	return emit(newItemDone(&done))
}

// initialRenderCopy rebuilds the tree with every id-carrying text leaf
// emptied and marked streaming, producing the initial render that later
// deltas extend to the final values.
func initialRenderCopy(n widgets.Node) widgets.Node {
	switch v := n.(type) {
	case *widgets.Container:
		c := *v
		c.Children = make([]widgets.Node, len(v.Children))
		for i, child := range v.Children {
			c.Children[i] = initialRenderCopy(child)
		}
		return &c
	case *widgets.Text:
		if v.ID != "" {
			t := *v
			t.Value = ""
			t.Streaming = true
			return &t
		}
		return v
	case *widgets.Markdown:
		if v.ID != "" {
			m := *v
			m.Value = ""
			m.Streaming = true
			return &m
		}
		return v
	default:
		return n
	}
}

func toolResultWidget(name string, output any) *widgets.Container {
	body := widgets.NewMarkdown(stringifyToolOutput(output))
	body.ID = "tool_output"

	header := widgets.NewText("Tool: " + name)
	header.Weight = "semibold"

	card := widgets.NewCard(widgets.NewCol(header, body))
	card.Key = "tool_result_" + name
	return card
}

func toolResultCopyText(name string, output any) string {
	return "Tool " + name + " returned: " + stringifyToolOutput(output)
}

func handoffWidget(from, to string) *widgets.Container {
	body := widgets.NewText(fmt.Sprintf("Transferred from %s to %s.", from, to))
	body.ID = "handoff_note"

	title := widgets.NewTitle("Agent Handoff")
	title.Size = "sm"

	card := widgets.NewCard(widgets.NewCol(title, body))
	card.Key = "handoff_" + engine.HandoffKey(from, to)
	return card
}

func stringifyToolOutput(v any) string {
	switch s := v.(type) {
	case nil:
		return "(no output)"
	case string:
		return s
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
