package chat

import (
	"encoding/json"

	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/widgets"
)

// Canonical stream event types on the wire.
const (
	EventThreadCreated = "thread.created"
	EventThreadUpdated = "thread.updated"
	EventItemAdded     = "thread.item.added"
	EventItemUpdated   = "thread.item.updated"
	EventItemDone      = "thread.item.done"
	EventItemRemoved   = "thread.item.removed"
	EventError         = "error"
)

// StreamEvent is the sealed union of events a streaming operation can
// emit. Every concrete event carries its own wire type tag.
type StreamEvent interface {
	EventType() string
	isStreamEvent()
}

type ThreadCreatedEvent struct {
	Type   string         `json:"type"`
	Thread *thread.Thread `json:"thread"`
}

type ThreadUpdatedEvent struct {
	Type   string         `json:"type"`
	Thread *thread.Thread `json:"thread"`
}

type ItemAddedEvent struct {
	Type string      `json:"type"`
	Item thread.Item `json:"item"`
}

type ItemUpdatedEvent struct {
	Type   string     `json:"type"`
	ItemID string     `json:"item_id"`
	Update ItemUpdate `json:"update"`
}

type ItemDoneEvent struct {
	Type string      `json:"type"`
	Item thread.Item `json:"item"`
}

type ItemRemovedEvent struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

type ErrorEvent struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	AllowRetry bool   `json:"allow_retry"`
}

func (e *ThreadCreatedEvent) EventType() string { return EventThreadCreated }
func (e *ThreadUpdatedEvent) EventType() string { return EventThreadUpdated }
func (e *ItemAddedEvent) EventType() string     { return EventItemAdded }
func (e *ItemUpdatedEvent) EventType() string   { return EventItemUpdated }
func (e *ItemDoneEvent) EventType() string      { return EventItemDone }
func (e *ItemRemovedEvent) EventType() string   { return EventItemRemoved }
func (e *ErrorEvent) EventType() string         { return EventError }

func (*ThreadCreatedEvent) isStreamEvent() {}
func (*ThreadUpdatedEvent) isStreamEvent() {}
func (*ItemAddedEvent) isStreamEvent()     {}
func (*ItemUpdatedEvent) isStreamEvent()   {}
func (*ItemDoneEvent) isStreamEvent()      {}
func (*ItemRemovedEvent) isStreamEvent()   {}
func (*ErrorEvent) isStreamEvent()         {}

func newThreadCreated(t *thread.Thread) *ThreadCreatedEvent {
	return &ThreadCreatedEvent{Type: EventThreadCreated, Thread: t}
}

func newThreadUpdated(t *thread.Thread) *ThreadUpdatedEvent {
	return &ThreadUpdatedEvent{Type: EventThreadUpdated, Thread: t}
}

func newItemAdded(it thread.Item) *ItemAddedEvent {
	return &ItemAddedEvent{Type: EventItemAdded, Item: it}
}

func newItemUpdated(itemID string, update ItemUpdate) *ItemUpdatedEvent {
	return &ItemUpdatedEvent{Type: EventItemUpdated, ItemID: itemID, Update: update}
}

func newItemDone(it thread.Item) *ItemDoneEvent {
	return &ItemDoneEvent{Type: EventItemDone, Item: it}
}

func newItemRemoved(itemID string) *ItemRemovedEvent {
	return &ItemRemovedEvent{Type: EventItemRemoved, ItemID: itemID}
}

// ItemUpdate is the sealed sub-union carried by thread.item.updated.
type ItemUpdate interface {
	UpdateType() string
	isItemUpdate()
}

type ContentPartAdded struct {
	Type    string                         `json:"type"`
	Content thread.AssistantMessageContent `json:"content"`
}

type ContentPartTextDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type ContentPartDone struct {
	Type    string                         `json:"type"`
	Content thread.AssistantMessageContent `json:"content"`
}

func (u *ContentPartAdded) UpdateType() string     { return "assistant_message.content_part.added" }
func (u *ContentPartTextDelta) UpdateType() string { return "assistant_message.content_part.text_delta" }
func (u *ContentPartDone) UpdateType() string      { return "assistant_message.content_part.done" }

func (*ContentPartAdded) isItemUpdate()     {}
func (*ContentPartTextDelta) isItemUpdate() {}
func (*ContentPartDone) isItemUpdate()      {}

func newContentPartAdded(text string) *ContentPartAdded {
	u := &ContentPartAdded{Content: thread.AssistantMessageContent{Type: "output_text", Text: text}}
	u.Type = u.UpdateType()
	return u
}

func newContentPartTextDelta(delta string) *ContentPartTextDelta {
	u := &ContentPartTextDelta{Delta: delta}
	u.Type = u.UpdateType()
	return u
}

func newContentPartDone(text string) *ContentPartDone {
	u := &ContentPartDone{Content: thread.AssistantMessageContent{Type: "output_text", Text: text}}
	u.Type = u.UpdateType()
	return u
}

// WidgetUpdate lifts a widget delta into the item update union. It
// marshals as the delta itself so the wire shape stays flat.
type WidgetUpdate struct {
	Delta widgets.Delta
}

func (u *WidgetUpdate) UpdateType() string { return u.Delta.DeltaType() }
func (*WidgetUpdate) isItemUpdate()        {}

func (u *WidgetUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Delta)
}
