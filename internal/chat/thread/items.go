package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/threadkit/threadkit/internal/chat/widgets"
)

// ItemType discriminates the thread item union on the wire and in storage.
type ItemType string

const (
	ItemTypeUserMessage      ItemType = "user_message"
	ItemTypeAssistantMessage ItemType = "assistant_message"
	ItemTypeWidget           ItemType = "widget"
	ItemTypeClientToolCall   ItemType = "client_tool_call"
	ItemTypeHiddenContext    ItemType = "hidden_context_item"
)

// Item is the closed union of thread content. Every variant carries the same
// identity triple (id, thread_id, created_at); ids are stable across the
// added -> updated* -> done lifecycle of one logical item.
type Item interface {
	ItemType() ItemType
	Base() *ItemBase
	isThreadItem()
}

// ItemBase holds the identity fields shared by every item variant.
type ItemBase struct {
	ID              string `json:"id"`
	ThreadID        string `json:"thread_id"`
	CreatedAtUnixMs int64  `json:"created_at"`
}

func (b *ItemBase) Base() *ItemBase { return b }

// UserMessageContent is one part of a user message. Only input_text is
// modeled; unknown part types are dropped on decode.
type UserMessageContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AssistantMessageContent is one output part of an assistant message.
type AssistantMessageContent struct {
	Type        string   `json:"type"`
	Text        string   `json:"text"`
	Annotations []string `json:"annotations,omitempty"`
}

func UserText(text string) []UserMessageContent {
	return []UserMessageContent{{Type: "input_text", Text: text}}
}

func AssistantText(text string) []AssistantMessageContent {
	return []AssistantMessageContent{{Type: "output_text", Text: text}}
}

type UserMessageItem struct {
	ItemBase
	Type        ItemType             `json:"type"`
	Content     []UserMessageContent `json:"content"`
	Attachments []string             `json:"attachments,omitempty"`
}

func (i *UserMessageItem) ItemType() ItemType { return ItemTypeUserMessage }
func (i *UserMessageItem) isThreadItem()      {}

// Text joins the input_text parts of the message.
func (i *UserMessageItem) Text() string {
	if i == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range i.Content {
		if c.Type == "input_text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

type AssistantMessageItem struct {
	ItemBase
	Type    ItemType                  `json:"type"`
	Content []AssistantMessageContent `json:"content"`
}

func (i *AssistantMessageItem) ItemType() ItemType { return ItemTypeAssistantMessage }
func (i *AssistantMessageItem) isThreadItem()      {}

func (i *AssistantMessageItem) Text() string {
	if i == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range i.Content {
		if c.Type == "output_text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// WidgetItem is an ephemeral renderable tree. Widget items are streamed to
// clients but never persisted to the store.
type WidgetItem struct {
	ItemBase
	Type     ItemType     `json:"type"`
	Widget   widgets.Node `json:"widget"`
	CopyText string       `json:"copy_text,omitempty"`
}

func (i *WidgetItem) ItemType() ItemType { return ItemTypeWidget }
func (i *WidgetItem) isThreadItem()      {}

func (i *WidgetItem) UnmarshalJSON(b []byte) error {
	var raw struct {
		ItemBase
		Type     ItemType        `json:"type"`
		Widget   json.RawMessage `json:"widget"`
		CopyText string          `json:"copy_text"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	node, err := widgets.Decode(raw.Widget)
	if err != nil {
		return fmt.Errorf("decode widget: %w", err)
	}
	i.ItemBase = raw.ItemBase
	i.Type = raw.Type
	i.Widget = node
	i.CopyText = raw.CopyText
	return nil
}

// ToolCallStatus tracks the client tool call handshake.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
)

// ClientToolCallItem records a tool call that the client executes (or that
// required approval). Pending calls lock the thread until the client reports
// an output via threads.add_client_tool_output.
type ClientToolCallItem struct {
	ItemBase
	Type      ItemType       `json:"type"`
	Status    ToolCallStatus `json:"status"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    any            `json:"output,omitempty"`
}

func (i *ClientToolCallItem) ItemType() ItemType { return ItemTypeClientToolCall }
func (i *ClientToolCallItem) isThreadItem()      {}

// HiddenContextItem is persisted agent-visible context that is filtered from
// every client-facing listing and from thread snapshots.
type HiddenContextItem struct {
	ItemBase
	Type    ItemType `json:"type"`
	Content string   `json:"content"`
}

func (i *HiddenContextItem) ItemType() ItemType { return ItemTypeHiddenContext }
func (i *HiddenContextItem) isThreadItem()      {}

var ErrUnknownItemType = errors.New("unknown thread item type")

// DecodeItem parses one stored or wire item by its type tag.
func DecodeItem(raw []byte) (Item, error) {
	var probe struct {
		Type ItemType `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case ItemTypeUserMessage:
		var it UserMessageItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, err
		}
		return &it, nil
	case ItemTypeAssistantMessage:
		var it AssistantMessageItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, err
		}
		return &it, nil
	case ItemTypeWidget:
		var it WidgetItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, err
		}
		return &it, nil
	case ItemTypeClientToolCall:
		var it ClientToolCallItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, err
		}
		return &it, nil
	case ItemTypeHiddenContext:
		var it HiddenContextItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, err
		}
		return &it, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownItemType, string(probe.Type))
	}
}

// EncodeItem serializes an item with its type tag for storage.
func EncodeItem(it Item) ([]byte, error) {
	if it == nil {
		return nil, errors.New("nil item")
	}
	return json.Marshal(it)
}
