package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/threadkit/threadkit/internal/chat/thread"
)

// TranscriptRole is a normalized chat role shared by all providers.
type TranscriptRole string

const (
	RoleUser      TranscriptRole = "user"
	RoleAssistant TranscriptRole = "assistant"
	RoleTool      TranscriptRole = "tool"
)

// TranscriptCall is a normalized tool invocation.
type TranscriptCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// TranscriptEntry is one normalized conversation turn. Providers map
// entries into their own message formats.
type TranscriptEntry struct {
	Role   TranscriptRole   `json:"role"`
	Text   string           `json:"text,omitempty"`
	Calls  []TranscriptCall `json:"calls,omitempty"`
	CallID string           `json:"call_id,omitempty"`
	Output string           `json:"output,omitempty"`
}

// Snapshot is the serializable state of an interrupted run. It is the
// payload an ApprovalRequired event carries and Resume restores.
type Snapshot struct {
	Agent      string            `json:"agent"`
	Transcript []TranscriptEntry `json:"transcript"`
	Pending    TranscriptCall    `json:"pending"`
}

// Encode serializes the snapshot for persistence.
func (s *Snapshot) Encode() ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil snapshot")
	}
	return json.Marshal(s)
}

// DecodeSnapshot restores a snapshot produced by Encode.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	if len(b) == 0 {
		return nil, ErrNoCheckpoint
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
	}
	if strings.TrimSpace(s.Pending.ID) == "" {
		return nil, fmt.Errorf("%w: no pending tool call", ErrNoCheckpoint)
	}
	return &s, nil
}

// TranscriptFromItems normalizes persisted thread items into a
// provider-neutral transcript, oldest first. Widget items never reach
// here since they are not persisted.
func TranscriptFromItems(items []thread.Item) []TranscriptEntry {
	out := make([]TranscriptEntry, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case *thread.UserMessageItem:
			if text := v.Text(); text != "" {
				out = append(out, TranscriptEntry{Role: RoleUser, Text: text})
			}
		case *thread.AssistantMessageItem:
			if text := v.Text(); text != "" {
				out = append(out, TranscriptEntry{Role: RoleAssistant, Text: text})
			}
		case *thread.HiddenContextItem:
			if v.Content != "" {
				out = append(out, TranscriptEntry{Role: RoleUser, Text: "<context>\n" + v.Content + "\n</context>"})
			}
		case *thread.ClientToolCallItem:
			call := TranscriptCall{ID: v.CallID, Name: v.Name, Arguments: v.Arguments}
			out = append(out, TranscriptEntry{Role: RoleAssistant, Calls: []TranscriptCall{call}})
			if v.Status == thread.ToolCallCompleted {
				out = append(out, TranscriptEntry{Role: RoleTool, CallID: v.CallID, Output: stringifyOutput(v.Output)})
			}
		}
	}
	return out
}

func stringifyOutput(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
