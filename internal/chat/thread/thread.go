// Package thread defines the persisted conversation model: threads, the
// thread item union, and cursor pagination. It is shared by the store, the
// event adapter, and the request dispatcher.
package thread

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusType enumerates the lifecycle states a thread can be in.
type StatusType string

const (
	// StatusActive means the thread accepts new user input.
	StatusActive StatusType = "active"
	// StatusLocked means a client tool call is pending and the thread is
	// waiting for the client to report its output.
	StatusLocked StatusType = "locked"
	// StatusAwaitingApproval means an agent run is suspended on a tool call
	// that needs an out-of-band approve/reject decision. The decision arrives
	// as a later action request, potentially on a different connection.
	StatusAwaitingApproval StatusType = "awaiting_approval"
)

// Status is the client-visible thread state. ToolCallID is set only for
// awaiting_approval so resumption is data-driven rather than tied to any
// in-flight run.
type Status struct {
	Type       StatusType `json:"type"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func ActiveStatus() Status { return Status{Type: StatusActive} }

// Thread is the persisted conversation head. Items holds the client view of
// the latest item page when the thread is returned over the wire; it is not
// part of the stored row.
type Thread struct {
	ID              string         `json:"id"`
	Title           string         `json:"title,omitempty"`
	CreatedAtUnixMs int64          `json:"created_at"`
	Status          Status         `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Items           *Page[Item]    `json:"items"`

	// Version counts mutations since load. The streaming loop compares
	// versions instead of deep-comparing snapshots to decide whether the
	// thread row must be persisted and a thread.updated event emitted.
	Version uint64 `json:"-"`
}

// Touch records a mutation for dirty detection.
func (t *Thread) Touch() {
	if t == nil {
		return
	}
	t.Version++
}

func (t *Thread) SetTitle(title string) {
	if t == nil {
		return
	}
	title = strings.TrimSpace(title)
	if title == t.Title {
		return
	}
	t.Title = title
	t.Touch()
}

func (t *Thread) SetStatus(status Status) {
	if t == nil {
		return
	}
	if t.Status == status {
		return
	}
	t.Status = status
	t.Touch()
}

func (t *Thread) SetMetadata(key string, value any) {
	if t == nil {
		return
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	t.Metadata[key] = value
	t.Touch()
}

// NewThreadID generates a thread id with a stable prefix.
func NewThreadID() string {
	return "th_" + shortUUID()
}

// NewItemID generates an item id. The item type picks the prefix so ids stay
// recognizable in logs and stored rows.
func NewItemID(itemType ItemType) string {
	prefix := "msg_"
	switch itemType {
	case ItemTypeWidget:
		prefix = "wgt_"
	case ItemTypeClientToolCall:
		prefix = "ctc_"
	case ItemTypeHiddenContext:
		prefix = "hci_"
	}
	return prefix + shortUUID()
}

// NewAttachmentID generates an attachment id.
func NewAttachmentID() string {
	return "atc_" + shortUUID()
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NowUnixMs returns the current wall clock in unix milliseconds.
func NowUnixMs() int64 { return time.Now().UnixMilli() }
