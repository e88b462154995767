// Package threadstore is the durable persistence boundary for threads,
// thread items, run checkpoints, and attachment metadata. The Store
// interface is what the chat service programs against; Open returns the
// SQLite-backed implementation.
package threadstore

import (
	"context"
	"errors"

	"github.com/threadkit/threadkit/internal/chat/thread"
)

var (
	// ErrNotFound is returned when a thread, item, or attachment does not
	// exist.
	ErrNotFound = errors.New("not found")
)

// Attachment is stored upload metadata. Byte content lives outside the
// store; only the record needed for listing and deletion is kept.
type Attachment struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MimeType        string `json:"mime_type"`
	SizeBytes       int64  `json:"size"`
	CreatedAtUnixMs int64  `json:"created_at"`
}

// Store is the durable thread persistence contract.
//
// Notes:
// - Widget items are ephemeral and must never reach AddThreadItem/SaveItem.
// - At most one run checkpoint exists per thread; SaveCheckpoint replaces.
// - Cursors are opaque to callers and equal the last returned entity's id.
type Store interface {
	GenerateThreadID(ctx context.Context) string
	GenerateItemID(ctx context.Context, itemType thread.ItemType, threadID string) string

	LoadThread(ctx context.Context, threadID string) (*thread.Thread, error)
	SaveThread(ctx context.Context, th *thread.Thread) error
	DeleteThread(ctx context.Context, threadID string) error
	LoadThreads(ctx context.Context, limit int, after string, order thread.Order) (*thread.Page[*thread.Thread], error)

	AddThreadItem(ctx context.Context, threadID string, item thread.Item) error
	SaveItem(ctx context.Context, threadID string, item thread.Item) error
	LoadThreadItems(ctx context.Context, threadID string, after string, limit int, order thread.Order) (*thread.Page[thread.Item], error)
	DeleteThreadItem(ctx context.Context, threadID string, itemID string) error

	SaveCheckpoint(ctx context.Context, threadID string, state []byte) error
	LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error)
	ClearCheckpoint(ctx context.Context, threadID string) error

	SaveAttachment(ctx context.Context, att *Attachment) error
	LoadAttachment(ctx context.Context, attachmentID string) (*Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error

	Close() error
}
