package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/threadkit/threadkit/internal/chat/threadstore"
)

// Checkpoints persists the opaque run state of interrupted agent
// executions. At most one checkpoint is live per thread.
type Checkpoints struct {
	store threadstore.Store
	log   *slog.Logger
}

func newCheckpoints(store threadstore.Store, log *slog.Logger) *Checkpoints {
	if log == nil {
		log = slog.Default()
	}
	return &Checkpoints{store: store, log: log}
}

func (c *Checkpoints) Save(ctx context.Context, threadID string, state []byte) error {
	if c == nil || c.store == nil {
		return errors.New("checkpoints not initialized")
	}
	if err := c.store.SaveCheckpoint(ctx, threadID, state); err != nil {
		return err
	}
	c.log.Debug("checkpoint saved", "thread_id", threadID, "bytes", len(state))
	return nil
}

// Load returns the live checkpoint, or nil when none exists.
func (c *Checkpoints) Load(ctx context.Context, threadID string) ([]byte, error) {
	if c == nil || c.store == nil {
		return nil, errors.New("checkpoints not initialized")
	}
	return c.store.LoadCheckpoint(ctx, threadID)
}

// Clear removes the checkpoint. Callers invoke this exactly once per
// resume attempt, regardless of the resume outcome, so a stale
// checkpoint can never replay.
func (c *Checkpoints) Clear(ctx context.Context, threadID string) error {
	if c == nil || c.store == nil {
		return errors.New("checkpoints not initialized")
	}
	if err := c.store.ClearCheckpoint(ctx, threadID); err != nil {
		c.log.Warn("checkpoint clear failed", "thread_id", threadID, "err", err)
		return err
	}
	return nil
}
