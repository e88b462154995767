package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/threadkit/threadkit/internal/chat/engine"
	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
)

// EventStream is a streaming operation: it pushes canonical events
// through emit until the run completes or emit reports a dead consumer.
type EventStream func(ctx context.Context, emit emitFunc) error

// processEvents wraps an event producer with the persistence and
// mutation-propagation discipline:
//
//   - thread.item.done persists the item unless it is a widget or an
//     empty assistant message; hidden context done events are persisted
//     but swallowed, never forwarded to the client.
//   - thread.item.removed deletes the item.
//   - after every event, and once more at stream end, a version bump on
//     the thread persists it and emits thread.updated. This is the only
//     mutation-propagation mechanism; nothing emits thread.updated
//     directly.
func (s *Service) processEvents(ctx context.Context, t *thread.Thread, produce EventStream, emit emitFunc) error {
	baseline := t.Version

	flush := func() error {
		if t.Version == baseline {
			return nil
		}
		baseline = t.Version
		if err := s.threads.Save(ctx, t); err != nil {
			return err
		}
		view, err := s.threads.ClientView(ctx, t)
		if err != nil {
			return err
		}
		return emit(newThreadUpdated(view))
	}

	wrapped := func(ev StreamEvent) error {
		forward := true
		switch e := ev.(type) {
		case *ItemDoneEvent:
			fwd, err := s.persistDoneItem(ctx, t.ID, e.Item)
			if err != nil {
				return err
			}
			forward = fwd
		case *ItemRemovedEvent:
			if err := s.store.DeleteThreadItem(ctx, t.ID, e.ItemID); err != nil {
				return err
			}
		}
		if forward {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return flush()
	}

	if err := produce(ctx, wrapped); err != nil {
		return err
	}
	return flush()
}

// persistDoneItem applies the persistence rules for a completed item
// and reports whether its done event is forwarded to the client.
func (s *Service) persistDoneItem(ctx context.Context, threadID string, it thread.Item) (forward bool, err error) {
	switch v := it.(type) {
	case *thread.WidgetItem:
		// ephemeral: streamed, never stored
		return true, nil
	case *thread.AssistantMessageItem:
		if v.Text() == "" {
			return true, nil
		}
		return true, s.store.AddThreadItem(ctx, threadID, it)
	case *thread.HiddenContextItem:
		// stored server-side only
		return false, s.store.AddThreadItem(ctx, threadID, it)
	case *thread.ClientToolCallItem:
		// the pending record may already exist when the output arrives
		err := s.store.SaveItem(ctx, threadID, it)
		if errors.Is(err, threadstore.ErrNotFound) {
			err = s.store.AddThreadItem(ctx, threadID, it)
		}
		return true, err
	default:
		return true, s.store.AddThreadItem(ctx, threadID, it)
	}
}

// respond runs the engine over the thread's history and adapts the raw
// event stream. It is always called inside processEvents.
func (s *Service) respond(ctx context.Context, t *thread.Thread, emit emitFunc) error {
	items, err := s.loadAllItems(ctx, t.ID)
	if err != nil {
		return err
	}
	events, errCh, err := s.engine.Run(ctx, engine.Request{
		Agent:    s.opts.DefaultAgent,
		Items:    items,
		ThreadID: t.ID,
	})
	if err != nil {
		return err
	}
	return s.adaptEvents(ctx, t, events, errCh, emit)
}

// resume continues an interrupted run from a checkpoint with the user's
// decision.
func (s *Service) resume(ctx context.Context, t *thread.Thread, state []byte, decision engine.Decision, emit emitFunc) error {
	events, errCh, err := s.engine.Resume(ctx, state, decision)

	// the checkpoint is cleared exactly once per resume attempt,
	// whether the resume dispatched cleanly or not, so it can never
	// replay
	if clearErr := s.checkpoints.Clear(ctx, t.ID); clearErr != nil && err == nil {
		err = clearErr
	}
	if err != nil {
		return err
	}
	t.SetStatus(thread.ActiveStatus())
	return s.adaptEvents(ctx, t, events, errCh, emit)
}

func (s *Service) adaptEvents(ctx context.Context, t *thread.Thread, events <-chan engine.Event, errCh <-chan error, emit emitFunc) error {
	adapter := newEventAdapter(s.store, s.checkpoints, s.log, t, s.opts.DefaultAgent)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := drainEngineErr(errCh); err != nil {
					return fmt.Errorf("engine: %w", err)
				}
				return adapter.finish(ctx, emit)
			}
			stop, err := adapter.handle(ctx, ev, emit)
			if err != nil {
				return err
			}
			if stop {
				// approval interruption: stop consuming; the run is
				// suspended as thread state plus checkpoint
				return nil
			}
		}
	}
}

// drainEngineErr collects the engine's terminal error after the events
// channel closed. The receive blocks: the contract does not order the
// error send before the events close, and a conforming engine always
// closes the error channel, so this returns promptly either way.
func drainEngineErr(errCh <-chan error) error {
	if errCh == nil {
		return nil
	}
	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}
