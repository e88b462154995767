package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
)

// Threads owns thread lifecycle: create, load, save, list, delete, and
// the client view that strips hidden context from what a client sees.
type Threads struct {
	store threadstore.Store
	log   *slog.Logger
}

func newThreads(store threadstore.Store, log *slog.Logger) *Threads {
	if log == nil {
		log = slog.Default()
	}
	return &Threads{store: store, log: log}
}

func (m *Threads) Create(ctx context.Context, metadata map[string]any) (*thread.Thread, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("threads not initialized")
	}
	t := &thread.Thread{
		ID:              m.store.GenerateThreadID(ctx),
		CreatedAtUnixMs: thread.NowUnixMs(),
		Status:          thread.ActiveStatus(),
		Metadata:        metadata,
	}
	if err := m.store.SaveThread(ctx, t); err != nil {
		return nil, err
	}
	m.log.Info("thread created", "thread_id", t.ID)
	return t, nil
}

func (m *Threads) Load(ctx context.Context, threadID string) (*thread.Thread, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("threads not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, validationErrorf("missing thread_id")
	}
	return m.store.LoadThread(ctx, threadID)
}

func (m *Threads) Save(ctx context.Context, t *thread.Thread) error {
	if m == nil || m.store == nil {
		return errors.New("threads not initialized")
	}
	return m.store.SaveThread(ctx, t)
}

func (m *Threads) Delete(ctx context.Context, threadID string) error {
	if m == nil || m.store == nil {
		return errors.New("threads not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return validationErrorf("missing thread_id")
	}
	if err := m.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	m.log.Info("thread deleted", "thread_id", threadID)
	return nil
}

func (m *Threads) List(ctx context.Context, limit int, after string, order thread.Order) (*thread.Page[*thread.Thread], error) {
	if m == nil || m.store == nil {
		return nil, errors.New("threads not initialized")
	}
	return m.store.LoadThreads(ctx, limit, after, order)
}

// ListItems returns a page of client-visible items: hidden context
// entries are persisted but never leave the server.
func (m *Threads) ListItems(ctx context.Context, threadID string, after string, limit int, order thread.Order) (*thread.Page[thread.Item], error) {
	page, err := m.store.LoadThreadItems(ctx, threadID, after, limit, order)
	if err != nil {
		return nil, err
	}
	return filterHidden(page), nil
}

// ClientView attaches the first page of visible items to the thread so
// thread.created / thread.updated frames carry a well-formed items
// page.
func (m *Threads) ClientView(ctx context.Context, t *thread.Thread) (*thread.Thread, error) {
	if t == nil {
		return nil, errors.New("nil thread")
	}
	page, err := m.ListItems(ctx, t.ID, "", 0, thread.OrderAsc)
	if err != nil {
		return nil, err
	}
	view := *t
	view.Items = page
	return &view, nil
}

func filterHidden(page *thread.Page[thread.Item]) *thread.Page[thread.Item] {
	if page == nil {
		return thread.EmptyPage[thread.Item]()
	}
	visible := make([]thread.Item, 0, len(page.Data))
	for _, it := range page.Data {
		if it.ItemType() == thread.ItemTypeHiddenContext {
			continue
		}
		visible = append(visible, it)
	}
	page.Data = visible
	return page
}
