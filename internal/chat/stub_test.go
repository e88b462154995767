package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/threadkit/threadkit/internal/chat/engine"
	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
)

// memStore is a deterministic in-memory Store for tests: sequential ids
// and a counter for checkpoint clears.
type memStore struct {
	mu          sync.Mutex
	seq         int
	threads     map[string]thread.Thread
	items       map[string][]thread.Item
	checkpoints map[string][]byte
	attachments map[string]threadstore.Attachment
	clearCalls  map[string]int
}

var _ threadstore.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		threads:     map[string]thread.Thread{},
		items:       map[string][]thread.Item{},
		checkpoints: map[string][]byte{},
		attachments: map[string]threadstore.Attachment{},
		clearCalls:  map[string]int{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("%s%d", prefix, m.seq)
}

func (m *memStore) GenerateThreadID(context.Context) string { return m.nextID("th_") }

func (m *memStore) GenerateItemID(_ context.Context, itemType thread.ItemType, _ string) string {
	switch itemType {
	case thread.ItemTypeWidget:
		return m.nextID("wgt_")
	case thread.ItemTypeClientToolCall:
		return m.nextID("ctc_")
	case thread.ItemTypeHiddenContext:
		return m.nextID("hci_")
	default:
		return m.nextID("msg_")
	}
}

func (m *memStore) LoadThread(_ context.Context, threadID string) (*thread.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %q: %w", threadID, threadstore.ErrNotFound)
	}
	cp := t
	return &cp, nil
}

func (m *memStore) SaveThread(_ context.Context, t *thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Items = nil
	m.threads[t.ID] = cp
	return nil
}

func (m *memStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return fmt.Errorf("thread %q: %w", threadID, threadstore.ErrNotFound)
	}
	delete(m.threads, threadID)
	delete(m.items, threadID)
	delete(m.checkpoints, threadID)
	return nil
}

func (m *memStore) LoadThreads(_ context.Context, limit int, after string, order thread.Order) (*thread.Page[*thread.Thread], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*thread.Thread
	for id := range m.threads {
		t := m.threads[id]
		all = append(all, &t)
	}
	// deterministic order by creation time then id
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			swap := all[j].CreatedAtUnixMs < all[i].CreatedAtUnixMs ||
				(all[j].CreatedAtUnixMs == all[i].CreatedAtUnixMs && all[j].ID < all[i].ID)
			if swap {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if order == thread.OrderDesc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	return paginate(all, limit, after, func(t *thread.Thread) string { return t.ID }), nil
}

func (m *memStore) AddThreadItem(_ context.Context, threadID string, it thread.Item) error {
	if it.ItemType() == thread.ItemTypeWidget {
		return fmt.Errorf("widget items are ephemeral and must not be persisted")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items[threadID] {
		if existing.Base().ID == it.Base().ID {
			return fmt.Errorf("duplicate item %q", it.Base().ID)
		}
	}
	m.items[threadID] = append(m.items[threadID], it)
	return nil
}

func (m *memStore) SaveItem(_ context.Context, threadID string, it thread.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.items[threadID] {
		if existing.Base().ID == it.Base().ID {
			m.items[threadID][i] = it
			return nil
		}
	}
	return fmt.Errorf("item %q: %w", it.Base().ID, threadstore.ErrNotFound)
}

func (m *memStore) LoadThreadItems(_ context.Context, threadID string, after string, limit int, order thread.Order) (*thread.Page[thread.Item], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.items[threadID]
	all := make([]thread.Item, len(src))
	copy(all, src)
	if order == thread.OrderDesc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	return paginate(all, limit, after, func(it thread.Item) string { return it.Base().ID }), nil
}

func paginate[T any](all []T, limit int, after string, id func(T) string) *thread.Page[T] {
	if limit <= 0 {
		limit = 50
	}
	start := 0
	if after != "" {
		for i := range all {
			if id(all[i]) == after {
				start = i + 1
				break
			}
		}
	}
	page := thread.EmptyPage[T]()
	for i := start; i < len(all) && len(page.Data) < limit; i++ {
		page.Data = append(page.Data, all[i])
	}
	page.HasMore = start+len(page.Data) < len(all)
	if n := len(page.Data); n > 0 {
		page.After = id(page.Data[n-1])
	}
	return page
}

func (m *memStore) DeleteThreadItem(_ context.Context, threadID string, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[threadID]
	for i, it := range items {
		if it.Base().ID == itemID {
			m.items[threadID] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, threadID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[threadID] = append([]byte(nil), state...)
	return nil
}

func (m *memStore) LoadCheckpoint(_ context.Context, threadID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

func (m *memStore) ClearCheckpoint(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalls[threadID]++
	delete(m.checkpoints, threadID)
	return nil
}

func (m *memStore) SaveAttachment(_ context.Context, att *threadstore.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[att.ID] = *att
	return nil
}

func (m *memStore) LoadAttachment(_ context.Context, attachmentID string) (*threadstore.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attachments[attachmentID]
	if !ok {
		return nil, fmt.Errorf("attachment %q: %w", attachmentID, threadstore.ErrNotFound)
	}
	cp := att
	return &cp, nil
}

func (m *memStore) DeleteAttachment(_ context.Context, attachmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attachments[attachmentID]; !ok {
		return fmt.Errorf("attachment %q: %w", attachmentID, threadstore.ErrNotFound)
	}
	delete(m.attachments, attachmentID)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) itemCount(threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[threadID])
}

// stubEngine replays a scripted event sequence.
type stubEngine struct {
	mu           sync.Mutex
	runEvents    []engine.Event
	resumeEvents []engine.Event
	runErr       error

	runCalls    int
	resumeCalls int
	lastRequest engine.Request
	lastState   []byte
	lastDecide  engine.Decision
}

var _ engine.Engine = (*stubEngine)(nil)

func (e *stubEngine) Run(_ context.Context, req engine.Request) (<-chan engine.Event, <-chan error, error) {
	e.mu.Lock()
	e.runCalls++
	e.lastRequest = req
	e.mu.Unlock()
	if e.runErr != nil {
		return nil, nil, e.runErr
	}
	return replay(e.runEvents), closedErrCh(), nil
}

func (e *stubEngine) Resume(_ context.Context, state []byte, decision engine.Decision) (<-chan engine.Event, <-chan error, error) {
	e.mu.Lock()
	e.resumeCalls++
	e.lastState = append([]byte(nil), state...)
	e.lastDecide = decision
	e.mu.Unlock()
	return replay(e.resumeEvents), closedErrCh(), nil
}

func replay(events []engine.Event) <-chan engine.Event {
	ch := make(chan engine.Event, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func closedErrCh() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}

// lateErrEngine closes its events channel immediately and delivers the
// failure on the error channel afterwards, from another goroutine. The
// contract allows this ordering, so the caller must not assume the
// error arrived before the events close.
type lateErrEngine struct {
	err error
}

var _ engine.Engine = (*lateErrEngine)(nil)

func (e *lateErrEngine) Run(context.Context, engine.Request) (<-chan engine.Event, <-chan error, error) {
	events := make(chan engine.Event)
	close(events)
	errCh := make(chan error)
	go func() {
		errCh <- e.err
		close(errCh)
	}()
	return events, errCh, nil
}

func (e *lateErrEngine) Resume(context.Context, []byte, engine.Decision) (<-chan engine.Event, <-chan error, error) {
	return e.Run(context.Background(), engine.Request{})
}

// collectStream drains an EventStream into a slice.
func collectStream(ctx context.Context, stream EventStream) ([]StreamEvent, error) {
	var events []StreamEvent
	err := stream(ctx, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func eventTypes(events []StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}
