// Package chat implements the thread protocol server: typed requests
// over a JSON envelope, agent runs streamed back as canonical thread
// events, and durable persistence of everything a run produces.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/threadkit/threadkit/internal/chat/engine"
	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
)

// CustomAction is a client-defined widget action routed to the host
// application.
type CustomAction struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ActionHandler lets the host react to custom widget actions. The
// returned note, when non-empty, is persisted as hidden context before
// the responder re-runs; rerun=false skips the responder entirely.
type ActionHandler func(ctx context.Context, t *thread.Thread, action CustomAction) (note string, rerun bool, err error)

// Options configure a Service.
type Options struct {
	Logger *slog.Logger

	// DefaultAgent names the engine agent used for new runs.
	DefaultAgent string

	// AutoTitle derives a thread title from the first user message.
	AutoTitle bool

	// ActionHandler receives threads.custom_action requests. Nil
	// rejects them.
	ActionHandler ActionHandler
}

// Service wires the store, the agent engine, and the protocol pieces
// together. One Service serves many concurrent requests; requests
// against the same thread serialize on a per-thread advisory lock.
type Service struct {
	store       threadstore.Store
	engine      engine.Engine
	threads     *Threads
	checkpoints *Checkpoints
	log         *slog.Logger
	opts        Options

	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
}

// NewService builds a Service over a store and an engine.
func NewService(store threadstore.Store, eng engine.Engine, optFns ...func(o *Options)) (*Service, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if eng == nil {
		return nil, errors.New("nil engine")
	}
	opts := Options{AutoTitle: true}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:       store,
		engine:      eng,
		threads:     newThreads(store, opts.Logger),
		checkpoints: newCheckpoints(store, opts.Logger),
		log:         opts.Logger,
		opts:        opts,
		threadLocks: map[string]*sync.Mutex{},
	}, nil
}

// lockThread serializes writers of one thread within this process.
// Cross-process writers remain uncoordinated; the store's last write
// wins.
func (s *Service) lockThread(threadID string) func() {
	s.mu.Lock()
	l, ok := s.threadLocks[strings.TrimSpace(threadID)]
	if !ok {
		l = &sync.Mutex{}
		s.threadLocks[strings.TrimSpace(threadID)] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// loadAllItems walks every page of a thread's items, oldest first,
// including hidden context. This is the engine's input view.
func (s *Service) loadAllItems(ctx context.Context, threadID string) ([]thread.Item, error) {
	var all []thread.Item
	after := ""
	for {
		page, err := s.store.LoadThreadItems(ctx, threadID, after, 200, thread.OrderAsc)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || page.After == "" {
			break
		}
		after = page.After
	}
	return all, nil
}

// maybeAutoTitle derives a short title from the first user message.
func (s *Service) maybeAutoTitle(t *thread.Thread, text string) {
	if !s.opts.AutoTitle || t == nil || strings.TrimSpace(t.Title) != "" {
		return
	}
	title := strings.TrimSpace(text)
	if title == "" {
		return
	}
	if line, _, ok := strings.Cut(title, "\n"); ok {
		title = strings.TrimSpace(line)
	}
	const maxTitle = 60
	if len(title) > maxTitle {
		title = strings.TrimSpace(title[:maxTitle]) + "…"
	}
	t.SetTitle(title)
}
