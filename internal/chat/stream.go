package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/threadkit/threadkit/internal/chat/thread"
)

// StreamEncoder frames canonical events as SSE. Every frame is
// "data: <json>\n\n"; the stream always ends with either the final
// event of a clean run or one well-formed terminal error frame.
type StreamEncoder struct {
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
}

// NewStreamEncoder wraps a response writer. The flusher may be nil for
// writers that do not support incremental delivery (tests, buffers).
func NewStreamEncoder(w io.Writer, flusher http.Flusher, log *slog.Logger) *StreamEncoder {
	if log == nil {
		log = slog.Default()
	}
	return &StreamEncoder{w: w, flusher: flusher, log: log}
}

// Encode drains the stream, writing each event as one frame. Any error
// raised while draining is caught here, once, and converted into a
// terminal error frame so the connection closes with well-formed output
// instead of truncating.
func (e *StreamEncoder) Encode(ctx context.Context, stream EventStream) {
	err := stream(ctx, e.writeEvent)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// consumer is gone; nothing left to write to
		return
	}
	e.log.Error("stream aborted", "err", err)
	if werr := e.writeEvent(errorFrame(err)); werr != nil {
		e.log.Warn("terminal error frame not delivered", "err", werr)
	}
}

func (e *StreamEncoder) writeEvent(ev StreamEvent) error {
	if err := validateFrame(ev); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// validateFrame enforces the structural invariants of thread frames
// before anything reaches the wire: a thread snapshot must carry an
// items page with a non-nil data array and a status type. A violation
// aborts the stream rather than emitting malformed output.
func validateFrame(ev StreamEvent) error {
	switch v := ev.(type) {
	case *ThreadCreatedEvent:
		return validateThreadSnapshot(v.Type, v.Thread)
	case *ThreadUpdatedEvent:
		return validateThreadSnapshot(v.Type, v.Thread)
	default:
		return nil
	}
}

func validateThreadSnapshot(frameType string, t *thread.Thread) error {
	if t == nil {
		return fmt.Errorf("%s frame without a thread", frameType)
	}
	if t.Items == nil || t.Items.Data == nil {
		return fmt.Errorf("%s frame for thread %s without an items page", frameType, t.ID)
	}
	if t.Status.Type == "" {
		return fmt.Errorf("%s frame for thread %s without a status type", frameType, t.ID)
	}
	return nil
}
