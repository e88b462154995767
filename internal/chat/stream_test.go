package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/threadkit/threadkit/internal/chat/thread"
	"github.com/threadkit/threadkit/internal/chat/threadstore"
	"github.com/threadkit/threadkit/internal/chat/widgets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func decodeFrames(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, chunk := range strings.Split(raw, "\n\n") {
		if chunk == "" {
			continue
		}
		payload, ok := strings.CutPrefix(chunk, "data: ")
		if !ok {
			t.Fatalf("frame without data prefix: %q", chunk)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			t.Fatalf("frame is not JSON: %v (%q)", err, payload)
		}
		frames = append(frames, m)
	}
	return frames
}

func TestEncodeFramesEventsAsSSE(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewStreamEncoder(&buf, nil, discardLogger())

	item := &thread.UserMessageItem{
		ItemBase: thread.ItemBase{ID: "msg_1", ThreadID: "th_1", CreatedAtUnixMs: 1},
		Type:     thread.ItemTypeUserMessage,
		Content:  thread.UserText("hi"),
	}
	enc.Encode(context.Background(), func(ctx context.Context, emit emitFunc) error {
		if err := emit(newItemAdded(item)); err != nil {
			return err
		}
		return emit(newItemDone(item))
	})

	raw := buf.String()
	if !strings.HasSuffix(raw, "\n\n") {
		t.Fatalf("output not terminated by a blank line: %q", raw)
	}
	frames := decodeFrames(t, raw)
	if len(frames) != 2 {
		t.Fatalf("frames got=%d want=2", len(frames))
	}
	if frames[0]["type"] != EventItemAdded || frames[1]["type"] != EventItemDone {
		t.Fatalf("frame types got=%v,%v", frames[0]["type"], frames[1]["type"])
	}
}

func TestEncodeWritesTerminalErrorFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewStreamEncoder(&buf, nil, discardLogger())

	enc.Encode(context.Background(), func(ctx context.Context, emit emitFunc) error {
		return fmt.Errorf("load items: %w", threadstore.ErrNotFound)
	})

	frames := decodeFrames(t, buf.String())
	if len(frames) != 1 {
		t.Fatalf("frames got=%d want=1", len(frames))
	}
	if frames[0]["type"] != EventError {
		t.Fatalf("frame type got=%v want=%q", frames[0]["type"], EventError)
	}
	if frames[0]["code"] != CodeNotFound {
		t.Fatalf("code got=%v want=%q", frames[0]["code"], CodeNotFound)
	}
	if frames[0]["allow_retry"] != false {
		t.Fatalf("allow_retry got=%v want=false", frames[0]["allow_retry"])
	}
}

func TestEncodeSkipsErrorFrameOnCanceledContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewStreamEncoder(&buf, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	enc.Encode(ctx, func(ctx context.Context, emit emitFunc) error {
		cancel()
		return ctx.Err()
	})

	if buf.Len() != 0 {
		t.Fatalf("wrote %q after cancellation, want nothing", buf.String())
	}
}

func TestEncodeRejectsMalformedThreadFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewStreamEncoder(&buf, nil, discardLogger())

	// items page missing: the snapshot must not reach the wire
	bad := &thread.Thread{ID: "th_bad", Status: thread.ActiveStatus()}
	enc.Encode(context.Background(), func(ctx context.Context, emit emitFunc) error {
		return emit(newThreadUpdated(bad))
	})

	frames := decodeFrames(t, buf.String())
	if len(frames) != 1 {
		t.Fatalf("frames got=%d want=1 (terminal error only)", len(frames))
	}
	if frames[0]["type"] != EventError {
		t.Fatalf("frame type got=%v want=%q", frames[0]["type"], EventError)
	}
}

func TestValidateThreadSnapshot(t *testing.T) {
	t.Parallel()

	ok := &thread.Thread{
		ID:     "th_ok",
		Status: thread.ActiveStatus(),
		Items:  thread.EmptyPage[thread.Item](),
	}
	if err := validateFrame(newThreadCreated(ok)); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}
	if err := validateFrame(newThreadCreated(nil)); err == nil {
		t.Fatalf("nil thread accepted")
	}
	noStatus := &thread.Thread{ID: "th_ns", Items: thread.EmptyPage[thread.Item]()}
	if err := validateFrame(newThreadUpdated(noStatus)); err == nil {
		t.Fatalf("missing status type accepted")
	}
	nilData := &thread.Thread{ID: "th_nd", Status: thread.ActiveStatus(), Items: &thread.Page[thread.Item]{}}
	if err := validateFrame(newThreadUpdated(nilData)); err == nil {
		t.Fatalf("nil items data accepted")
	}
}

func TestErrorFrameClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		code       string
		allowRetry bool
	}{
		{"validation", validationErrorf("bad input"), CodeInvalidRequest, false},
		{"not found", fmt.Errorf("thread: %w", threadstore.ErrNotFound), CodeNotFound, false},
		{"widget invariant", fmt.Errorf("diff: %w", widgets.ErrInvariant), CodeStreamError, true},
		{"stream error keeps disposition", &StreamError{Code: "upstream_timeout", AllowRetry: false}, "upstream_timeout", false},
		{"unclassified", errors.New("boom"), CodeStreamError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frame := errorFrame(tt.err)
			if frame.Code != tt.code {
				t.Fatalf("code got=%q want=%q", frame.Code, tt.code)
			}
			if frame.AllowRetry != tt.allowRetry {
				t.Fatalf("allow_retry got=%v want=%v", frame.AllowRetry, tt.allowRetry)
			}
		})
	}
}
