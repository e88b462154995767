package chat

import (
	"errors"
	"fmt"

	"github.com/threadkit/threadkit/internal/chat/threadstore"
	"github.com/threadkit/threadkit/internal/chat/widgets"
)

// Error codes surfaced on the wire.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeStreamError    = "stream_error"
)

// ValidationError marks a request the client must fix before retrying.
// On the buffered path it maps to an HTTP 400; on the streaming path it
// becomes a single terminal error frame.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StreamError is a recognized failure that carries its own retry
// disposition onto the wire. Collaborators return it when they want to
// override the default retryable classification.
type StreamError struct {
	Code       string
	Message    string
	AllowRetry bool
}

func (e *StreamError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// errorFrame converts any failure raised while draining a stream into
// the terminal error event. Widget diff invariant violations are
// data/ordering bugs, not user errors, so they stay retryable; a
// StreamError keeps its own disposition; everything else defaults to
// retryable.
func errorFrame(err error) *ErrorEvent {
	var se *StreamError
	if errors.As(err, &se) {
		return &ErrorEvent{Type: EventError, Code: se.Code, Message: se.Message, AllowRetry: se.AllowRetry}
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ErrorEvent{Type: EventError, Code: CodeInvalidRequest, Message: ve.Message, AllowRetry: false}
	}
	if errors.Is(err, threadstore.ErrNotFound) {
		return &ErrorEvent{Type: EventError, Code: CodeNotFound, Message: err.Error(), AllowRetry: false}
	}
	if errors.Is(err, widgets.ErrInvariant) {
		return &ErrorEvent{Type: EventError, Code: CodeStreamError, AllowRetry: true}
	}
	return &ErrorEvent{Type: EventError, Code: CodeStreamError, AllowRetry: true}
}
