package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/threadkit/threadkit/internal/chat/engine"
)

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerBufferedOperation(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &stubEngine{})
	seedThread(t, store, "th_http")
	h := NewHandler(svc, discardLogger())

	rec := postChat(t, h, `{"type":"threads.get_by_id","params":{"thread_id":"th_http"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=%d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type got=%q want=%q", ct, "application/json")
	}
	var got struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.ID != "th_http" {
		t.Fatalf("thread id got=%q want=%q", got.ID, "th_http")
	}
}

func TestHandlerStreamingOperation(t *testing.T) {
	t.Parallel()

	eng := &stubEngine{runEvents: []engine.Event{
		engine.TextDelta{Delta: "Hi."},
		engine.TurnDone{},
	}}
	svc, _ := newTestService(t, eng)
	h := NewHandler(svc, discardLogger())

	rec := postChat(t, h, `{"type":"threads.create","params":{"input":{"content":"hello"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=%d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type got=%q want=%q", ct, "text/event-stream")
	}
	frames := decodeFrames(t, rec.Body.String())
	if len(frames) == 0 {
		t.Fatalf("no frames written")
	}
	if frames[0]["type"] != EventThreadCreated {
		t.Fatalf("first frame got=%v want=%q", frames[0]["type"], EventThreadCreated)
	}
	for _, f := range frames {
		if f["type"] == EventError {
			t.Fatalf("unexpected error frame: %v", f)
		}
	}
}

func TestHandlerValidationFailureIs400(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &stubEngine{})
	h := NewHandler(svc, discardLogger())

	rec := postChat(t, h, `{"type":"threads.create","params":{"input":{"content":""}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != CodeInvalidRequest {
		t.Fatalf("error code got=%q want=%q", body.Error.Code, CodeInvalidRequest)
	}
}

func TestHandlerNotFoundIs404(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &stubEngine{})
	h := NewHandler(svc, discardLogger())

	rec := postChat(t, h, `{"type":"threads.get_by_id","params":{"thread_id":"th_missing"}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status got=%d want=%d", rec.Code, http.StatusNotFound)
	}
}

func TestHandlerHealthz(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &stubEngine{})
	h := NewHandler(svc, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d want=%d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body got=%q", rec.Body.String())
	}
}
