package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/threadkit/threadkit/internal/chat/threadstore"
)

const maxRequestBytes = 1 << 20

// NewHandler exposes the service over HTTP: every operation is a POST
// of the JSON envelope to /chat; streaming operations answer with SSE.
func NewHandler(svc *Service, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		serveChat(svc, log, w, r)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func serveChat(svc *Service, log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unreadable request body")
		return
	}

	res, err := svc.Process(r.Context(), body)
	if err != nil {
		status, code := classifyError(err)
		log.Warn("request rejected", "status", status, "err", err)
		writeError(w, status, code, err.Error())
		return
	}

	if res.Stream == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res.JSON)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	enc := NewStreamEncoder(w, flusher, log)
	enc.Encode(r.Context(), res.Stream)
}

func classifyError(err error) (status int, code string) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, CodeInvalidRequest
	}
	if errors.Is(err, threadstore.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound
	}
	return http.StatusInternalServerError, CodeStreamError
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
