// Package sse implements the chat streaming wire format: server-sent
// events carrying thinking steps, answer chunks, and the final complete
// frame, each as one data: <json> record.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Writer emits SSE frames over one HTTP response. Safe for concurrent
// use; the graph's callbacks and the handler share it.
type Writer struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewWriter prepares the response for streaming and commits the headers.
// Proxies must not buffer: X-Accel-Buffering disables nginx buffering on
// the gateway path.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.Newf(errors.KindInternal, "response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	return &Writer{w: w, f: f}, nil
}

// Send writes one event and flushes it to the client.
func (w *Writer) Send(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}

// FallbackChunkSize is the rune width answers are re-chunked at when the
// provider produced the whole answer without streaming callbacks.
const FallbackChunkSize = 50

// ChunkText splits s into size-rune pieces. Empty input yields nothing.
func ChunkText(s string, size int) []string {
	if s == "" || size <= 0 {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
