package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"safe-analysis-sandbox/internal/pipeline"
)

// SSEWriter sends Server-Sent Events and flushes each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter sets the event-stream headers. Returns nil if the
// ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one event. Every line of a multi-line payload gets its own
// "data:" prefix so a newline in model or script output cannot end the
// event early.
func (s *SSEWriter) Send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendJSON marshals v as the event payload.
func (s *SSEWriter) SendJSON(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(event, string(b))
}

// Observer forwards pipeline progress as events named after their kind.
func (s *SSEWriter) Observer() pipeline.Observer {
	return pipeline.ObserverFunc(func(e pipeline.Event) {
		_ = s.SendJSON(string(e.Kind), e)
	})
}
