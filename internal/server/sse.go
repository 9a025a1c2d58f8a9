package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/jonathan/survey-agent/internal/workflow"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComplete sends the event that ends a stream: the run stopped being driven
func (s *SSEWriter) WriteComplete(runID string, status types.RunStatus) {
	s.WriteEvent("complete", map[string]string{ //nolint:errcheck
		"run_id": runID,
		"status": string(status),
	})
}

// subscriberBuffer bounds how far a slow stream can fall behind before its oldest events are dropped
const subscriberBuffer = 64

// Hub fans engine progress events out to the streams watching each run.
// Pass Publish to workflow.WithProgress.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan workflow.ProgressEvent]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan workflow.ProgressEvent]struct{})}
}

// Publish delivers ev to every subscriber of its run without blocking the engine.
// A full subscriber loses its oldest buffered event, so the newest one, and the
// terminal event that ends a stream, always arrives.
func (h *Hub) Publish(ev workflow.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.RunID] {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		// only Publish sends, under mu, so there is room now
		ch <- ev
	}
}

// Subscribe returns a channel of runID's events and a func that unsubscribes
func (h *Hub) Subscribe(runID string) (<-chan workflow.ProgressEvent, func()) {
	ch := make(chan workflow.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan workflow.ProgressEvent]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs[runID], ch)
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
		h.mu.Unlock()
	}
}
