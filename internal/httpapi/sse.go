package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/convoke/internal/dispatch"
)

var _ dispatch.Emitter = (*sseEmitter)(nil)

// sseEmitter writes the event vocabulary to one SSE connection. It flushes
// after every event so deltas reach the client without buffering, and it
// swallows any event after the terminal done.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu   sync.Mutex
	done bool
}

func newSSEEmitter(w http.ResponseWriter, flusher http.Flusher) *sseEmitter {
	return &sseEmitter{w: w, flusher: flusher}
}

func (e *sseEmitter) Ping() error {
	return e.write("ping", struct{}{})
}

func (e *sseEmitter) Meta(m dispatch.Meta) error {
	return e.write("meta", m)
}

func (e *sseEmitter) Delta(text string) error {
	return e.write("delta", map[string]string{"delta": text})
}

func (e *sseEmitter) Error(code, message string) error {
	return e.write("error", map[string]string{"code": code, "message": message})
}

func (e *sseEmitter) Done(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	return e.writeLocked("done", map[string]string{"reason": reason})
}

func (e *sseEmitter) write(event string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	return e.writeLocked(event, data)
}

func (e *sseEmitter) writeLocked(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("httpapi: encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("httpapi: write %s event: %w", event, err)
	}
	e.flusher.Flush()
	return nil
}
