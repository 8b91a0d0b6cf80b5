package dispatch

import "sync"

// handleTable tracks in-flight request handles so the cancel endpoint can
// fire a request's cancel signal by id.
type handleTable struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func newHandleTable() *handleTable {
	return &handleTable{handles: make(map[string]*Handle)}
}

func (t *handleTable) register(h *Handle) {
	t.mu.Lock()
	t.handles[h.RequestID] = h
	t.mu.Unlock()
}

func (t *handleTable) remove(requestID string) {
	t.mu.Lock()
	delete(t.handles, requestID)
	t.mu.Unlock()
}

// cancel fires the handle's cancel signal. It reports whether a live
// request with that id was found.
func (t *handleTable) cancel(requestID string) bool {
	t.mu.Lock()
	h, ok := t.handles[requestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}
