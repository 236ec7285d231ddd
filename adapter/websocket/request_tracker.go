package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingRequest is one outstanding call. done has capacity one and is sent
// to exactly once, by whoever removes the entry from the tracker.
type pendingRequest struct {
	id        string
	method    string
	createdAt time.Time
	done      chan callResult
}

// requestTracker is the id -> waiter map. Removal from the map under mu is
// what grants the right to complete a waiter, so no response can reach two
// callers and no caller is completed twice.
type requestTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	newID   func() string
	metrics *Metrics
}

func newRequestTracker(metrics *Metrics) *requestTracker {
	return &requestTracker{
		pending: make(map[string]*pendingRequest),
		newID:   uuid.NewString,
		metrics: metrics,
	}
}

// register creates a waiter under a fresh id.
func (rt *requestTracker) register(method string) *pendingRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := rt.newID()
	for _, taken := rt.pending[id]; taken; _, taken = rt.pending[id] {
		id = rt.newID()
	}
	p := &pendingRequest{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan callResult, 1),
	}
	rt.pending[id] = p
	rt.metrics.setPending(len(rt.pending))
	return p
}

// resolve hands frame to the waiter for id. It reports false for late,
// duplicate or unknown ids.
func (rt *requestTracker) resolve(id string, frame *ParsedFrame) bool {
	p := rt.take(id)
	if p == nil {
		return false
	}
	p.done <- callResult{frame: frame}
	return true
}

// remove drops the waiter without completing it. It reports false if the
// entry was already taken by a response or teardown.
func (rt *requestTracker) remove(id string) bool {
	return rt.take(id) != nil
}

func (rt *requestTracker) take(id string) *pendingRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.pending[id]
	if !ok {
		return nil
	}
	delete(rt.pending, id)
	rt.metrics.setPending(len(rt.pending))
	return p
}

// failAll completes every waiter with err and returns how many there were.
func (rt *requestTracker) failAll(err error) int {
	rt.mu.Lock()
	old := rt.pending
	rt.pending = make(map[string]*pendingRequest)
	rt.metrics.setPending(0)
	rt.mu.Unlock()

	for _, p := range old {
		p.done <- callResult{err: err}
	}
	return len(old)
}

func (rt *requestTracker) len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending)
}
