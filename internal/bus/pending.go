package bus

import (
	"encoding/json"
	"sync"
	"time"
)

type result struct {
	data json.RawMessage
	err  error
}

// pendingRequest is the correlator's record of one in-flight command. The
// result channel is buffered so whoever settles the request never blocks.
type pendingRequest struct {
	id          string
	destination string
	command     string
	createdAt   time.Time
	ch          chan result
}

// pendingTable maps requestId to its pending entry. Removal is the
// settlement point: exactly one caller wins take() for a given id, so each
// request resolves at most once no matter how response, timeout, and close
// race each other.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.mu.Lock()
	t.m[p.id] = p
	t.mu.Unlock()
}

// take removes and returns the entry for id, or nil if it was already
// settled.
func (t *pendingTable) take(id string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	if !ok {
		return nil
	}
	delete(t.m, id)
	return p
}

// drain removes and returns every pending entry.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.m))
	for _, p := range t.m {
		out = append(out, p)
	}
	t.m = make(map[string]*pendingRequest)
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
