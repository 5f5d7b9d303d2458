package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

// Handler receives inbound envelopes for a subscribed (origin, command)
// pair. Handlers run on the dispatch goroutine and must not block.
type Handler func(env *protocol.Envelope)

type subKey struct {
	origin  string
	command string
}

// router fans inbound envelopes out to passive subscribers. Subscriptions
// are keyed by exact (origin, command); taps see every envelope and carry
// cross-cutting concerns like journaling and metrics, so clearing a session
// leaves them installed.
type router struct {
	mu   sync.RWMutex
	subs map[subKey]map[string]Handler
	taps map[string]Handler
}

func newRouter() *router {
	return &router{
		subs: make(map[subKey]map[string]Handler),
		taps: make(map[string]Handler),
	}
}

// subscribe registers a handler for (origin, command) and returns its
// unsubscribe func. Multiple handlers per key are allowed; each sees a
// given envelope at most once, in unspecified order.
func (r *router) subscribe(origin, command string, fn Handler) func() {
	key := subKey{origin: origin, command: command}
	id := uuid.New().String()

	r.mu.Lock()
	if r.subs[key] == nil {
		r.subs[key] = make(map[string]Handler)
	}
	r.subs[key][id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if set, ok := r.subs[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subs, key)
			}
		}
		r.mu.Unlock()
	}
}

// tap registers a handler for every inbound envelope regardless of origin
// or command. Returns its remove func.
func (r *router) tap(fn Handler) func() {
	id := uuid.New().String()
	r.mu.Lock()
	r.taps[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.taps, id)
		r.mu.Unlock()
	}
}

// dispatch invokes every subscriber registered for the envelope's
// (origin, command) plus all taps, and reports how many keyed subscribers
// ran. Handlers are snapshotted first so one may subscribe or unsubscribe
// without deadlocking.
func (r *router) dispatch(env *protocol.Envelope) int {
	key := subKey{origin: env.Origin, command: env.Command}

	r.mu.RLock()
	matched := make([]Handler, 0, len(r.subs[key]))
	for _, fn := range r.subs[key] {
		matched = append(matched, fn)
	}
	taps := make([]Handler, 0, len(r.taps))
	for _, fn := range r.taps {
		taps = append(taps, fn)
	}
	r.mu.RUnlock()

	for _, fn := range matched {
		fn(env)
	}
	for _, fn := range taps {
		fn(env)
	}
	return len(matched)
}

// clear drops every keyed subscription. Taps stay.
func (r *router) clear() {
	r.mu.Lock()
	r.subs = make(map[subKey]map[string]Handler)
	r.mu.Unlock()
}

func (r *router) subscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}
