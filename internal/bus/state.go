package bus

import "sync"

// ConnState tracks where the session is in its connection lifecycle.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateAuthenticated ConnState = "authenticated"
	StateClosing       ConnState = "closing"
)

// BusyCounter reference-counts in-flight correlated requests. A progress
// indicator is shown iff the count is above zero. The count never goes
// negative: decrementing at zero is a no-op, and the counter is force-reset
// when the session disconnects because nothing can still be in flight once
// the channel is gone.
type BusyCounter struct {
	mu       sync.Mutex
	n        int
	onChange func(count int)
}

// SetOnChange installs a callback fired after every change to the count.
// The callback runs outside the counter's lock and must not block.
func (b *BusyCounter) SetOnChange(fn func(count int)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *BusyCounter) Increment() {
	b.mu.Lock()
	b.n++
	n, fn := b.n, b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (b *BusyCounter) Decrement() {
	b.mu.Lock()
	if b.n == 0 {
		b.mu.Unlock()
		return
	}
	b.n--
	n, fn := b.n, b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Reset forces the count to zero.
func (b *BusyCounter) Reset() {
	b.mu.Lock()
	if b.n == 0 {
		b.mu.Unlock()
		return
	}
	b.n = 0
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(0)
	}
}

func (b *BusyCounter) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Busy reports whether any correlated request is in flight.
func (b *BusyCounter) Busy() bool {
	return b.Count() > 0
}
