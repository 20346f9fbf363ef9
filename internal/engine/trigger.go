package engine

import "sync"

// trigger is a coalescing wake-up signal for the Run loop.
//
// The channel has a buffer of one, so any number of Fire calls between two
// receives collapse into a single pending drain request.
type trigger struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{}
}

func newTrigger() *trigger {
	return &trigger{signal: make(chan struct{}, 1)}
}

// Fire requests a drain. Non-blocking; returns false once closed.
func (t *trigger) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	select {
	case t.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns a channel that receives when a drain was requested.
func (t *trigger) Wait() <-chan struct{} {
	return t.signal
}

// Close stops accepting requests and wakes any waiter.
func (t *trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.signal)
}
