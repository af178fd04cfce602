package realm

import "sync"

// outbox is the per-subscriber broadcast queue. The owning Connection holds
// the only strong reference; the group reaches it through a weak pointer.
type outbox struct {
	queue chan []byte

	mu      sync.Mutex
	closed  bool
	reason  error
	evicted chan struct{}
}

type offerResult int

const (
	offered offerResult = iota
	offerFull
	offerClosed
)

func newOutbox(capacity int) *outbox {
	return &outbox{
		queue:   make(chan []byte, capacity),
		evicted: make(chan struct{}),
	}
}

// offer never blocks.
func (o *outbox) offer(frame []byte) offerResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return offerClosed
	}
	select {
	case o.queue <- frame:
		return offered
	default:
		return offerFull
	}
}

// shutdown stops the outbox from accepting frames. reason is what the
// draining writer reports; nil for a connection shutting itself down.
func (o *outbox) shutdown(reason error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	o.reason = reason
	close(o.evicted)
	return true
}

func (o *outbox) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}
