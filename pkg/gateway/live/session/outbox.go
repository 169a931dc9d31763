package session

import "sync"

// Outbox is an unbounded single-consumer FIFO of text frames bound for one
// client. Producers never block, so a slow client cannot stall the upstream pump.
type Outbox struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	ready  chan struct{}
}

func NewOutbox() *Outbox {
	return &Outbox{ready: make(chan struct{}, 1)}
}

// Push enqueues a frame. It reports false once the outbox is closed.
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()
	o.signal()
	return true
}

// Pop dequeues the oldest frame without blocking.
func (o *Outbox) Pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	return frame, true
}

// Ready is signalled after a Push or Close.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Close stops accepting frames. Frames already queued can still be popped.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

// Drained reports whether the outbox is closed and empty.
func (o *Outbox) Drained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed && len(o.frames) == 0
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
