// Package sessions tracks live realtime connections so a shutdown can warn,
// wait for and finally cancel them.
package sessions

import (
	"context"
	"sync"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
)

// Conn is one tracked realtime connection.
type Conn struct {
	SessionKey string
	Cancel     func()
	// Outbox receives warnings. It may be nil.
	Outbox *session.Outbox
}

type entry struct {
	conn Conn
	once sync.Once
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*entry
	wg    sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*entry)}
}

// Register tracks a connection under id until the returned func is called.
// Registering an id twice replaces, and releases, the older entry.
func (t *Tracker) Register(id string, c Conn) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{conn: c}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*entry)
	}
	old := t.conns[id]
	t.conns[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.release(id, old)
	}
	return func() { t.release(id, e) }
}

func (t *Tracker) release(id string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.conns[id] == e {
			delete(t.conns, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CountSession reports how many tracked connections belong to sessionKey.
func (t *Tracker) CountSession(sessionKey string) int {
	n := 0
	for _, c := range t.snapshot() {
		if c.SessionKey == sessionKey {
			n++
		}
	}
	return n
}

func (t *Tracker) snapshot() []Conn {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Conn, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, e.conn)
	}
	return out
}

// WarnAll queues a relay error frame on every connection that has an outbox.
func (t *Tracker) WarnAll(code, message string) int {
	frame := protocol.ErrorFrame(code, message)
	sent := 0
	for _, c := range t.snapshot() {
		if c.Outbox != nil && c.Outbox.Push(frame) {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() int {
	canceled := 0
	for _, c := range t.snapshot() {
		if c.Cancel != nil {
			c.Cancel()
			canceled++
		}
	}
	return canceled
}

// Wait blocks until every connection unregistered or ctx is done. It reports
// whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain warns every connection, waits for them until ctx is done, then
// cancels the rest. It returns how many had to be canceled.
func (t *Tracker) Drain(ctx context.Context, code, message string) int {
	t.WarnAll(code, message)
	if t.Wait(ctx) {
		return 0
	}
	return t.CancelAll()
}
