package sessions

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
)

func TestTracker_RegisterAndWait(t *testing.T) {
	tr := NewTracker()
	u1 := tr.Register("c1", Conn{SessionKey: "room"})
	u2 := tr.Register("c2", Conn{SessionKey: "room"})
	tr.Register("c3", Conn{SessionKey: "other"})
	if tr.Count() != 3 {
		t.Fatalf("count=%d, want 3", tr.Count())
	}
	if n := tr.CountSession("room"); n != 2 {
		t.Fatalf("room connections=%d, want 2", n)
	}

	u1()
	u1()
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2 after a double unregister", tr.Count())
	}
	u2()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait must time out while c3 is live")
	}
}

func TestTracker_ReplaceReleasesOlder(t *testing.T) {
	tr := NewTracker()
	tr.Register("c1", Conn{})
	u := tr.Register("c1", Conn{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	u()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatalf("expected Wait to finish")
	}
}

func TestTracker_WarnAllQueuesErrorFrames(t *testing.T) {
	tr := NewTracker()
	live := session.NewOutbox()
	closed := session.NewOutbox()
	closed.Close()
	tr.Register("c1", Conn{Outbox: live})
	tr.Register("c2", Conn{Outbox: closed})
	tr.Register("c3", Conn{})

	if sent := tr.WarnAll("draining", "server is shutting down"); sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	frame, ok := live.Pop()
	if !ok || !strings.Contains(string(frame), `"code":"draining"`) {
		t.Fatalf("frame=%s ok=%v", frame, ok)
	}
}

func TestTracker_DrainCancelsStragglers(t *testing.T) {
	tr := NewTracker()
	var canceled atomic.Int64
	var unregister func()
	unregister = tr.Register("c1", Conn{Cancel: func() {
		canceled.Add(1)
		unregister()
	}})
	done := tr.Register("c2", Conn{Cancel: func() { canceled.Add(1) }})
	done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if n := tr.Drain(ctx, "draining", "bye"); n != 1 {
		t.Fatalf("canceled=%d, want 1", n)
	}
	if canceled.Load() != 1 {
		t.Fatalf("cancel calls=%d, want 1", canceled.Load())
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_NilIsInert(t *testing.T) {
	var tr *Tracker
	tr.Register("c1", Conn{})()
	if tr.Count() != 0 || tr.WarnAll("x", "y") != 0 || tr.CancelAll() != 0 {
		t.Fatalf("nil tracker must be inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait must succeed")
	}
}
