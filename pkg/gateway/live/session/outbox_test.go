package session

import "testing"

func TestOutbox_FIFOAndClose(t *testing.T) {
	o := NewOutbox()
	for _, f := range []string{"1", "2", "3"} {
		if !o.Push([]byte(f)) {
			t.Fatalf("Push(%s) rejected", f)
		}
	}
	select {
	case <-o.Ready():
	default:
		t.Fatalf("Ready not signalled")
	}

	o.Close()
	if o.Push([]byte("4")) {
		t.Fatalf("Push after Close accepted")
	}
	if o.Drained() {
		t.Fatalf("Drained with queued frames")
	}
	for _, want := range []string{"1", "2", "3"} {
		got, ok := o.Pop()
		if !ok || string(got) != want {
			t.Fatalf("Pop=%q,%v want %q", got, ok, want)
		}
	}
	if _, ok := o.Pop(); ok {
		t.Fatalf("Pop on empty outbox")
	}
	if !o.Drained() {
		t.Fatalf("Drained=false after popping everything")
	}
}

func TestOutbox_ProducersNeverBlock(t *testing.T) {
	o := NewOutbox()
	for i := 0; i < 10000; i++ {
		o.Push([]byte("x"))
	}
	if o.Len() != 10000 {
		t.Fatalf("Len()=%d", o.Len())
	}
}
