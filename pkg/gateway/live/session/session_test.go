package session

import (
	"testing"
	"time"
)

func TestSession_AttachPartnerLeave(t *testing.T) {
	s := New("k", 3)
	now := time.Now()
	a := &Participant{ID: "a", Language: "English", Outbox: NewOutbox()}
	b := &Participant{ID: "b", Language: "French", Outbox: NewOutbox()}

	if n := s.Attach(a, now); n != 1 {
		t.Fatalf("after first attach n=%d, want 1", n)
	}
	if _, ok := s.Partner("a"); ok {
		t.Fatalf("no partner expected yet")
	}
	if n := s.Attach(b, now); n != 2 {
		t.Fatalf("after second attach n=%d, want 2", n)
	}
	p, ok := s.Partner("a")
	if !ok || p.ID != "b" {
		t.Fatalf("partner=%v ok=%v", p, ok)
	}

	s.Broadcast([]byte(`{"type":"x"}`))
	if a.Outbox.Len() != 1 || b.Outbox.Len() != 1 {
		t.Fatalf("broadcast lens=%d/%d", a.Outbox.Len(), b.Outbox.Len())
	}

	if n := s.Leave("b", now); n != 1 {
		t.Fatalf("remaining=%d", n)
	}
	if b.Outbox.Push([]byte("late")) {
		t.Fatalf("outbox of departed participant should be closed")
	}
}

func TestSession_PendingCallCycle(t *testing.T) {
	s := New("k", 3)
	if s.CompleteCycle() {
		t.Fatalf("cycle without calls must not re-trigger")
	}

	s.AddPendingCall(ToolCall{CallID: "c1", PreviousItemID: "p1"})
	if c, ok := s.PendingCall("c1"); !ok || c.PreviousItemID != "p1" {
		t.Fatalf("pending=%+v ok=%v", c, ok)
	}
	s.ResolveCall("c1")
	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount()=%d after resolve", s.PendingCount())
	}
	if !s.CompleteCycle() {
		t.Fatalf("cycle with a submitted call must re-trigger")
	}
	if s.CompleteCycle() {
		t.Fatalf("second cycle must not re-trigger")
	}

	s.AddPendingCall(ToolCall{CallID: "c2"})
	s.ClearPendingCalls()
	if s.PendingCount() != 0 || s.CompleteCycle() {
		t.Fatalf("ClearPendingCalls should reset the cycle")
	}
}

func TestSession_HistoryPersistence(t *testing.T) {
	s := New("k", 3)
	s.AppendTurn(RoleUser, "one")
	s.AppendTurn(RoleAssistant, "two")
	raw, err := s.MarshalHistory()
	if err != nil {
		t.Fatalf("MarshalHistory: %v", err)
	}

	other := New("k", 3)
	if err := other.RestoreHistory(raw); err != nil {
		t.Fatalf("RestoreHistory: %v", err)
	}
	if other.HistoryText() != "user: one\nassistant: two" {
		t.Fatalf("restored text=%q", other.HistoryText())
	}
}

func TestPrompts(t *testing.T) {
	got := TranslatorPrompt("English", "Spanish")
	want := "You are an AI translator to help translate conversations between two people speaking English and Spanish. When a person speaks English, you translate to Spanish, and when a person speaks Spanish, then translate to English."
	if got != want {
		t.Fatalf("TranslatorPrompt=%q", got)
	}
}
