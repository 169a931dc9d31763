package session

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTranslatorPrompt is used when a realtime connection names a session
// that was never created through the handshake.
const DefaultTranslatorPrompt = "You are an AI translator to help translate conversations between two people speaking English and Vietnamese. " +
	"When a person speaks Vietnamese, you translate to English, and when a person speaks English, then translate to Vietnamese. " +
	"Just translate what is said"

// TranslatorPrompt is the peer translation instruction built when the second participant joins.
func TranslatorPrompt(partnerLang, userLang string) string {
	return fmt.Sprintf("You are an AI translator to help translate conversations between two people speaking %s and %s. "+
		"When a person speaks %s, you translate to %s, and when a person speaks %s, then translate to %s.",
		partnerLang, userLang, partnerLang, userLang, userLang, partnerLang)
}

// DirectionalPrompt instructs an upstream that serves a single speaker.
func DirectionalPrompt(fromLang, toLang string) string {
	return fmt.Sprintf("You are an AI translator. The person you hear speaks %s. Translate everything they say into %s. Just translate what is said.",
		fromLang, toLang)
}

// ToolCall is a function call the upstream announced but whose output has not been submitted.
type ToolCall struct {
	CallID         string
	PreviousItemID string
}

// Participant is one connected client.
type Participant struct {
	ID       string
	Language string
	Outbox   *Outbox
}

// Session is the shared state of one session key.
type Session struct {
	Key string

	mu           sync.Mutex
	languages    []string
	prompt       string
	participants map[string]*Participant
	order        []string
	agent        string
	history      *History
	pending      map[string]ToolCall
	cycleCalls   int
	lastActive   time.Time
}

func newSession(key string, historyMax int, now time.Time) *Session {
	return &Session{
		Key:          key,
		participants: make(map[string]*Participant),
		history:      NewHistory(historyMax),
		pending:      make(map[string]ToolCall),
		lastActive:   now,
	}
}

// New returns a detached session, for callers that manage sessions outside a Table.
func New(key string, historyMax int) *Session {
	return newSession(key, historyMax, time.Now())
}

// partnerLanguageLocked returns the first registered language different from lang.
func (s *Session) partnerLanguageLocked(lang string) *string {
	for _, l := range s.languages {
		if l != lang {
			out := l
			return &out
		}
	}
	return nil
}

func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

func (s *Session) SetPrompt(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = p
}

func (s *Session) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.languages...)
}

// Attach registers a participant. The returned count includes the new participant.
func (s *Session) Attach(p *Participant, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.participants[p.ID] = p
	s.lastActive = now
	return len(s.participants)
}

// Leave removes a participant and closes its outbox. It returns how many remain.
func (s *Session) Leave(id string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if ok {
		delete(s.participants, id)
		for i, pid := range s.order {
			if pid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		p.Outbox.Close()
	}
	s.lastActive = now
	return len(s.participants)
}

func (s *Session) Participants() []*Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.participants[id])
	}
	return out
}

// Partner returns the first other participant, if any.
func (s *Session) Partner(id string) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.order {
		if pid != id {
			return s.participants[pid], true
		}
	}
	return nil, false
}

// Broadcast pushes a frame to every participant's outbox.
func (s *Session) Broadcast(frame []byte) {
	for _, p := range s.Participants() {
		p.Outbox.Push(frame)
	}
}

func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) SetAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = name
}

// AppendTurn records a turn and returns the history snapshot after eviction.
func (s *Session) AppendTurn(role, text string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Append(role, text)
	return s.history.Turns()
}

func (s *Session) HistoryTurns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Turns()
}

func (s *Session) HistoryText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Text()
}

func (s *Session) MarshalHistory() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.MarshalBinary()
}

func (s *Session) RestoreHistory(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.UnmarshalBinary(data)
}

// AddPendingCall registers a function call announced by the upstream.
func (s *Session) AddPendingCall(c ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[c.CallID] = c
	s.cycleCalls++
}

// PendingCall looks up a call without removing it.
func (s *Session) PendingCall(callID string) (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[callID]
	return c, ok
}

// ResolveCall removes a call whose output was submitted.
func (s *Session) ResolveCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, callID)
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CompleteCycle is called on response.done. It clears pending calls and
// reports whether the cycle involved tool calls, in which case generation must
// be re-triggered.
func (s *Session) CompleteCycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	retrigger := len(s.pending) > 0 || s.cycleCalls > 0
	s.pending = make(map[string]ToolCall)
	s.cycleCalls = 0
	return retrigger
}

// ClearPendingCalls drops every pending call without re-triggering.
func (s *Session) ClearPendingCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]ToolCall)
	s.cycleCalls = 0
}

// idleSince reports whether the session has no participants and has been idle since before cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0 && s.lastActive.Before(cutoff)
}

func (s *Session) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0
}
