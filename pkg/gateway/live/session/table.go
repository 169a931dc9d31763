package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrCollision = errors.New("session key collision")
)

// Snapshot is the handshake view of a session.
type Snapshot struct {
	Key         string
	Ready       bool
	PartnerLang *string
}

type TableOptions struct {
	HistoryMax int
	// NewKey generates session keys. Defaults to the first 8 characters of a UUIDv4.
	NewKey func() string
	Now    func() time.Time
}

// Table is the process-wide session registry. Its lock is held only across
// map and session reads/writes, never across I/O.
type Table struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	historyMax int
	newKey     func() string
	now        func() time.Time
}

func NewTable(opts TableOptions) *Table {
	t := &Table{
		sessions:   make(map[string]*Session),
		historyMax: opts.HistoryMax,
		newKey:     opts.NewKey,
		now:        opts.Now,
	}
	if t.historyMax <= 0 {
		t.historyMax = DefaultHistoryMax
	}
	if t.newKey == nil {
		t.newKey = func() string { return uuid.New().String()[:8] }
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Create allocates a fresh key and registers the caller's language.
// A key collision is reported, not retried.
func (t *Table) Create(userLang string) (Snapshot, error) {
	key := t.newKey()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[key]; exists {
		return Snapshot{}, fmt.Errorf("create %s: %w", key, ErrCollision)
	}
	s := newSession(key, t.historyMax, t.now())
	s.languages = append(s.languages, userLang)
	t.sessions[key] = s
	return Snapshot{Key: key}, nil
}

// Join appends the caller's language and sets the peer translation prompt.
// The joiner is always reported ready.
func (t *Table) Join(key, userLang string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return Snapshot{}, fmt.Errorf("join %s: %w", key, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages = append(s.languages, userLang)
	partner := s.partnerLanguageLocked(userLang)
	partnerName := userLang
	if partner != nil {
		partnerName = *partner
	}
	s.prompt = TranslatorPrompt(partnerName, userLang)
	s.lastActive = t.now()
	return Snapshot{Key: key, Ready: true, PartnerLang: partner}, nil
}

// Status is read-only. ready reports whether a partner language exists for userLang.
func (t *Table) Status(key, userLang string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return Snapshot{}, fmt.Errorf("status %s: %w", key, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var partner *string
	if len(s.languages) > 1 {
		partner = s.partnerLanguageLocked(userLang)
	}
	return Snapshot{Key: key, Ready: partner != nil, PartnerLang: partner}, nil
}

func (t *Table) Get(key string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	return s, ok
}

// GetOrCreate returns the session for key, creating it when the key is unknown.
// The boolean reports whether the session was created.
func (t *Table) GetOrCreate(key string, init func(*Session)) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[key]; ok {
		return s, false
	}
	s := newSession(key, t.historyMax, t.now())
	if init != nil {
		init(s)
	}
	t.sessions[key] = s
	return s, true
}

// Release removes the session once its last participant has left.
func (t *Table) Release(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok || !s.empty() {
		return false
	}
	delete(t.sessions, key)
	return true
}

// Sweep removes sessions that have had no participants for longer than ttl.
func (t *Table) Sweep(ttl time.Duration) int {
	cutoff := t.now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, s := range t.sessions {
		if s.idleSince(cutoff) {
			delete(t.sessions, key)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps idle sessions until ctx is done.
func (t *Table) RunJanitor(ctx context.Context, interval, ttl time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(ttl); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
