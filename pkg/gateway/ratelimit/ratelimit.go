// Package ratelimit holds per-principal request rates and concurrency caps in
// memory. Realtime connections are capped separately from plain requests.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxConcurrentRealtime int

	// MaxEntries bounds the number of tracked principals. When full, idle
	// entries older than EntryTTL are swept, then the least recently seen one
	// is evicted.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the state of one principal. All fields are guarded by Limiter.mu
// except the semaphores, which are channels.
type entry struct {
	tokens   float64
	refilled time.Time
	lastSeen time.Time

	requests slots
	realtime slots
}

// slots is a counting semaphore. A nil slots never blocks.
type slots chan struct{}

func newSlots(n int) slots {
	if n <= 0 {
		return nil
	}
	return make(slots, n)
}

func (s slots) tryAcquire() (*Permit, bool) {
	if s == nil {
		return &Permit{}, true
	}
	select {
	case s <- struct{}{}:
		return &Permit{release: func() { <-s }}, true
	default:
		return nil, false
	}
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, entries: make(map[string]*entry)}
}

// PrincipalKeyFromAPIKey hashes an API key so the raw secret never sits in
// the limiter map.
func PrincipalKeyFromAPIKey(apiKey string) string { return hashKey("k_", apiKey) }

func PrincipalKeyFromIP(ip string) string { return hashKey("ip_", ip) }

func hashKey(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return prefix + hex.EncodeToString(sum[:16])
}

// Permit is a held concurrency slot. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

type Decision struct {
	Allowed bool
	// RetryAfter is in whole seconds, at least 1 when not allowed.
	RetryAfter int
	Permit     *Permit
}

func denied(retryAfter int) Decision {
	return Decision{RetryAfter: max(1, retryAfter)}
}

// AcquireRequest charges one token from the principal's bucket and then
// takes a request slot.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	e, retryAfter, ok := l.charge(principal, now)
	if !ok {
		return denied(retryAfter)
	}
	p, ok := e.requests.tryAcquire()
	if !ok {
		return denied(1)
	}
	return Decision{Allowed: true, Permit: p}
}

// AcquireRealtime takes a realtime slot for the life of one socket. It does
// not consume request tokens.
func (l *Limiter) AcquireRealtime(principal string, now time.Time) Decision {
	l.mu.Lock()
	e := l.lookupLocked(principal, now)
	l.mu.Unlock()

	p, ok := e.realtime.tryAcquire()
	if !ok {
		return denied(1)
	}
	return Decision{Allowed: true, Permit: p}
}

func (l *Limiter) charge(principal string, now time.Time) (*entry, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.lookupLocked(principal, now)
	if l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return e, 0, true
	}

	capacity := float64(l.cfg.Burst)
	if e.refilled.IsZero() {
		e.tokens, e.refilled = capacity, now
	} else if elapsed := now.Sub(e.refilled); elapsed > 0 {
		e.tokens = math.Min(capacity, e.tokens+elapsed.Seconds()*l.cfg.RPS)
		e.refilled = now
	}

	if e.tokens >= 1 {
		e.tokens--
		return e, 0, true
	}
	return e, int(math.Ceil((1 - e.tokens) / l.cfg.RPS)), false
}

func (l *Limiter) lookupLocked(principal string, now time.Time) *entry {
	if principal == "" {
		principal = "anonymous"
	}
	if e, ok := l.entries[principal]; ok {
		e.lastSeen = now
		return e
	}
	if len(l.entries) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	e := &entry{
		lastSeen: now,
		requests: newSlots(l.cfg.MaxConcurrentRequests),
		realtime: newSlots(l.cfg.MaxConcurrentRealtime),
	}
	l.entries[principal] = e
	return e
}

func (l *Limiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > l.cfg.EntryTTL {
			delete(l.entries, k)
			continue
		}
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = k, e.lastSeen
		}
	}
	if len(l.entries) >= l.cfg.MaxEntries && oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}
