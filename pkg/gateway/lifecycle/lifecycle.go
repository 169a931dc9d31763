// Package lifecycle holds the process drain state read by readiness and the
// realtime endpoint during graceful shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	// since is the drain start in unix nanoseconds; zero while serving.
	since atomic.Int64
}

// Drain marks the process as draining. Only the first call returns true.
func (l *Lifecycle) Drain() bool {
	if l == nil {
		return false
	}
	return l.since.CompareAndSwap(0, time.Now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.since.Load() != 0
}

// DrainingSince returns when draining started, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.since.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
