package relay

import "time"

// bucket is a token bucket refilled continuously at rate tokens per second.
// Tokens are fractional so that refills shorter than one token interval
// still accumulate.
type bucket struct {
	rate   float64
	tokens float64
	max    float64
}

func newBucket(rate int64, burstSeconds int64) bucket {
	if rate <= 0 {
		return bucket{}
	}
	capacity := float64(rate * burstSeconds)
	return bucket{rate: float64(rate), tokens: capacity, max: capacity}
}

func (b *bucket) enabled() bool { return b.rate > 0 }

func (b *bucket) refill(elapsed time.Duration) {
	if !b.enabled() || elapsed <= 0 {
		return
	}
	b.tokens = min(b.tokens+float64(elapsed.Nanoseconds())*b.rate/float64(time.Second), b.max)
}

// audioLimiter caps how many input_audio_buffer.append frames, and how many
// base64 audio bytes, one client may push upstream. A nil limiter allows everything.
type audioLimiter struct {
	now        func() time.Time
	frames     bucket
	bytes      bucket
	lastRefill time.Time
}

func newAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *audioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &audioLimiter{
		now:        now,
		frames:     newBucket(int64(fps), int64(burstSeconds)),
		bytes:      newBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

// Allow reports whether a frame carrying size audio bytes may be forwarded and,
// if so, charges it.
func (l *audioLimiter) Allow(size int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	size = max(size, 0)
	if l.frames.enabled() && l.frames.tokens < 1 {
		return false
	}
	if l.bytes.enabled() && l.bytes.tokens < float64(size) {
		return false
	}
	if l.frames.enabled() {
		l.frames.tokens--
	}
	if l.bytes.enabled() {
		l.bytes.tokens -= float64(size)
	}
	return true
}
