package ratelimit

import (
	"sync"
	"time"
)

// One token is tracked as 1e9 nano-tokens so a rate of R tokens/sec refills
// exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits events to an integer rate with a fixed burst. It is used
// to cap inbound frames per connection.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64 // nano-tokens
	rate  int64 // tokens/sec

	avail int64 // nano-tokens
	last  time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens that refills at
// ratePerSec tokens per second. Negative arguments are treated as zero.
func NewTokenBucket(clock Clock, capacity, ratePerSec int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst := toNano(capacity)
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  ratePerSec,
		avail: burst,
		last:  clock.Now(),
	}
}

// Allow takes n tokens if the bucket holds them. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that steps backwards only moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.burst {
		if b.avail > b.burst {
			b.avail = b.burst
		}
		return
	}
	missing := b.burst - b.avail
	if elapsed.Nanoseconds() >= missing/b.rate+1 {
		b.avail = b.burst
		return
	}
	b.avail += elapsed.Nanoseconds() * b.rate
	if b.avail > b.burst {
		b.avail = b.burst
	}
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}
