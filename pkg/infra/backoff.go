package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff yields the wait before each reconnect attempt. The delay doubles
// per attempt from the base up to the cap, with ±20% jitter so a venue-wide
// outage does not resynchronize every terminal onto the same dial tick
type Backoff struct {
	base  time.Duration
	limit time.Duration

	mu      sync.Mutex
	attempt int
}

func NewBackoff(base, limit time.Duration) *Backoff {
	return &Backoff{base: base, limit: limit}
}

// Next returns the jittered delay for the upcoming attempt and advances
// the attempt counter. The result never falls below the base delay
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	ideal := float64(b.base) * math.Pow(2, float64(b.attempt))
	if ideal > float64(b.limit) {
		ideal = float64(b.limit)
	}
	b.attempt++

	jittered := time.Duration(ideal * (1 + rand.Float64()*0.4 - 0.2))
	return max(jittered, b.base)
}

// Reset restores the schedule to the base delay after a successful connect
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempts reports how many delays have been handed out since the last Reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
