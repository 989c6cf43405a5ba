package spgate

import (
	"sync"
	"time"
)

const (
	defaultFrameRate  = 100
	defaultFrameBurst = 200
)

// ConnContext holds per-connection admission state: a token bucket that
// limits how many frames per second one connection may dispatch.
type ConnContext struct {
	mu         sync.Mutex
	tokens     int64
	lastRefill time.Time
	rate       int64
	burst      int64
}

// NewConnContext returns a bucket refilled at rate tokens per second and
// capped at burst. The bucket starts with rate tokens. A non-positive rate
// disables limiting.
func NewConnContext(rate, burst int) *ConnContext {
	if burst < rate {
		burst = rate
	}
	return &ConnContext{
		tokens:     int64(rate),
		lastRefill: time.Now(),
		rate:       int64(rate),
		burst:      int64(burst),
	}
}

// Allow consumes one token, reporting whether the frame may be dispatched.
func (c *ConnContext) Allow() bool {
	if c == nil || c.rate <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	add := int64(now.Sub(c.lastRefill)) * c.rate / int64(time.Second)
	if add > 0 {
		c.tokens = min(c.tokens+add, c.burst)
		c.lastRefill = now
	}

	if c.tokens <= 0 {
		return false
	}
	c.tokens--
	return true
}
