package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	MessagesPerSecond float64
	Burst             int

	// MaxViolations is how many rejected messages a client may send before
	// it is disconnected. Zero never disconnects.
	MaxViolations int
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 100,
		Burst:             200,
		MaxViolations:     1000,
	}
}

// Limiter is a token bucket.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// ClientLimiters hands out one limiter per connection.
type ClientLimiters struct {
	cfg      Config
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

func NewClientLimiters(cfg Config) *ClientLimiters {
	return &ClientLimiters{
		cfg:      cfg,
		limiters: make(map[string]*Limiter),
	}
}

func (cl *ClientLimiters) Config() Config {
	return cl.cfg
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[clientID]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[clientID]; ok {
		return limiter
	}

	limiter = NewLimiter(cl.cfg.MessagesPerSecond, cl.cfg.Burst)
	cl.limiters[clientID] = limiter
	return limiter
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}
