package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles claim creation per repository so a single
// repository cannot starve the validation capacity of the service
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLimiter creates a new rate limiter
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow checks if a claim for the given repository is allowed
func (l *Limiter) Allow(repository string) bool {
	return l.getLimiter(repository).Allow()
}

func (l *Limiter) getLimiter(repository string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[repository]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	limiter, exists = l.limiters[repository]
	if exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.rps, l.burst)
	l.limiters[repository] = limiter

	return limiter
}

// Size returns the number of tracked repositories (useful for testing)
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
