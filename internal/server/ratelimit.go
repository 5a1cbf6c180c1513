package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-user and global request rate limits using token
// buckets.
type RateLimiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	users   map[string]*rate.Limiter
	perUser rate.Limit
	burst   int
}

// NewRateLimiter creates a rate limiter. globalRPM is the total
// requests/minute across all users; perUserRPM is the per-user rate.
func NewRateLimiter(globalRPM, perUserRPM int) *RateLimiter {
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	userBurst := perUserRPM
	if userBurst < 1 {
		userBurst = 1
	}
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalBurst),
		users:   make(map[string]*rate.Limiter),
		perUser: rate.Limit(float64(perUserRPM) / 60.0),
		burst:   userBurst,
	}
}

// Allow reports whether a request from the given user is admitted.
func (rl *RateLimiter) Allow(userID string) bool {
	if !rl.global.Allow() {
		return false
	}
	rl.mu.Lock()
	limiter, ok := rl.users[userID]
	if !ok {
		limiter = rate.NewLimiter(rl.perUser, rl.burst)
		rl.users[userID] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}
