package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter tracks per-submitter usage within a fixed window. It
// guards the command submission endpoint so one noisy operator cannot
// starve the dispatch queue.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow reports whether key may proceed under limit requests per
// window. A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.entries[key]
	if !ok || now.After(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}
