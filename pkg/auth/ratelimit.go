package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limit buckets. Keys inside a bucket are caller-chosen subjects
// (client IP, upload ID, token prefix).
const (
	BucketLogin        = "login"
	BucketChunk        = "chunk"
	BucketInviteIP     = "invite_ip"
	BucketInvitePrefix = "invite_prefix"
)

type limiterKey struct {
	bucket  string
	subject string
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per {bucket, subject} pair. Entries that
// go quiet are evicted on the next Allow call past the sweep interval.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[limiterKey]*limiterEntry
	limits    map[string]rate.Limit
	bursts    map[string]int
	lastSweep time.Time
	idleTTL   time.Duration
}

// NewRateLimiter builds the limiter with the service's fixed buckets.
// chunkPerSecond comes from configuration; the rest are policy constants.
func NewRateLimiter(chunkPerSecond float64) *RateLimiter {
	return &RateLimiter{
		entries: make(map[limiterKey]*limiterEntry),
		limits: map[string]rate.Limit{
			BucketLogin:        rate.Limit(5.0 / 60.0),
			BucketChunk:        rate.Limit(chunkPerSecond),
			BucketInviteIP:     rate.Limit(10.0 / 60.0),
			BucketInvitePrefix: rate.Limit(5.0 / 60.0),
		},
		bursts: map[string]int{
			BucketLogin:        5,
			BucketChunk:        int(chunkPerSecond) + 1,
			BucketInviteIP:     10,
			BucketInvitePrefix: 5,
		},
		lastSweep: time.Now(),
		idleTTL:   15 * time.Minute,
	}
}

// Allow reports whether one event for subject in bucket may proceed now.
// Unknown buckets are never limited.
func (r *RateLimiter) Allow(bucket, subject string) bool {
	limit, ok := r.limits[bucket]
	if !ok {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastSweep) > r.idleTTL {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) > r.idleTTL {
				delete(r.entries, k)
			}
		}
		r.lastSweep = now
	}

	k := limiterKey{bucket: bucket, subject: subject}
	e, ok := r.entries[k]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(limit, r.bursts[bucket])}
		r.entries[k] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}
