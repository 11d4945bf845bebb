package scheduler

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	limiterShards = 16
	anonymousKey  = "anonymous"
)

// RateLimiter admits at most Limit submissions per client within any sliding
// Window. Clients are spread over independently locked shards.
type RateLimiter struct {
	limit  int
	window time.Duration
	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	clients map[string][]time.Time // admitted submissions, oldest first
}

// NewRateLimiter creates a limiter. A non-positive limit or window disables it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	l := &RateLimiter{limit: limit, window: window}
	for i := range l.shards {
		l.shards[i].clients = make(map[string][]time.Time)
	}
	return l
}

// Enabled reports whether the limiter rejects anything at all.
func (l *RateLimiter) Enabled() bool {
	return l != nil && l.limit > 0 && l.window > 0
}

// Allow records a submission by clientID at now and reports whether it is
// within the limit. Rejected submissions are not recorded.
func (l *RateLimiter) Allow(clientID string, now time.Time) bool {
	if !l.Enabled() {
		return true
	}
	if clientID == "" {
		clientID = anonymousKey
	}

	sh := l.shard(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	hits := trim(sh.clients[clientID], now.Add(-l.window))
	if len(hits) >= l.limit {
		sh.clients[clientID] = hits
		return false
	}
	sh.clients[clientID] = append(hits, now)
	return true
}

// Undo forgets the submission Allow recorded for clientID at at, for a
// submission that was admitted by the limiter but rejected afterwards.
func (l *RateLimiter) Undo(clientID string, at time.Time) {
	if !l.Enabled() {
		return
	}
	if clientID == "" {
		clientID = anonymousKey
	}

	sh := l.shard(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	hits := sh.clients[clientID]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(at) {
			sh.clients[clientID] = append(hits[:i], hits[i+1:]...)
			return
		}
	}
}

// Sweep forgets clients without submissions inside the window and returns
// how many were removed.
func (l *RateLimiter) Sweep(now time.Time) int {
	if !l.Enabled() {
		return 0
	}
	cutoff := now.Add(-l.window)
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for client, hits := range sh.clients {
			hits = trim(hits, cutoff)
			if len(hits) == 0 {
				delete(sh.clients, client)
				removed++
				continue
			}
			sh.clients[client] = hits
		}
		sh.mu.Unlock()
	}
	return removed
}

// Clients returns the number of tracked clients.
func (l *RateLimiter) Clients() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.clients)
		sh.mu.Unlock()
	}
	return n
}

func (l *RateLimiter) shard(clientID string) *limiterShard {
	return &l.shards[xxhash.Sum64String(clientID)%limiterShards]
}

// trim drops hits at or before cutoff, reusing the backing array.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
