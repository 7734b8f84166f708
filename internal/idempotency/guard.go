// Package idempotency short-circuits concurrent re-delivery of the same
// provider event before it reaches deduplication and persistence.
//
// The guard is process-local. It closes the race between two copies of one
// delivery inside a single instance; across instances the provider-ID check
// in package dedup and the store's unique constraint remain the authority.
package idempotency

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"commhub/internal/fingerprint"
)

const DefaultTTL = 15 * time.Minute

// Key is the deterministic idempotency key of one provider event.
func Key(providerID, providerMessageID string, timestamp time.Time) string {
	return fingerprint.IdempotencyKey(providerID, providerMessageID, timestamp)
}

type Config struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type entry struct {
	messageID string
	expiresAt time.Time
}

// Guard is a TTL cache of processed keys plus an in-flight call collapser.
type Guard struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	flight  singleflight.Group
}

func New(cfg Config) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		entries: make(map[string]entry),
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
}

// CheckIdempotency returns the message ID recorded for key, if it has not expired.
func (g *Guard) CheckIdempotency(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return "", false
	}
	if !g.now().Before(e.expiresAt) {
		delete(g.entries, key)
		return "", false
	}
	return e.messageID, true
}

// MarkAsProcessed records key as handled by messageID for one TTL.
func (g *Guard) MarkAsProcessed(key, messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = entry{messageID: messageID, expiresAt: g.now().Add(g.ttl)}
}

// ClearExpiredEntries evicts expired keys and returns how many were removed.
func (g *Guard) ClearExpiredEntries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for k, e := range g.entries {
		if !now.Before(e.expiresAt) {
			delete(g.entries, k)
			n++
		}
	}
	if n > 0 {
		g.logger.Debug("idempotency entries expired", "count", n, "remaining", len(g.entries))
	}
	return n
}

// Len reports the number of cached keys, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Do runs fn at most once at a time per key. Callers that arrive while fn is
// in flight wait and receive the same value; for them leader is false.
func (g *Guard) Do(key string, fn func() (any, error)) (v any, leader bool, err error) {
	ran := false
	v, err, _ = g.flight.Do(key, func() (any, error) {
		ran = true
		return fn()
	})
	return v, ran, err
}
