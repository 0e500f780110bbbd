package l402

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard remembers payment hashes whose preimage has already been
// redeemed, for long enough to outlive any invoice that could still be
// presented. Entries expire after ttl; a background ticker sweeps them and
// lookups also expire opportunistically.
type ReplayGuard struct {
	mu      sync.Mutex
	used    map[string]time.Time
	ttl     time.Duration
	cleanup time.Duration
	now     func() time.Time
}

// NewReplayGuard creates a guard with the given entry TTL and sweep
// interval. The TTL must be at least as long as invoice expiry or a spent
// invoice could be replayed after its entry lapses.
func NewReplayGuard(ttl, cleanup time.Duration) *ReplayGuard {
	return &ReplayGuard{
		used:    make(map[string]time.Time),
		ttl:     ttl,
		cleanup: cleanup,
		now:     time.Now,
	}
}

// MarkUsed records the payment hash as spent. It returns true for exactly
// one caller per hash within the TTL window; concurrent redeemers lose.
func (g *ReplayGuard) MarkUsed(paymentHash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if at, ok := g.used[paymentHash]; ok {
		if now.Sub(at) < g.ttl {
			return false
		}
		// expired entry, safe to reclaim
	}
	g.used[paymentHash] = now
	return true
}

// IsUsed reports whether the hash has a live entry.
func (g *ReplayGuard) IsUsed(paymentHash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.used[paymentHash]
	if !ok {
		return false
	}
	if g.now().Sub(at) >= g.ttl {
		delete(g.used, paymentHash)
		return false
	}
	return true
}

// Len returns the number of tracked hashes, expired entries included.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.used)
}

// Run sweeps expired entries until the context is canceled.
func (g *ReplayGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *ReplayGuard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for hash, at := range g.used {
		if now.Sub(at) >= g.ttl {
			delete(g.used, hash)
		}
	}
}
