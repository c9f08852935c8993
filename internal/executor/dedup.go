package executor

import (
	"sync"
	"time"
)

// Dedup suppresses re-execution of the same opportunity within a
// time-to-live window. Detectors re-emit a signal on every book tick
// while the spread persists, so the key is the signal's price-level
// fingerprint rather than its unique ID. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // fingerprint -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers an opportunity a
// duplicate if its fingerprint was seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the fingerprint has been seen within the
// TTL window. Otherwise the fingerprint is recorded and false is
// returned.
func (d *Dedup) IsDuplicate(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[fingerprint]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[fingerprint] = now
	return false
}

// Forget drops a fingerprint so the opportunity can run again before
// the TTL expires. Called when an attempt aborts without filling
// anything, since the books may still hold the edge.
func (d *Dedup) Forget(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fingerprint)
}

// Cleanup removes entries that have expired beyond the TTL. This should
// be called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
