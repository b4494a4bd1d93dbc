package notify

import (
	"sync"
	"time"
)

// Dedup suppresses repeat notifications within a time-to-live window. Keys
// are event/title pairs, so a stale-feed alert for one contract does not
// mute the same alert for another. Safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> last sent time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup that considers a notification a duplicate if the
// same key was sent within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the key was sent within the TTL window. A key
// that has not been seen, or whose window has lapsed, is recorded and false
// is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSent, ok := d.seen[key]; ok {
		if now.Sub(lastSent) < d.ttl {
			return true
		}
	}

	d.seen[key] = now
	return false
}

// Cleanup removes entries whose window has lapsed. Called periodically to
// keep the map from growing with one-off alert keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
