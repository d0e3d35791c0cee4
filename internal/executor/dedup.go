package executor

import (
	"sync"
	"time"
)

// Dedup drops repeated reports of the same fill. The user channel re-sends
// trades on reconnect and as their settlement status changes, so keys are
// remembered for a TTL window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a key as duplicate for ttl after it
// was first seen.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL window. An unseen
// or expired key is recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if first, ok := d.seen[key]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired keys.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
