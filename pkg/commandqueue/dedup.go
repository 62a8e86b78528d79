package commandqueue

import (
	"context"
	"sync"
	"time"
)

// Dedup remembers keys for a bounded time. The application uses it to drop
// events redelivered by polling or webhook retries.
type Dedup struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDedup creates a cache whose entries expire after ttl. A background
// sweep runs until Stop or ctx is done.
func NewDedup(ctx context.Context, ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Dedup{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go d.cleanup(ctx)

	return d
}

// Stop ends the background sweep
func (d *Dedup) Stop() {
	d.cancel()
}

// Seen records key and reports whether it was already recorded within the ttl.
// The empty key is never considered seen.
func (d *Dedup) Seen(key string) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, exists := d.entries[key]; exists && now.Sub(at) <= d.ttl {
		return true
	}
	d.entries[key] = now
	return false
}

// cleanup periodically removes expired entries
func (d *Dedup) cleanup(ctx context.Context) {
	defer close(d.done)

	interval := d.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			now := time.Now()
			for key, at := range d.entries {
				if now.Sub(at) > d.ttl {
					delete(d.entries, key)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Size returns the number of entries in the cache
func (d *Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Clear removes all entries from the cache
func (d *Dedup) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]time.Time)
}
