package impl

import (
	"context"
	"sync"
	"time"

	"github.com/harun/onebot/pkg/protocol"
)

// eventBuffer keeps the newest events for get_latest_events. Taking events
// removes them.
type eventBuffer struct {
	mu     sync.Mutex
	size   int
	events []*protocol.Event
	notify chan struct{}
}

func newEventBuffer(size int) *eventBuffer {
	return &eventBuffer{
		size:   size,
		notify: make(chan struct{}),
	}
}

// push appends ev, dropping the oldest event when full.
func (b *eventBuffer) push(ev *protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, ev)
	if over := len(b.events) - b.size; over > 0 {
		b.events = append([]*protocol.Event(nil), b.events[over:]...)
	}
	close(b.notify)
	b.notify = make(chan struct{})
}

// take removes up to limit events, all of them when limit <= 0. When the
// buffer is empty it waits up to timeout for the next push.
func (b *eventBuffer) take(ctx context.Context, limit int, timeout time.Duration) []*protocol.Event {
	b.mu.Lock()
	if len(b.events) == 0 && timeout > 0 {
		notify := b.notify
		b.mu.Unlock()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-notify:
		case <-timer.C:
		case <-ctx.Done():
		}
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	n := len(b.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*protocol.Event, n)
	copy(out, b.events[:n])
	b.events = b.events[n:]
	return out
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
