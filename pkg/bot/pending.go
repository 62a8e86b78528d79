package bot

import (
	"sync"
	"time"

	"github.com/harun/onebot/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// result resolves a waiter with either a response or an error.
type result struct {
	resp *protocol.Response
	err  error
}

type waiter struct {
	action  string
	started time.Time
	ch      chan result
}

// pendingTable maps correlation tokens to waiters. An entry is resolved by
// whoever removes it, so each waiter receives exactly one result.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]*waiter)}
}

// add registers a waiter under a fresh token unique within the table.
func (t *pendingTable) add(action string) (string, *waiter) {
	w := &waiter{
		action:  action,
		started: time.Now(),
		ch:      make(chan result, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		token, _ := gonanoid.New()
		if _, exists := t.waiters[token]; !exists {
			t.waiters[token] = w
			return token, w
		}
	}
}

// take removes and returns the waiter for token.
func (t *pendingTable) take(token string) (*waiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.waiters[token]
	if ok {
		delete(t.waiters, token)
	}
	return w, ok
}

// drain removes every waiter and resolves each with err.
func (t *pendingTable) drain(err error) int {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()

	for _, w := range waiters {
		w.ch <- result{err: err}
	}
	return len(waiters)
}

func (t *pendingTable) has(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[token]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
