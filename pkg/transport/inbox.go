package transport

import (
	"context"
	"sync"
)

// inbox is the bounded inbound frame queue behind Receive.
type inbox struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = 64
	}
	return &inbox{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

func (b *inbox) push(ctx context.Context, data []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.frames <- data:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop returns queued frames before reporting the terminal error.
func (b *inbox) pop(ctx context.Context) ([]byte, error) {
	select {
	case data := <-b.frames:
		return data, nil
	default:
	}
	select {
	case data := <-b.frames:
		return data, nil
	case <-b.done:
		select {
		case data := <-b.frames:
			return data, nil
		default:
		}
		return nil, b.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *inbox) close(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		if err == nil {
			err = ErrClosed
		}
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *inbox) closeErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
