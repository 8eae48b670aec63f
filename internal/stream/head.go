package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Head publishes the current block number. It only moves forward, and every
// height has a context that is cancelled when the head moves past it.
type Head struct {
	n atomic.Uint64

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHead creates a head at block n.
func NewHead(n uint64) *Head {
	h := &Head{}
	h.n.Store(n)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// Current returns the current head.
func (h *Head) Current() uint64 { return h.n.Load() }

// Advance moves the head to n. It reports false when n is not ahead.
func (h *Head) Advance(n uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= h.n.Load() {
		return false
	}
	h.n.Store(n)
	h.cancel()
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return true
}

// Pin returns the current head and a child of parent that is cancelled as
// soon as the head advances. Callers must call the returned cancel func.
func (h *Head) Pin(parent context.Context) (uint64, context.Context, context.CancelFunc) {
	h.mu.Lock()
	n, height := h.n.Load(), h.ctx
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(height, cancel)
	return n, ctx, func() {
		stop()
		cancel()
	}
}
