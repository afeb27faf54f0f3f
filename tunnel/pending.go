package tunnel

import (
	"context"
	"sync"
	"time"
)

// pendingOp lets concurrent callers share one in-flight run of an
// operation.  With a non-zero cooldown the settled value is also handed
// out to callers that arrive within the window after settlement.
// Errors are never cached.
type pendingOp[T any] struct {
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight *pendingCall[T]
	cached   bool
	val      T
	settled  time.Time
	runs     int // completed runs, for tests
}

type pendingCall[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newPendingOp[T any](cooldown time.Duration) *pendingOp[T] {
	return &pendingOp[T]{cooldown: cooldown, now: time.Now}
}

// Do returns the cached value, joins the in-flight run, or starts fn.
// fn runs to completion even if every waiting ctx is cancelled.
func (p *pendingOp[T]) Do(ctx context.Context, fn func() (T, error)) (T, error) {
	p.mu.Lock()
	if p.cached && p.now().Sub(p.settled) < p.cooldown {
		v := p.val
		p.mu.Unlock()
		return v, nil
	}
	call := p.inflight
	if call == nil {
		call = &pendingCall[T]{done: make(chan struct{})}
		p.inflight = call
		go p.run(call, fn)
	}
	p.mu.Unlock()

	select {
	case <-call.done:
		return call.val, call.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *pendingOp[T]) run(call *pendingCall[T], fn func() (T, error)) {
	call.val, call.err = fn()

	p.mu.Lock()
	if p.inflight == call {
		p.inflight = nil
	}
	p.runs++
	if call.err == nil && p.cooldown > 0 {
		p.cached, p.val, p.settled = true, call.val, p.now()
	}
	p.mu.Unlock()
	close(call.done)
}

// Prime stores v as if a run had just settled with it.
func (p *pendingOp[T]) Prime(v T) {
	p.mu.Lock()
	p.cached, p.val, p.settled = true, v, p.now()
	p.mu.Unlock()
}

// Reset drops any cached value.  An in-flight run is left alone.
func (p *pendingOp[T]) Reset() {
	p.mu.Lock()
	p.cached = false
	p.mu.Unlock()
}
