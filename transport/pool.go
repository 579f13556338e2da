package transport

// Pool is the pool manager that sits in front of many single-call clients:
// parallelism comes from fanning calls out over independent connections, one
// call in flight per member.
//
// Pool design: a buffered channel is the idle queue. It is FIFO and
// goroutine-safe, and blocking on empty comes for free.

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Member is what the pool manages. The pool only ever asks whether a member
// is still usable and closes the ones that are not.
type Member interface {
	IsConnected() bool
	IsExpired() bool
	Close() error
}

// Pool hands out at most maxSize members at a time.
type Pool[M Member] struct {
	mu      sync.Mutex
	idle    chan M
	freed   chan struct{} // wakes a blocked Get when a slot is given up
	size    int           // members created and not yet discarded
	maxSize int
	closed  bool
	factory func(ctx context.Context) (M, error)
}

// NewPool creates a pool of up to maxSize members built by factory. Members
// are created lazily.
func NewPool[M Member](maxSize int, factory func(ctx context.Context) (M, error)) *Pool[M] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Pool[M]{
		idle:    make(chan M, maxSize),
		freed:   make(chan struct{}, maxSize),
		maxSize: maxSize,
		factory: factory,
	}
}

// Get returns an idle member, creates one while under the limit, or blocks
// until a member comes back or its slot is freed. Expired and disconnected
// idle members are closed and replaced.
func (p *Pool[M]) Get(ctx context.Context) (M, error) {
	var zero M
	for {
		select {
		case m := <-p.idle:
			if usable(m) {
				return m, nil
			}
			p.discard(m)
			continue
		default:
		}

		if m, ok, err := p.tryCreate(ctx); ok || err != nil {
			return m, err
		}

		select {
		case m := <-p.idle:
			if usable(m) {
				return m, nil
			}
			p.discard(m)
		case <-p.freed:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Put returns m to the pool. A member that expired or lost its connection is
// closed instead of being queued.
func (p *Pool[M]) Put(m M) {
	p.mu.Lock()
	if !p.closed && usable(m) {
		// Never blocks: the queue holds maxSize and at most maxSize exist.
		p.idle <- m
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(m)
}

// Do runs fn with a pooled member and returns the member afterwards.
func (p *Pool[M]) Do(ctx context.Context, fn func(M) error) error {
	m, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(m)
	return fn(m)
}

// Len returns the number of live members, idle or in use.
func (p *Pool[M]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Close closes every idle member. Members still in use are closed when they
// are put back.
func (p *Pool[M]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var err error
	for {
		select {
		case m := <-p.idle:
			err = multierr.Append(err, p.discard(m))
		default:
			return err
		}
	}
}

func (p *Pool[M]) tryCreate(ctx context.Context) (M, bool, error) {
	var zero M
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, false, ErrPoolClosed
	}
	if p.size >= p.maxSize {
		p.mu.Unlock()
		return zero, false, nil
	}
	// Reserve the slot before dialing so concurrent Gets cannot overshoot.
	p.size++
	p.mu.Unlock()

	m, err := p.factory(ctx)
	if err != nil {
		p.release()
		return zero, false, err
	}
	return m, true, nil
}

func (p *Pool[M]) discard(m M) error {
	p.release()
	if m.IsConnected() {
		return m.Close()
	}
	return nil
}

// release gives a slot back and wakes one waiter so it can create a member
// in its place.
func (p *Pool[M]) release() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func usable(m Member) bool {
	return m.IsConnected() && !m.IsExpired()
}
