package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ferrule/conveyor/errors"
)

// Resource is an expensive reusable execution dependency, such as a headless
// browser session. Close releases its underlying state.
type Resource interface {
	Close() error
}

// ResourceFactory creates a fresh Resource. Called lazily: a pool slot only
// materializes a resource the first time it is acquired, and again after an
// unhealthy release destroyed the previous one.
type ResourceFactory func(ctx context.Context) (Resource, error)

// Pool is a fixed-capacity pool of Resources. At most size resources exist
// at once; acquisition beyond capacity blocks until a slot frees or the
// acquire timeout elapses. Waiters are served in FIFO order.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	factory ResourceFactory

	mu     sync.Mutex
	idle   []Resource
	closed bool
}

// NewPool creates a pool of the given capacity. No resources are created
// until first acquisition.
func NewPool(size int, factory ResourceFactory) (*Pool, error) {
	if size <= 0 {
		return nil, errors.Newf("pool size must be positive, got %d", size)
	}
	if factory == nil {
		return nil, errors.New("pool requires a resource factory")
	}

	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		factory: factory,
	}, nil
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// Acquire takes a resource from the pool, blocking up to timeout for a free
// slot. Returns ErrPoolTimeout when no slot frees in time, ErrPoolClosed
// after Close. A factory error releases the slot and is returned wrapped;
// the caller may retry later.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.WithStack(errors.ErrPoolClosed)
	}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "pool acquire canceled")
		}
		return nil, errors.Wrapf(errors.ErrPoolTimeout, "no slot freed within %s", timeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, errors.WithStack(errors.ErrPoolClosed)
	}
	var res Resource
	if n := len(p.idle); n > 0 {
		res = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if res != nil {
		return res, nil
	}

	res, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, errors.Wrap(err, "failed to create pool resource")
	}
	return res, nil
}

// Release returns a resource to the pool. A healthy resource goes back to
// the idle stack for reuse; an unhealthy one is destroyed and its slot is
// refilled lazily on a later Acquire.
func (p *Pool) Release(res Resource, healthy bool) {
	if res == nil {
		p.sem.Release(1)
		return
	}

	if !healthy {
		_ = res.Close()
		p.sem.Release(1)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = res.Close()
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, res)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close shuts the pool down, closing idle resources. Resources still checked
// out are closed by their eventual Release. Acquire fails with ErrPoolClosed
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, res := range idle {
		if err := res.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to close pooled resource")
		}
	}
	return firstErr
}
