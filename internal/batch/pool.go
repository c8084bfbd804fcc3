package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PermitPool is a counting pool of admission permits.
type PermitPool struct {
	sem       *semaphore.Weighted
	size      int
	inUse     atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

// Permit is held by a runner for the whole lifetime of its job.
type Permit struct {
	pool *PermitPool
	once sync.Once
}

// NewPermitPool creates a pool of size permits; size <= 0 means 1.
func NewPermitPool(size int) *PermitPool {
	if size <= 0 {
		size = 1
	}
	return &PermitPool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		closed: make(chan struct{}),
	}
}

func (p *PermitPool) Size() int {
	return p.size
}

// InUse reports how many permits are currently held.
func (p *PermitPool) InUse() int {
	return int(p.inUse.Load())
}

// Acquire blocks until a permit is free, ctx is done, or the pool is closed.
func (p *PermitPool) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-p.closed:
			cancel(ErrPoolClosed)
		case <-waitCtx.Done():
		}
	}()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(context.Cause(waitCtx), ErrPoolClosed) {
			return nil, ErrPoolClosed
		}
		return nil, err
	}

	select {
	case <-p.closed:
		p.sem.Release(1)
		return nil, ErrPoolClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.inUse.Add(1)
	return &Permit{pool: p}, nil
}

// Close fails every pending and future Acquire. Held permits stay valid until
// released.
func (p *PermitPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

// Release returns the permit to its pool. Calling it more than once is a no-op.
func (pm *Permit) Release() {
	if pm == nil {
		return
	}
	pm.once.Do(func() {
		pm.pool.inUse.Add(-1)
		pm.pool.sem.Release(1)
	})
}
