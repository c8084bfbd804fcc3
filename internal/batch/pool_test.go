package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermitPool_ReleaseIsIdempotent(t *testing.T) {
	pool := NewPermitPool(1)
	p, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.InUse())

	p.Release()
	p.Release()
	assert.Equal(t, 0, pool.InUse())

	p2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	p2.Release()
}

func TestPermitPool_AcquireBlocksUntilRelease(t *testing.T) {
	pool := NewPermitPool(1)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan error, 1)
	go func() {
		p, err := pool.Acquire(context.Background())
		if err == nil {
			p.Release()
		}
		got <- err
	}()
	held.Release()
	require.NoError(t, <-got)
}

func TestPermitPool_CloseWakesWaiters(t *testing.T) {
	pool := NewPermitPool(1)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	got := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	pool.Close()

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPermitPool_NormalizesSize(t *testing.T) {
	assert.Equal(t, 1, NewPermitPool(0).Size())
	assert.Equal(t, 1, NewPermitPool(-3).Size())
	assert.Equal(t, 4, NewPermitPool(4).Size())
}
