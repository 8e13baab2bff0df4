package amqp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPromiseResolveOnce(t *testing.T) {
	p, b := NewPromise[int]()
	_, ok := p.TryPoll()
	assert.False(t, ok)
	assert.False(t, b.Resolved())

	assert.True(t, b.Resolve(1))
	assert.False(t, b.Resolve(2))
	v, ok := p.TryPoll()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, b.Resolved())
	assert.Same(t, p, b.Promise())

	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestPromiseWait(t *testing.T) {
	p, b := NewPromise[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Resolve("ok")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPromiseWaitCancelled(t *testing.T) {
	p, _ := NewPromise[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromiseConcurrentResolve(t *testing.T) {
	p, b := NewPromise[int]()
	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			if b.Resolve(i) {
				wins.Add(1)
			}
			return nil
		})
		g.Go(func() error {
			_, _ = p.TryPoll()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	_, ok := p.TryPoll()
	assert.True(t, ok)
}
