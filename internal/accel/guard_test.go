package accel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardSerializes(t *testing.T) {
	g := NewGuard(1, nil)
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(context.Context) error {
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, g.Active())
}

func TestGuardCancelledWait(t *testing.T) {
	var waits atomic.Int32
	g := NewGuard(1, func(time.Duration) { waits.Add(1) })

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
	close(hold)

	require.Eventually(t, func() bool { return g.Active() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), waits.Load())
}

func TestGuardPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := NewGuard(1, nil).Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}
