package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundedConcurrencyAndCompletion(t *testing.T) {
	const maxSize = 4
	const items = 20

	gate := make(chan struct{})
	var running, peak, done int64

	p := New(Config{MaxSize: maxSize, IdleTimeout: time.Second}, func(ctx context.Context, n int) error {
		cur := atomic.AddInt64(&running, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		<-gate
		atomic.AddInt64(&running, -1)
		atomic.AddInt64(&done, 1)
		return nil
	})
	defer p.Stop(time.Second)

	for i := 0; i < items; i++ {
		require.NoError(t, p.Submit(i))
	}

	require.Eventually(t, func() bool { return atomic.LoadInt64(&running) == maxSize }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, maxSize, p.Size())
	assert.Equal(t, items-maxSize, p.Stats().Queued)

	close(gate)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&done) == items }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(maxSize))
	assert.Equal(t, int64(items), p.Stats().Processed)
}

func TestPool_IdleUnitsConvergeToCoreSize(t *testing.T) {
	tests := []struct {
		name     string
		coreSize int
	}{
		{"core zero", 0},
		{"core one", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			p := New(Config{CoreSize: tt.coreSize, MaxSize: 4, IdleTimeout: 50 * time.Millisecond}, func(ctx context.Context, _ int) error {
				<-gate
				return nil
			})
			defer p.Stop(time.Second)

			for i := 0; i < 4; i++ {
				require.NoError(t, p.Submit(i))
			}
			require.Eventually(t, func() bool { return p.Stats().Active == 4 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, 4, p.Size())

			close(gate)

			require.Eventually(t, func() bool { return p.Size() == tt.coreSize }, 2*time.Second, 10*time.Millisecond)
			time.Sleep(150 * time.Millisecond)
			assert.Equal(t, tt.coreSize, p.Size(), "core units stay alive")
		})
	}
}

func TestPool_FIFOWithSingleUnit(t *testing.T) {
	var mu sync.Mutex
	var order []int

	p := New(Config{MaxSize: 1}, func(ctx context.Context, n int) error {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})
	defer p.Stop(time.Second)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(i))
	}

	require.Eventually(t, func() bool { return p.Stats().Processed == 10 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPool_FailuresAreContained(t *testing.T) {
	var ok int64
	p := New(Config{MaxSize: 1}, func(ctx context.Context, n int) error {
		switch n {
		case 0:
			panic("handler exploded")
		case 1:
			return errors.New("handler failed")
		}
		atomic.AddInt64(&ok, 1)
		return nil
	})
	defer p.Stop(time.Second)

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(i))
	}

	require.Eventually(t, func() bool { return p.Stats().Processed == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), atomic.LoadInt64(&ok))
	assert.Equal(t, int64(2), p.Stats().Failed)
	assert.Equal(t, 1, p.Size(), "the unit survives a panic")
}

func TestPool_SubmitNeverBlocks(t *testing.T) {
	gate := make(chan struct{})
	p := New(Config{MaxSize: 1}, func(ctx context.Context, _ int) error {
		<-gate
		return nil
	})
	defer p.Stop(time.Second)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, p.Submit(i))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, p.Size())

	close(gate)
}

func TestPool_StopDrainsAndRejects(t *testing.T) {
	var processed int64
	p := New(Config{MaxSize: 2}, func(ctx context.Context, _ int) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&processed, 1)
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(i))
	}

	assert.True(t, p.Stop(2*time.Second))
	assert.Equal(t, int64(10), atomic.LoadInt64(&processed))
	assert.Equal(t, 0, p.Size())
	assert.ErrorIs(t, p.Submit(11), errs.ErrPoolStopped)
	assert.True(t, p.Stop(time.Second), "second stop is a no-op")
}

func TestPool_StopTimesOutOnStuckItem(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	p := New(Config{MaxSize: 1}, func(ctx context.Context, _ int) error {
		<-gate
		return nil
	})
	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool { return p.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, p.Stop(50*time.Millisecond))
}

func TestPool_Defaults(t *testing.T) {
	p := New(Config{CoreSize: 40}, func(ctx context.Context, _ int) error { return nil })
	defer p.Stop(time.Second)

	assert.Equal(t, DefaultMaxSize, p.cfg.MaxSize)
	assert.Equal(t, DefaultMaxSize, p.cfg.CoreSize, "core size is capped at max size")
	assert.Equal(t, DefaultIdleTimeout, p.cfg.IdleTimeout)

	assert.Panics(t, func() { New[int](Config{}, nil) })
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test_pool")

	p := New(Config{MaxSize: 2}, func(ctx context.Context, n int) error {
		if n == 0 {
			return errors.New("fail")
		}
		return nil
	}, WithMetrics[int](m))
	defer p.Stop(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.Eventually(t, func() bool { return p.Stats().Processed == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.submitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failed))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
