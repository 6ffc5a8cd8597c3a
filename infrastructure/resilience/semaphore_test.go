package resilience_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javimaligno/agentctl/infrastructure/resilience"
)

func TestSemaphoreBound(t *testing.T) {
	sem := resilience.NewSemaphore(3)

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sem.Acquire(context.Background()))
			defer sem.Release()

			current := atomic.AddInt32(&inFlight, 1)
			for {
				observedMax := atomic.LoadInt32(&maxSeen)
				if current <= observedMax || atomic.CompareAndSwapInt32(&maxSeen, observedMax, current) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 3)
	assert.Equal(t, 3, sem.Available())
	assert.Equal(t, 0, sem.Acquired())
}

func TestSemaphoreTryAcquire(t *testing.T) {
	sem := resilience.NewSemaphore(1)
	assert.True(t, sem.TryAcquire())
	assert.False(t, sem.TryAcquire())
	sem.Release()
	assert.True(t, sem.TryAcquire())
}

func TestSemaphoreAcquireCancelled(t *testing.T) {
	sem := resilience.NewSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sem.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRepoLockFIFO(t *testing.T) {
	reg := resilience.NewRepoLockRegistry()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = reg.WithRepoLock(context.Background(), "acme/app", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(2 * time.Millisecond) // encourage submission order
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRepoLockNormalisesTrailingSeparator(t *testing.T) {
	reg := resilience.NewRepoLockRegistry()
	var second bool

	require.NoError(t, reg.WithRepoLock(context.Background(), "acme/app/", func() error {
		go func() {
			_ = reg.WithRepoLock(context.Background(), "acme/app", func() error {
				second = true
				return nil
			})
		}()
		time.Sleep(10 * time.Millisecond)
		assert.False(t, second)
		return nil
	}))
}

func TestWatchdogNoTimeoutOnHeartbeat(t *testing.T) {
	var fired int32
	wd := resilience.NewWatchdog("agent", 30*time.Millisecond, func(resilience.WatchdogContext) {
		atomic.AddInt32(&fired, 1)
	}, nil)
	wd.Start(nil)
	defer wd.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		wd.Heartbeat()
	}
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestWatchdogFiresOnce(t *testing.T) {
	var fired int32
	done := make(chan struct{})
	wd := resilience.NewWatchdog("agent", 20*time.Millisecond, func(resilience.WatchdogContext) {
		atomic.AddInt32(&fired, 1)
		close(done)
	}, nil)
	wd.Start(nil)

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("watchdog never fired")
	}
	wd.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestWithWatchdogStopsOnExit(t *testing.T) {
	var fired int32
	err := resilience.WithWatchdog("agent", 20*time.Millisecond, func(resilience.WatchdogContext) {
		atomic.AddInt32(&fired, 1)
	}, func(heartbeat func()) error {
		heartbeat()
		return nil
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
