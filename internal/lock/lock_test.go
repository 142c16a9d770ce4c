package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserhub/internal/store/storetest"
)

func testConfig() Config {
	return Config{
		TTL:          time.Minute,
		MaxWait:      200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func TestAcquireAndRelease(t *testing.T) {
	s, _ := storetest.New(t)
	l := New(s, testConfig())
	ctx := context.Background()

	token, err := l.Acquire(ctx, "lock:a", "alice", nil)
	require.NoError(t, err)
	assert.Contains(t, token, "alice:")

	released, err := l.Release(ctx, "lock:a", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = l.Acquire(ctx, "lock:a", "bob", nil)
	require.NoError(t, err)
}

func TestAcquireTimeout(t *testing.T) {
	s, _ := storetest.New(t)
	l := New(s, testConfig())
	ctx := context.Background()

	_, err := l.Acquire(ctx, "lock:a", "alice", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "lock:a", "bob", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireShortCircuitsWhenResourceExists(t *testing.T) {
	s, _ := storetest.New(t)
	l := New(s, testConfig())
	ctx := context.Background()

	_, err := l.Acquire(ctx, "lock:a", "alice", nil)
	require.NoError(t, err)

	var calls int32
	_, err = l.Acquire(ctx, "lock:a", "alice", func(context.Context) (bool, error) {
		return atomic.AddInt32(&calls, 1) >= 2, nil
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestReleaseWithWrongTokenKeepsLock(t *testing.T) {
	s, mr := storetest.New(t)
	l := New(s, testConfig())
	ctx := context.Background()

	t1, err := l.Acquire(ctx, "lock:a", "alice", nil)
	require.NoError(t, err)

	released, err := l.Release(ctx, "lock:a", NewToken("alice"))
	require.NoError(t, err)
	assert.False(t, released)

	held, err := mr.Get("lock:a")
	require.NoError(t, err)
	assert.Equal(t, t1, held)

	_, ok, err := l.TryAcquire(ctx, "lock:a", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = l.TryAcquire(ctx, "lock:a", "bob", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefresh(t *testing.T) {
	s, mr := storetest.New(t)
	l := New(s, testConfig())
	ctx := context.Background()

	token, ok, err := l.TryAcquire(ctx, "lease", "w1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Refresh(ctx, "lease", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("lease"))

	ok, err = l.Refresh(ctx, "lease", "someone-else", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAcquireIsExclusive(t *testing.T) {
	_, mr := storetest.New(t)
	cfg := testConfig()
	cfg.MaxWait = 5 * time.Second

	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each goroutine gets its own connection, like a separate process
			l := New(storetest.Connect(t, mr), cfg)
			token, err := l.Acquire(context.Background(), "lock:shared", "p", nil)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			_, err = l.Release(context.Background(), "lock:shared", token)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxHolders))
}
