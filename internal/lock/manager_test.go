package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookwise/internal/policy"
	"bookwise/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryManager(opts ...Option) (*Manager, *clock) {
	clk := &clock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	st := store.NewMemory(store.WithClock(clk.Now))
	return NewManager(st, nil, append([]Option{WithClock(clk.Now)}, opts...)...), clk
}

func newRedisManager(t *testing.T) *Manager {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(store.NewRedis(rdb, "test"), nil)
}

var errDown = errors.New("connection refused")

type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (downStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) Delete(context.Context, ...string) error      { return errDown }
func (downStore) Exists(context.Context, string) (bool, error) { return false, errDown }
func (downStore) ExistsMany(context.Context, ...string) ([]bool, error) {
	return nil, errDown
}
func (downStore) TTL(context.Context, string) (time.Duration, error)         { return 0, errDown }
func (downStore) Incr(context.Context, string, time.Duration) (int64, error) { return 0, errDown }
func (downStore) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return false, errDown
}
func (downStore) CompareAndExpire(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errDown
}

func TestAcquireLock_Race(t *testing.T) {
	mem, _ := newMemoryManager()
	managers := map[string]*Manager{"memory": mem, "redis": newRedisManager(t)}

	for name, m := range managers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 16
			var wins, conflicts int32
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := m.AcquireLock(ctx, "K", 1, Options{TTL: time.Minute, Strategy: StrategyFail})
					if err != nil {
						return
					}
					if res.Success {
						atomic.AddInt32(&wins, 1)
					} else if res.Conflict {
						atomic.AddInt32(&conflicts, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
			assert.Equal(t, int32(n-1), conflicts)
		})
	}
}

func TestAcquireLock_Versions(t *testing.T) {
	ctx := context.Background()

	t.Run("absent creates", func(t *testing.T) {
		m, _ := newMemoryManager()
		res, err := m.AcquireLock(ctx, "k", 3, Options{})
		require.NoError(t, err)
		assert.Equal(t, Result{Success: true, Version: 3, Attempts: 1}, res)

		info, err := m.GetLockInfo(ctx, "k")
		require.NoError(t, err)
		assert.True(t, info.Active)
		assert.Equal(t, int64(3), info.Version)
		assert.Equal(t, DefaultTTL, info.TTL)
	})

	t.Run("equal or higher held version conflicts", func(t *testing.T) {
		m, _ := newMemoryManager()
		_, err := m.AcquireLock(ctx, "k", 5, Options{})
		require.NoError(t, err)

		for _, v := range []int64{5, 4} {
			res, err := m.AcquireLock(ctx, "k", v, Options{Strategy: StrategyFail})
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.True(t, res.Conflict)
			assert.Equal(t, int64(5), res.Version)
		}
	})

	t.Run("lower held version still conflicts", func(t *testing.T) {
		m, _ := newMemoryManager()
		_, err := m.AcquireLock(ctx, "k", 2, Options{})
		require.NoError(t, err)

		res, err := m.AcquireLock(ctx, "k", 3, Options{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, res.Conflict)
		assert.Equal(t, int64(2), res.Version)

		ok, err := m.ReleaseLock(ctx, "k", 3)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("next version increases", func(t *testing.T) {
		m, _ := newMemoryManager()
		v1, err := m.NextVersion(ctx, "k")
		require.NoError(t, err)
		v2, err := m.NextVersion(ctx, "k")
		require.NoError(t, err)
		assert.Greater(t, v2, v1)
	})

	t.Run("expired lock is free", func(t *testing.T) {
		m, clk := newMemoryManager()
		_, err := m.AcquireLock(ctx, "k", 1, Options{TTL: 10 * time.Second})
		require.NoError(t, err)

		clk.Advance(11 * time.Second)
		active, err := m.IsLockActive(ctx, "k")
		require.NoError(t, err)
		assert.False(t, active)

		res, err := m.AcquireLock(ctx, "k", 1, Options{})
		require.NoError(t, err)
		assert.True(t, res.Success)
	})
}

func TestAcquireLock_RetryStrategy(t *testing.T) {
	ctx := context.Background()
	retry := policy.RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 25 * time.Millisecond}

	t.Run("succeeds once holder releases", func(t *testing.T) {
		var m *Manager
		var slept []time.Duration
		m, _ = newMemoryManager(WithSleeper(policy.SleeperFunc(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			if len(slept) == 2 {
				_, _ = m.ReleaseLock(ctx, "k", 1)
			}
			return nil
		})))
		_, err := m.AcquireLock(ctx, "k", 1, Options{})
		require.NoError(t, err)

		res, err := m.AcquireLock(ctx, "k", 1, Options{Strategy: StrategyRetry, Retry: retry})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var slept []time.Duration
		m, _ := newMemoryManager(WithSleeper(policy.SleeperFunc(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		})))
		_, err := m.AcquireLock(ctx, "k", 1, Options{})
		require.NoError(t, err)

		res, err := m.AcquireLock(ctx, "k", 1, Options{Strategy: StrategyRetry, Retry: retry})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, res.Conflict)
		assert.Equal(t, 4, res.Attempts)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, slept)
	})

	t.Run("fixed retry count", func(t *testing.T) {
		var sleeps int
		m, _ := newMemoryManager(WithSleeper(policy.SleeperFunc(func(context.Context, time.Duration) error {
			sleeps++
			return nil
		})))
		_, err := m.AcquireLock(ctx, "k", 1, Options{})
		require.NoError(t, err)

		res, err := m.AcquireLock(ctx, "k", 1, Options{Strategy: StrategyRetry, Retry: policy.FixedRetry(2, time.Millisecond)})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 2, sleeps)
	})

	t.Run("manager default policy", func(t *testing.T) {
		var sleeps int
		m, _ := newMemoryManager(WithRetryPolicy(retry), WithSleeper(policy.SleeperFunc(func(context.Context, time.Duration) error {
			sleeps++
			return nil
		})))
		_, err := m.AcquireLock(ctx, "k", 1, Options{})
		require.NoError(t, err)

		res, err := m.AcquireLock(ctx, "k", 1, Options{Strategy: StrategyRetry})
		require.NoError(t, err)
		assert.Equal(t, 4, res.Attempts)
		assert.Equal(t, 3, sleeps)
	})
}

func TestAcquireLock_ForceStrategy(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemoryManager()

	_, err := m.AcquireLock(ctx, "k", 7, Options{})
	require.NoError(t, err)

	res, err := m.AcquireLock(ctx, "k", 2, Options{Strategy: StrategyForce})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Conflict)
	assert.Equal(t, int64(2), res.Version)

	info, err := m.GetLockInfo(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)

	ok, err := m.ReleaseLock(ctx, "k", 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseAndRenew(t *testing.T) {
	ctx := context.Background()
	m, clk := newMemoryManager()

	ok, err := m.ReleaseLock(ctx, "absent", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.AcquireLock(ctx, "k", 4, Options{TTL: 10 * time.Second})
	require.NoError(t, err)

	ok, err = m.RenewLock(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(8 * time.Second)
	ok, err = m.RenewLock(ctx, "k", 4, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(30 * time.Second)
	active, err := m.IsLockActive(ctx, "k")
	require.NoError(t, err)
	assert.True(t, active)

	ok, err = m.ReleaseLock(ctx, "k", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.ReleaseLock(ctx, "k", 4)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := m.GetLockInfo(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Info{}, info)

	ok, err = m.RenewLock(ctx, "k", 4, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUnavailableFailsClosed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(downStore{}, nil)

	res, err := m.AcquireLock(ctx, "k", 1, Options{})
	require.Error(t, err)
	assert.False(t, res.Success)
	cat, ok := policy.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, policy.LockStoreUnavailable, cat)
	assert.True(t, policy.IsRetryable(err))

	_, err = m.ReleaseLock(ctx, "k", 1)
	assert.Error(t, err)
	_, err = m.RenewLock(ctx, "k", 1, time.Second)
	assert.Error(t, err)
	_, err = m.IsLockActive(ctx, "k")
	assert.Error(t, err)
	_, err = m.GetLockInfo(ctx, "k")
	assert.Error(t, err)

	grant, err := m.AcquireBookingLock(ctx, Window{TenantID: "t", ShopID: "s", EmployeeID: "e", Start: time.Now(), Duration: time.Hour}, Options{TTL: time.Minute})
	require.Error(t, err)
	assert.False(t, grant.Granted)
}

func TestAcquireLock_RedisTTL(t *testing.T) {
	ctx := context.Background()
	m := newRedisManager(t)

	_, err := m.AcquireLock(ctx, "k", 1, Options{TTL: 20 * time.Second})
	require.NoError(t, err)

	info, err := m.GetLockInfo(ctx, "k")
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.InDelta(t, 20, info.TTL.Seconds(), 1)
}
