// Package lock implements versioned, expiring locks on the shared store and the
// booking leases built from them.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"bookwise/internal/metrics"
	"bookwise/internal/policy"
	"bookwise/internal/store"
)

const (
	DefaultTTL = 30 * time.Second

	keyPrefix = "lock:"
	// Bound on immediate re-reads when a lock changes between two store calls.
	maxRaces = 3
)

// Strategy decides what AcquireLock does on a version conflict.
type Strategy string

const (
	StrategyFail  Strategy = "fail"
	StrategyRetry Strategy = "retry"
	StrategyForce Strategy = "force"
)

// Store is the subset of the shared store used for locks.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	ExistsMany(ctx context.Context, keys ...string) ([]bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	CompareAndExpire(ctx context.Context, key string, old []byte, ttl time.Duration) (bool, error)
}

// Options configures one AcquireLock call.
type Options struct {
	TTL      time.Duration
	Strategy Strategy
	Retry    policy.RetryPolicy
}

// Result is the outcome of AcquireLock. Conflict together with Success means
// the lock was forced over another holder.
type Result struct {
	Success  bool
	Version  int64
	Conflict bool
	Attempts int
}

// Info describes the current state of a lock key.
type Info struct {
	Active  bool
	Version int64
	TTL     time.Duration
}

// Manager is the only component that creates or deletes lock entries.
type Manager struct {
	store      Store
	defaultTTL time.Duration
	timeout    time.Duration
	retry      policy.RetryPolicy
	sleeper    policy.Sleeper
	now        func() time.Time
	logger     *zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTTL sets the TTL used when Options.TTL is zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRetryPolicy sets the policy StrategyRetry uses when Options.Retry is empty.
func WithRetryPolicy(p policy.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithSleeper replaces the sleeper used between retries.
func WithSleeper(s policy.Sleeper) Option {
	return func(m *Manager) {
		if s != nil {
			m.sleeper = s
		}
	}
}

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a lock manager over st.
func NewManager(st Store, logger *zerolog.Logger, opts ...Option) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Manager{
		store:      st,
		defaultTTL: DefaultTTL,
		timeout:    policy.DefaultTimeouts.Write,
		retry:      policy.NoRetry,
		sleeper:    policy.RealSleeper,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func encodeVersion(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeVersion(raw []byte) (int64, error) {
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt lock version %q", raw)
	}
	return v, nil
}

func storeErr(op string, err error) error {
	return policy.Wrap(policy.LockStoreUnavailable, op, err)
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// AcquireLock creates the lock at version when absent. An existing lock is a
// version conflict handled according to opts.Strategy, whatever its version:
// the store keeps a single holder, so a higher requested version does not
// supersede a lower held one. Only StrategyForce replaces another holder. Store failures are returned as
// LockStoreUnavailable and never reported as success.
func (m *Manager) AcquireLock(ctx context.Context, key string, version int64, opts Options) (Result, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyFail
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = m.retry
	}
	attempts := 1
	if strategy == StrategyRetry {
		attempts = retry.Attempts()
	}

	var (
		held int64
		ok   bool
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := m.sleeper.Sleep(ctx, retry.Backoff(attempt-1)); err != nil {
				metrics.IncLock("error")
				return Result{Version: held, Conflict: true, Attempts: attempt - 1}, storeErr("lock.acquire", err)
			}
		}

		held, ok, err = m.tryAcquire(ctx, key, version, ttl)
		if err != nil {
			metrics.IncLock("error")
			return Result{Attempts: attempt}, err
		}
		if ok {
			metrics.IncLock("granted")
			return Result{Success: true, Version: version, Attempts: attempt}, nil
		}
		m.logger.Debug().Str("key", key).Int64("requested", version).Int64("held", held).Int("attempt", attempt).Msg("lock version conflict")
	}

	if strategy == StrategyForce {
		sctx, cancel := m.storeCtx(ctx)
		defer cancel()
		if err := m.store.Set(sctx, keyPrefix+key, encodeVersion(version), ttl); err != nil {
			metrics.IncLock("error")
			return Result{Attempts: attempts}, storeErr("lock.force", err)
		}
		metrics.IncLock("forced")
		m.logger.Warn().Str("key", key).Int64("version", version).Int64("overwritten", held).Msg("lock forced over existing holder")
		return Result{Success: true, Version: version, Conflict: true, Attempts: attempts}, nil
	}

	metrics.IncLock("denied")
	return Result{Version: held, Conflict: true, Attempts: attempts}, nil
}

// tryAcquire performs one attempt and reports the version currently held when
// the attempt conflicts.
func (m *Manager) tryAcquire(ctx context.Context, key string, version int64, ttl time.Duration) (int64, bool, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	k := keyPrefix + key
	for race := 0; race < maxRaces; race++ {
		created, err := m.store.SetNX(sctx, k, encodeVersion(version), ttl)
		if err != nil {
			return 0, false, storeErr("lock.acquire", err)
		}
		if created {
			return 0, true, nil
		}

		raw, err := m.store.Get(sctx, k)
		if errors.Is(err, store.ErrNotFound) {
			// Expired between the two calls.
			continue
		}
		if err != nil {
			return 0, false, storeErr("lock.acquire", err)
		}
		held, err := decodeVersion(raw)
		if err != nil {
			return 0, false, storeErr("lock.acquire", err)
		}
		return held, false, nil
	}
	return 0, false, nil
}

// ReleaseLock deletes the lock when the caller still owns it. An absent lock
// counts as released; a lock held under another version is left in place.
func (m *Manager) ReleaseLock(ctx context.Context, key string, version int64) (bool, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	k := keyPrefix + key
	want := encodeVersion(version)
	for race := 0; race < maxRaces; race++ {
		raw, err := m.store.Get(sctx, k)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, storeErr("lock.release", err)
		}
		if string(raw) != string(want) {
			m.logger.Warn().Str("key", key).Int64("version", version).Str("held", string(raw)).Msg("release refused: lock held under another version")
			return false, nil
		}
		deleted, err := m.store.CompareAndDelete(sctx, k, want)
		if err != nil {
			return false, storeErr("lock.release", err)
		}
		if deleted {
			return true, nil
		}
	}
	return false, nil
}

// RenewLock extends the TTL only while the caller's version is still held.
func (m *Manager) RenewLock(ctx context.Context, key string, version int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	ok, err := m.store.CompareAndExpire(sctx, keyPrefix+key, encodeVersion(version), ttl)
	if err != nil {
		return false, storeErr("lock.renew", err)
	}
	return ok, nil
}

// IsLockActive reports whether any version currently holds key.
func (m *Manager) IsLockActive(ctx context.Context, key string) (bool, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	ok, err := m.store.Exists(sctx, keyPrefix+key)
	if err != nil {
		return false, storeErr("lock.active", err)
	}
	return ok, nil
}

// GetLockInfo returns the holder version and remaining TTL of key.
func (m *Manager) GetLockInfo(ctx context.Context, key string) (Info, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	k := keyPrefix + key
	raw, err := m.store.Get(sctx, k)
	if errors.Is(err, store.ErrNotFound) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, storeErr("lock.info", err)
	}
	v, err := decodeVersion(raw)
	if err != nil {
		return Info{}, storeErr("lock.info", err)
	}

	ttl, err := m.store.TTL(sctx, k)
	if errors.Is(err, store.ErrNotFound) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, storeErr("lock.info", err)
	}
	return Info{Active: true, Version: v, TTL: ttl}, nil
}
