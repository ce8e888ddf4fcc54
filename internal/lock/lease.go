package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"bookwise/internal/policy"
	"bookwise/internal/slots"
	"bookwise/internal/store"
)

// BucketSize is the granularity lock keys are rounded to, so that overlapping
// but unequal windows collide on at least one key.
const BucketSize = 15 * time.Minute

const (
	leasePrefix    = "lease:"
	sequencePrefix = "lockseq:"
	sequenceTTL    = 48 * time.Hour
)

var (
	// ErrEmptyWindow is returned for windows without duration.
	ErrEmptyWindow = errors.New("lock window has no duration")
	// ErrForcedLease is returned when a lease is requested with StrategyForce.
	ErrForcedLease = errors.New("booking locks cannot be forced")
)

// Window identifies the employee time range a booking wants to write.
type Window struct {
	TenantID   string
	ShopID     string
	EmployeeID string
	Start      time.Time
	Duration   time.Duration
}

// Buckets returns the bucket starts covering [start, start+d) in ascending order.
func Buckets(start time.Time, d time.Duration) []time.Time {
	if d <= 0 {
		return nil
	}
	end := start.Add(d)
	var out []time.Time
	for b := start.UTC().Truncate(BucketSize); b.Before(end); b = b.Add(BucketSize) {
		out = append(out, b)
	}
	return out
}

// BucketKey hashes (tenant, shop, employee, bucket) into a lock key.
func BucketKey(tenantID, shopID, employeeID string, bucket time.Time) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + shopID + "|" + employeeID + "|" + bucket.UTC().Format(time.RFC3339)))
	return "slot:" + hex.EncodeToString(sum[:])
}

// Keys returns the lock keys of w in acquisition order.
func (w Window) Keys() []string {
	buckets := Buckets(w.Start, w.Duration)
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = BucketKey(w.TenantID, w.ShopID, w.EmployeeID, b)
	}
	return keys
}

// Grant is the answer to a booking lock request. Token is the opaque lock
// version handed back to ReleaseBookingLock.
type Grant struct {
	Granted    bool
	Token      string
	ExpiresAt  time.Time
	RetryAfter time.Duration
}

type leaseRecord struct {
	Keys     []string `json:"keys"`
	Versions []int64  `json:"versions"`
}

// AcquireBookingLock locks every bucket of w, all or nothing. opts.Strategy
// may be fail (default) or retry; force is refused since a lease must never
// take over another client's reservation. A denial is a Grant with
// Granted=false; store failures are errors.
func (m *Manager) AcquireBookingLock(ctx context.Context, w Window, opts Options) (Grant, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if opts.Strategy == StrategyForce {
		return Grant{}, policy.Wrap(policy.InvalidSlotRequest, "lock.booking", ErrForcedLease)
	}
	keys := w.Keys()
	if len(keys) == 0 {
		return Grant{}, policy.Wrap(policy.InvalidSlotRequest, "lock.booking", ErrEmptyWindow)
	}

	rec := leaseRecord{Keys: keys, Versions: make([]int64, 0, len(keys))}
	for _, key := range keys {
		version, err := m.NextVersion(ctx, key)
		if err != nil {
			m.rollback(ctx, rec)
			return Grant{}, err
		}

		res, err := m.AcquireLock(ctx, key, version, Options{TTL: ttl, Strategy: opts.Strategy, Retry: opts.Retry})
		if err != nil {
			m.rollback(ctx, rec)
			return Grant{}, err
		}
		if !res.Success {
			m.rollback(ctx, rec)
			return Grant{RetryAfter: m.retryAfter(ctx, key, ttl)}, nil
		}
		rec.Versions = append(rec.Versions, version)
	}

	token := uuid.NewString()
	data, err := json.Marshal(rec)
	if err != nil {
		m.rollback(ctx, rec)
		return Grant{}, err
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Set(sctx, leasePrefix+token, data, ttl); err != nil {
		m.rollback(ctx, rec)
		return Grant{}, storeErr("lock.booking", err)
	}

	m.logger.Debug().Str("token", token).Int("buckets", len(keys)).Str("employee_id", w.EmployeeID).Time("start", w.Start).Msg("booking lock granted")
	return Grant{Granted: true, Token: token, ExpiresAt: m.now().Add(ttl)}, nil
}

// ReleaseBookingLock releases every bucket of the lease. An unknown or expired
// token counts as released.
func (m *Manager) ReleaseBookingLock(ctx context.Context, token string) (bool, error) {
	rec, err := m.loadLease(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	released := true
	for i, key := range rec.Keys {
		ok, err := m.ReleaseLock(ctx, key, rec.Versions[i])
		if err != nil {
			return false, err
		}
		released = released && ok
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Delete(sctx, leasePrefix+token); err != nil {
		return false, storeErr("lock.booking.release", err)
	}
	return released, nil
}

// RenewBookingLock extends every bucket of the lease. It fails when any bucket
// is no longer held by the lease.
func (m *Manager) RenewBookingLock(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	rec, err := m.loadLease(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for i, key := range rec.Keys {
		ok, err := m.RenewLock(ctx, key, rec.Versions[i], ttl)
		if err != nil || !ok {
			return false, err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Set(sctx, leasePrefix+token, data, ttl); err != nil {
		return false, storeErr("lock.booking.renew", err)
	}
	return true, nil
}

// LockedBuckets returns the locked buckets of the employee that intersect
// [from, to), in ascending order. All buckets are read in one store call.
func (m *Manager) LockedBuckets(ctx context.Context, tenantID, shopID, employeeID string, from, to time.Time) ([]slots.Window, error) {
	buckets := Buckets(from, to.Sub(from))
	if len(buckets) == 0 {
		return nil, nil
	}
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = keyPrefix + BucketKey(tenantID, shopID, employeeID, b)
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	exists, err := m.store.ExistsMany(sctx, keys...)
	if err != nil {
		return nil, storeErr("lock.buckets", err)
	}

	var locked []slots.Window
	for i, ok := range exists {
		if ok {
			locked = append(locked, slots.Window{Start: buckets[i], End: buckets[i].Add(BucketSize)})
		}
	}
	return locked, nil
}

func (m *Manager) loadLease(ctx context.Context, token string) (leaseRecord, error) {
	var rec leaseRecord
	if token == "" {
		return rec, store.ErrNotFound
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	raw, err := m.store.Get(sctx, leasePrefix+token)
	if errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	if err != nil {
		return rec, storeErr("lock.lease", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil || len(rec.Keys) != len(rec.Versions) {
		return rec, storeErr("lock.lease", errors.New("corrupt lease record"))
	}
	return rec, nil
}

// NextVersion hands out a fresh, strictly increasing version for key, so a
// holder whose lock expired can never release or renew its successor's lock.
func (m *Manager) NextVersion(ctx context.Context, key string) (int64, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	v, err := m.store.Incr(sctx, sequencePrefix+key, sequenceTTL)
	if err != nil {
		return 0, storeErr("lock.version", err)
	}
	return v, nil
}

func (m *Manager) retryAfter(ctx context.Context, key string, fallback time.Duration) time.Duration {
	info, err := m.GetLockInfo(ctx, key)
	if err != nil || !info.Active || info.TTL <= 0 {
		return fallback
	}
	return info.TTL
}

func (m *Manager) rollback(ctx context.Context, rec leaseRecord) {
	ctx = context.WithoutCancel(ctx)
	for i, v := range rec.Versions {
		if _, err := m.ReleaseLock(ctx, rec.Keys[i], v); err != nil {
			m.logger.Error().Err(err).Str("key", rec.Keys[i]).Msg("booking lock rollback failed")
		}
	}
}
