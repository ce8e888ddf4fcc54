// Package cache implements the read-through availability cache with request
// coalescing inside one process and an in-flight marker across instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"bookwise/internal/metrics"
	"bookwise/internal/policy"
	"bookwise/internal/store"
)

const (
	DefaultTTL            = 60 * time.Second
	defaultWait           = 2 * time.Second
	defaultPoll           = 50 * time.Millisecond
	defaultComputeTimeout = 10 * time.Second
	generationTTL         = 48 * time.Hour
)

// Store is the subset of the shared store the coordinator needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Volatile values are returned to callers but never written to the cache.
type Volatile interface {
	Volatile() bool
}

// Scope is the unit of invalidation: one shop on one day.
type Scope struct {
	TenantID string
	ShopID   string
	Day      string
}

func (s Scope) String() string {
	return s.TenantID + ":" + s.ShopID + ":" + s.Day
}

// Coordinator owns cache TTLs and invalidation.
type Coordinator struct {
	store          Store
	group          singleflight.Group
	ttl            time.Duration
	timeout        time.Duration
	wait           time.Duration
	poll           time.Duration
	computeTimeout time.Duration
	namespace      string
	instance       string
	sleeper        policy.Sleeper
	logger         *zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the lifetime of cached entries.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithWait sets how long a caller waits for another instance's computation and
// how often it polls for the result.
func WithWait(wait, poll time.Duration) Option {
	return func(c *Coordinator) {
		c.wait = wait
		if poll > 0 {
			c.poll = poll
		}
	}
}

// WithComputeTimeout bounds a shared computation.
func WithComputeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.computeTimeout = d
		}
	}
}

// WithNamespace prefixes every key written by the coordinator.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithSleeper replaces the sleeper used while polling.
func WithSleeper(s policy.Sleeper) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sleeper = s
		}
	}
}

// New creates a coordinator over st.
func New(st Store, logger *zerolog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	c := &Coordinator{
		store:          st,
		ttl:            DefaultTTL,
		timeout:        policy.DefaultTimeouts.Read,
		wait:           defaultWait,
		poll:           defaultPoll,
		computeTimeout: defaultComputeTimeout,
		namespace:      "avail",
		instance:       uuid.NewString(),
		sleeper:        policy.RealSleeper,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the entry lifetime.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// GetWithLock returns the cached value for (scope, params) or computes it. Concurrent
// callers for the same key share one computation. Store failures bypass the cache.
func GetWithLock[T any](ctx context.Context, c *Coordinator, scope Scope, params string, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	gen, err := c.generation(ctx, scope)
	if err != nil {
		c.bypass(err, "read generation")
		return share(ctx, c, "bypass:"+scope.String()+":"+params, compute)
	}
	key := c.entryKey(scope, gen, params)

	v, ok, err := load[T](ctx, c, key)
	switch {
	case err != nil:
		c.bypass(err, "read entry")
		return share(ctx, c, "bypass:"+key, compute)
	case ok:
		metrics.IncCache("hit")
		return v, nil
	}

	v, err = share(ctx, c, key, func(fctx context.Context) (T, error) {
		return fill(fctx, c, key, compute)
	})
	if err != nil {
		return zero, err
	}
	return v, nil
}

func share[T any](ctx context.Context, c *Coordinator, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// The flight outlives any single caller that gives up waiting.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.IncCache("coalesced")
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func fill[T any](ctx context.Context, c *Coordinator, key string, compute func(context.Context) (T, error)) (T, error) {
	var zero T

	// A previous flight may have stored the entry after our lookup.
	if v, ok, err := load[T](ctx, c, key); err == nil && ok {
		metrics.IncCache("hit")
		return v, nil
	}
	metrics.IncCache("miss")

	leader := c.claim(ctx, key)
	if leader {
		defer c.unclaim(key)
	} else if v, ok := waitFor[T](ctx, c, key); ok {
		metrics.IncCache("coalesced")
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return zero, err
	}
	if vol, ok := any(v).(Volatile); ok && vol.Volatile() {
		return v, nil
	}
	c.save(ctx, key, v)
	return v, nil
}

// Invalidate makes every cached entry of scope unreachable.
func (c *Coordinator) Invalidate(ctx context.Context, scope Scope) error {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.store.Incr(sctx, c.generationKey(scope), generationTTL); err != nil {
		c.logger.Warn().Err(err).Str("scope", scope.String()).Msg("availability invalidation failed")
		return policy.Wrap(policy.CacheStoreUnavailable, "cache.invalidate", err)
	}
	c.logger.Debug().Str("scope", scope.String()).Msg("availability invalidated")
	return nil
}

func (c *Coordinator) generation(ctx context.Context, scope Scope) (int64, error) {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.store.Get(sctx, c.generationKey(scope))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation: %w", err)
	}
	return gen, nil
}

func (c *Coordinator) generationKey(scope Scope) string {
	return c.namespace + ":gen:" + scope.String()
}

func (c *Coordinator) entryKey(scope Scope, gen int64, params string) string {
	return fmt.Sprintf("%s:%s:g%d:%s", c.namespace, scope.String(), gen, params)
}

func load[T any](ctx context.Context, c *Coordinator, key string) (T, bool, error) {
	var v T
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.store.Get(sctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return v, false, nil
	}
	return v, true, nil
}

func (c *Coordinator) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Set(sctx, key, data, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Str("category", string(policy.CacheStoreUnavailable)).Msg("cache write failed")
		metrics.IncPolicy(string(policy.CacheStoreUnavailable), policy.Decide(policy.CacheStoreUnavailable).String())
	}
}

// claim marks key as being computed by this instance. Store errors count as a
// successful claim so the caller computes instead of waiting.
func (c *Coordinator) claim(ctx context.Context, key string) bool {
	if c.wait <= 0 {
		return true
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.store.SetNX(sctx, c.inflightKey(key), []byte(c.instance), c.wait)
	if err != nil {
		return true
	}
	return ok
}

func (c *Coordinator) unclaim(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_ = c.store.Delete(ctx, c.inflightKey(key))
}

func (c *Coordinator) inflightKey(key string) string {
	return "inflight:" + key
}

func waitFor[T any](ctx context.Context, c *Coordinator, key string) (T, bool) {
	var zero T
	polls := int(c.wait / c.poll)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		if err := c.sleeper.Sleep(ctx, c.poll); err != nil {
			return zero, false
		}
		v, ok, err := load[T](ctx, c, key)
		if err != nil {
			return zero, false
		}
		if ok {
			return v, true
		}
	}
	return zero, false
}

func (c *Coordinator) bypass(err error, op string) {
	decision := policy.Decide(policy.CacheStoreUnavailable)
	metrics.IncCache("bypass")
	metrics.IncPolicy(string(policy.CacheStoreUnavailable), decision.String())
	c.logger.Warn().Err(err).
		Str("category", string(policy.CacheStoreUnavailable)).
		Str("decision", decision.String()).
		Msg("cache " + op + " failed, computing directly")
}
