// Package availability composes schedule resolution, slot generation, conflict
// scanning and caching into per-day availability answers.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookwise/internal/cache"
	"bookwise/internal/metrics"
	"bookwise/internal/models"
	"bookwise/internal/policy"
	"bookwise/internal/schedule"
	"bookwise/internal/slots"
)

// AnyEmployee requests availability across every active employee of a shop.
const AnyEmployee = "*"

var (
	// ErrInvalidQuery is returned when tenant or shop are missing.
	ErrInvalidQuery = errors.New("tenant_id and shop_id are required")
	// ErrNoEmployeeAvailable is returned by PickEmployee when nobody is free.
	ErrNoEmployeeAvailable = errors.New("no employee available for the requested time")
	// ErrDegraded is returned by PickEmployee when the day could only be
	// computed from fallbacks.
	ErrDegraded = errors.New("availability is degraded")
)

// LockInspector reports active booking locks; implemented by lock.Manager.
type LockInspector interface {
	LockedBuckets(ctx context.Context, tenantID, shopID, employeeID string, from, to time.Time) ([]slots.Window, error)
}

// Query identifies one availability request.
type Query struct {
	TenantID   string
	ShopID     string
	EmployeeID string
	Day        time.Time
}

func (q Query) normalized() Query {
	if q.EmployeeID == "" {
		q.EmployeeID = AnyEmployee
	}
	q.Day = models.StartOfDay(q.Day)
	return q
}

// DayString returns the query day in models.DayLayout.
func (q Query) DayString() string {
	return q.Day.Format(models.DayLayout)
}

// Scope is the cache invalidation scope of the query.
func (q Query) Scope() cache.Scope {
	return cache.Scope{TenantID: q.TenantID, ShopID: q.ShopID, Day: q.DayString()}
}

// Calculator answers availability queries.
type Calculator struct {
	source      schedule.Source
	resolver    *schedule.Resolver
	generator   *slots.Generator
	scanner     slots.Scanner
	cache       *cache.Coordinator
	locks       LockInspector
	readTimeout time.Duration
	minAdvance  time.Duration
	now         func() time.Time
	logger      *zerolog.Logger
	tracer      trace.Tracer
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLockInspector enables the pending-lock overlay.
func WithLockInspector(l LockInspector) Option {
	return func(c *Calculator) { c.locks = l }
}

// WithReadTimeout bounds schedule reads for one computation.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Calculator) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithMinAdvance hides slots that start sooner than d from now.
func WithMinAdvance(d time.Duration) Option {
	return func(c *Calculator) { c.minAdvance = d }
}

// WithClock overrides the time source used for min-advance filtering.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCalculator wires the calculator. coordinator may be nil to disable caching.
func NewCalculator(source schedule.Source, resolver *schedule.Resolver, generator *slots.Generator, coordinator *cache.Coordinator, logger *zerolog.Logger, opts ...Option) *Calculator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	c := &Calculator{
		source:      source,
		resolver:    resolver,
		generator:   generator,
		cache:       coordinator,
		readTimeout: policy.DefaultTimeouts.Read,
		now:         time.Now,
		logger:      logger,
		tracer:      otel.Tracer("bookwise/availability"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAvailability returns the slots of one employee (or AnyEmployee) for one
// day. Schedule read failures degrade the answer instead of failing it.
func (c *Calculator) GetAvailability(ctx context.Context, q Query) (*models.AvailabilityResult, error) {
	if q.TenantID == "" || q.ShopID == "" {
		return nil, ErrInvalidQuery
	}
	q = q.normalized()

	var (
		res *models.AvailabilityResult
		err error
	)
	if c.cache != nil {
		res, err = cache.GetWithLock(ctx, c.cache, q.Scope(), q.EmployeeID, func(ctx context.Context) (*models.AvailabilityResult, error) {
			return c.Compute(ctx, q)
		})
	} else {
		res, err = c.Compute(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	out := res.Clone()
	c.overlay(ctx, q, out)
	return out, nil
}

// Invalidate drops cached availability of the shop for the day.
func (c *Calculator) Invalidate(ctx context.Context, tenantID, shopID string, day time.Time) error {
	if c.cache == nil {
		return nil
	}
	q := Query{TenantID: tenantID, ShopID: shopID, Day: day}.normalized()
	return c.cache.Invalidate(ctx, q.Scope())
}

// InvalidateDays drops cached availability of the shop for days consecutive
// days starting at from. It keeps going after a failure and returns the first error.
func (c *Calculator) InvalidateDays(ctx context.Context, tenantID, shopID string, from time.Time, days int) error {
	var first error
	day := models.StartOfDay(from)
	for i := 0; i < days; i++ {
		if err := c.Invalidate(ctx, tenantID, shopID, day.AddDate(0, 0, i)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Compute builds availability without consulting the cache.
func (c *Calculator) Compute(ctx context.Context, q Query) (*models.AvailabilityResult, error) {
	q = q.normalized()
	ctx, span := c.tracer.Start(ctx, "availability.compute", trace.WithAttributes(
		attribute.String("tenant_id", q.TenantID),
		attribute.String("shop_id", q.ShopID),
		attribute.String("employee_id", q.EmployeeID),
		attribute.String("day", q.DayString()),
	))
	defer span.End()

	started := time.Now()
	defer func() { metrics.ObserveCompute(time.Since(started).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	res := &models.AvailabilityResult{
		TenantID:    q.TenantID,
		ShopID:      q.ShopID,
		EmployeeID:  q.EmployeeID,
		Day:         q.DayString(),
		Slots:       []models.AvailabilitySlot{},
		GeneratedAt: c.now().UTC(),
	}

	weekday := q.Day.Weekday()
	shopHours, err := c.source.ShopWorkingHours(ctx, q.TenantID, q.ShopID, weekday)
	if err != nil {
		c.degrade(res, "shop hours unavailable", err)
		shopHours = nil
	}

	var minDuration time.Duration
	services, err := c.source.ActiveServices(ctx, q.TenantID, q.ShopID)
	if err != nil {
		c.degrade(res, "services unavailable", err)
	} else {
		minDuration = slots.MinServiceDuration(services)
	}

	if q.EmployeeID != AnyEmployee {
		res.Slots = c.employeeSlots(ctx, q, q.EmployeeID, shopHours, minDuration, res)
		if res.Degraded {
			span.SetAttributes(attribute.Bool("degraded", true))
		}
		return res, nil
	}

	employees, err := c.source.ShopEmployees(ctx, q.TenantID, q.ShopID)
	if err != nil {
		c.degrade(res, "employees unavailable", err)
		return res, nil
	}

	perEmployee := make([][]models.AvailabilitySlot, 0, len(employees))
	for _, id := range employees {
		perEmployee = append(perEmployee, c.employeeSlots(ctx, q, id, shopHours, minDuration, res))
	}
	res.Slots = merge(employees, perEmployee)
	if res.Degraded {
		span.SetAttributes(attribute.Bool("degraded", true))
	}
	return res, nil
}

func (c *Calculator) employeeSlots(ctx context.Context, q Query, employeeID string, shopHours *schedule.HoursSpec, minDuration time.Duration, res *models.AvailabilityResult) []models.AvailabilitySlot {
	empHours, err := c.source.EmployeeWorkingHours(ctx, q.TenantID, employeeID, q.Day.Weekday())
	if err != nil {
		c.degrade(res, fmt.Sprintf("employee %s hours unavailable", employeeID), err)
		empHours = nil
	}

	resolved := c.resolver.Resolve(empHours, shopHours)
	for _, w := range resolved.Warnings {
		c.logger.Warn().Str("tenant_id", q.TenantID).Str("employee_id", employeeID).Msg(w)
		res.Warnings = append(res.Warnings, w)
	}

	windows := c.generator.Generate(resolved.Hours, 0, q.Day)
	if len(windows) == 0 {
		return []models.AvailabilitySlot{}
	}

	appts, err := c.source.Appointments(ctx, q.TenantID, employeeID, q.Day, q.Day.AddDate(0, 0, 1))
	if err != nil {
		// Without appointments no slot can be proven free.
		c.degrade(res, fmt.Sprintf("employee %s appointments unavailable", employeeID), err)
		return []models.AvailabilitySlot{}
	}
	return c.scanner.Annotate(windows, appts, minDuration)
}

func (c *Calculator) degrade(res *models.AvailabilityResult, msg string, err error) {
	decision := policy.Decide(policy.ScheduleDataUnavailable)
	metrics.IncPolicy(string(policy.ScheduleDataUnavailable), decision.String())
	c.logger.Warn().Err(err).
		Str("category", string(policy.ScheduleDataUnavailable)).
		Str("decision", decision.String()).
		Str("tenant_id", res.TenantID).
		Str("shop_id", res.ShopID).
		Str("day", res.Day).
		Msg(msg)
	res.Degraded = true
	res.Warnings = append(res.Warnings, msg)
}

// merge unions per-employee slots by window. A merged slot is available when
// at least one employee is free and lists free employees in input order.
func merge(employees []string, perEmployee [][]models.AvailabilitySlot) []models.AvailabilitySlot {
	type windowKey struct{ start, end int64 }
	index := make(map[windowKey]int)
	var out []models.AvailabilitySlot

	for i, list := range perEmployee {
		for _, s := range list {
			k := windowKey{s.Start.UnixNano(), s.End.UnixNano()}
			pos, ok := index[k]
			if !ok {
				pos = len(out)
				index[k] = pos
				out = append(out, models.AvailabilitySlot{Start: s.Start, End: s.End, DurationMinutes: s.DurationMinutes})
			}
			if s.Available {
				out[pos].Available = true
				out[pos].Employees = append(out[pos].Employees, employees[i])
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	if out == nil {
		out = []models.AvailabilitySlot{}
	}
	return out
}

// overlay applies per-request state that is never cached: the minimum advance
// window and active booking locks.
func (c *Calculator) overlay(ctx context.Context, q Query, res *models.AvailabilityResult) {
	cutoff := c.now().Add(c.minAdvance)
	for i := range res.Slots {
		s := &res.Slots[i]
		if s.Available && s.Start.Before(cutoff) {
			s.Available = false
			s.Employees = nil
		}
	}

	locked, ok := c.lockedWindows(ctx, q, res.Slots)
	if !ok {
		return
	}
	for i := range res.Slots {
		s := &res.Slots[i]
		if !s.Available {
			continue
		}
		candidates := []string{q.EmployeeID}
		if q.EmployeeID == AnyEmployee {
			candidates = s.Employees
		}
		free := candidates[:0:0]
		for _, id := range candidates {
			if !overlapsAny(locked[id], s.Start, s.End) {
				free = append(free, id)
			}
		}
		if len(free) == 0 {
			s.Available = false
			s.Pending = true
		}
		if q.EmployeeID == AnyEmployee {
			s.Employees = free
		}
	}
}

// lockedWindows reads the locked buckets of every employee offered in the
// available slots, one store call per employee within the read timeout. It
// reports false when the overlay has to be skipped.
func (c *Calculator) lockedWindows(ctx context.Context, q Query, list []models.AvailabilitySlot) (map[string][]slots.Window, bool) {
	if c.locks == nil {
		return nil, false
	}

	var (
		from, to  time.Time
		employees []string
		seen      = make(map[string]bool)
	)
	for _, s := range list {
		if !s.Available {
			continue
		}
		if from.IsZero() || s.Start.Before(from) {
			from = s.Start
		}
		if s.End.After(to) {
			to = s.End
		}
		ids := []string{q.EmployeeID}
		if q.EmployeeID == AnyEmployee {
			ids = s.Employees
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				employees = append(employees, id)
			}
		}
	}
	if len(employees) == 0 {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	locked := make(map[string][]slots.Window, len(employees))
	for _, id := range employees {
		windows, err := c.locks.LockedBuckets(ctx, q.TenantID, q.ShopID, id, from, to)
		if err != nil {
			c.logger.Warn().Err(err).Str("category", string(policy.LockStoreUnavailable)).Msg("lock overlay skipped")
			return nil, false
		}
		locked[id] = windows
	}
	return locked, true
}

func overlapsAny(windows []slots.Window, start, end time.Time) bool {
	for _, w := range windows {
		if w.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// PickEmployee chooses the first employee, in listed order, who is free for
// the whole [start, start+duration) window. There is no fairness guarantee.
func (c *Calculator) PickEmployee(ctx context.Context, tenantID, shopID string, start time.Time, duration time.Duration) (string, error) {
	res, err := c.GetAvailability(ctx, Query{TenantID: tenantID, ShopID: shopID, EmployeeID: AnyEmployee, Day: start})
	if err != nil {
		return "", err
	}
	if res.Degraded {
		return "", policy.Wrap(policy.ScheduleDataUnavailable, "availability.pick", ErrDegraded)
	}
	cov := slots.Cover(res.Slots, start, duration)
	if !cov.Aligned {
		return "", policy.Wrap(policy.InvalidSlotRequest, "availability.pick", fmt.Errorf("window %s does not align to a slot", start.Format(time.RFC3339)))
	}

	candidates := cov.Slots[0].Employees
	for _, s := range cov.Slots[1:] {
		candidates = intersect(candidates, s.Employees)
	}
	if len(candidates) == 0 {
		return "", ErrNoEmployeeAvailable
	}
	return candidates[0], nil
}

// DurationOptions lists the bookable lengths in minutes that begin at start,
// one per further consecutive free slot. Degraded days are refused.
func (c *Calculator) DurationOptions(ctx context.Context, q Query, start time.Time) ([]int, error) {
	q.Day = start
	res, err := c.GetAvailability(ctx, q)
	if err != nil {
		return nil, err
	}
	if res.Degraded {
		return nil, policy.Wrap(policy.ScheduleDataUnavailable, "availability.durations", ErrDegraded)
	}
	return slots.DurationOptions(res.Slots, start), nil
}

// Granularity is the default slot step in minutes.
func (c *Calculator) Granularity() int {
	if c.generator == nil {
		return slots.DefaultGranularity
	}
	return c.generator.Granularity()
}

func intersect(ordered, other []string) []string {
	set := make(map[string]struct{}, len(other))
	for _, id := range other {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range ordered {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
