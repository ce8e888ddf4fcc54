package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookwise/internal/availability"
	"bookwise/internal/events"
	"bookwise/internal/lock"
	"bookwise/internal/metrics"
	"bookwise/internal/models"
	"bookwise/internal/policy"
	"bookwise/internal/slots"
)

var (
	// ErrSlotUnavailable means the window was taken or is being booked; re-query availability.
	ErrSlotUnavailable = errors.New("this time was just taken, pick another")
	// ErrMisaligned means the window does not start on a generated slot of the day.
	ErrMisaligned = errors.New("requested window does not match a slot")
	// ErrScheduleUnavailable means availability could only be computed from
	// fallbacks, so it cannot back a write.
	ErrScheduleUnavailable = errors.New("schedule data is unavailable, try again shortly")
	// ErrLeaseLost means the booking lock could not be kept for the whole write.
	ErrLeaseLost = errors.New("booking lock lost during write")
)

const defaultPublishTimeout = 2 * time.Second

// Availability is the read side used to choose and validate slots.
type Availability interface {
	GetAvailability(ctx context.Context, q availability.Query) (*models.AvailabilityResult, error)
	PickEmployee(ctx context.Context, tenantID, shopID string, start time.Time, duration time.Duration) (string, error)
	Invalidate(ctx context.Context, tenantID, shopID string, day time.Time) error
}

// Locker serializes writes to a slot window.
type Locker interface {
	AcquireBookingLock(ctx context.Context, w lock.Window, opts lock.Options) (lock.Grant, error)
	ReleaseBookingLock(ctx context.Context, token string) (bool, error)
	RenewBookingLock(ctx context.Context, token string, ttl time.Duration) (bool, error)
}

// AppointmentWriter persists appointments.
type AppointmentWriter interface {
	CreateAppointment(ctx context.Context, appt *models.Appointment) error
	CancelAppointment(ctx context.Context, tenantID, id string, version int64) (*models.Appointment, error)
	GetAppointment(ctx context.Context, tenantID, id string) (*models.Appointment, error)
}

// Publisher receives appointment events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Request asks for one appointment. An empty or "*" EmployeeID lets the
// service pick the first free employee.
type Request struct {
	TenantID        string
	ShopID          string
	EmployeeID      string
	ServiceID       string
	CustomerName    string
	Start           time.Time
	DurationMinutes int
}

func (r Request) duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

func (r Request) validate() error {
	switch {
	case r.TenantID == "" || r.ShopID == "":
		return policy.Wrap(policy.InvalidSlotRequest, "booking.validate", errors.New("tenant and shop are required"))
	case r.Start.IsZero():
		return policy.Wrap(policy.InvalidSlotRequest, "booking.validate", errors.New("start is required"))
	case r.DurationMinutes <= 0:
		return policy.Wrap(policy.InvalidSlotRequest, "booking.validate", errors.New("duration must be positive"))
	}
	return nil
}

// Outcome describes how an attempt ended.
type Outcome struct {
	AttemptID   string              `json:"attempt_id"`
	State       State               `json:"state"`
	Appointment *models.Appointment `json:"appointment,omitempty"`
	Retryable   bool                `json:"retryable"`
	RetryAfter  time.Duration       `json:"-"`
	History     []Step              `json:"history"`
}

// Service books and cancels appointments.
type Service struct {
	avail          Availability
	locks          Locker
	writer         AppointmentWriter
	publisher      Publisher
	lockTTL        time.Duration
	timeouts       policy.Timeouts
	publishTimeout time.Duration
	now            func() time.Time
	logger         *zerolog.Logger
	tracer         trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublisher sets the event sink for committed changes.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithTimeouts bounds appointment reads and writes. Zero fields keep the defaults.
func WithTimeouts(t policy.Timeouts) Option {
	return func(s *Service) { s.timeouts = t.OrDefault() }
}

// WithPublishTimeout bounds event delivery after a committed change.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// NewService wires the booking service. lockTTL <= 0 uses the lock manager default.
func NewService(avail Availability, locks Locker, writer AppointmentWriter, lockTTL time.Duration, logger *zerolog.Logger, opts ...Option) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Service{
		avail:          avail,
		locks:          locks,
		writer:         writer,
		lockTTL:        lockTTL,
		timeouts:       policy.DefaultTimeouts,
		publishTimeout: defaultPublishTimeout,
		now:            time.Now,
		logger:         logger,
		tracer:         otel.Tracer("bookwise/booking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book runs one attempt. The returned outcome is never nil; err is non-nil
// for every terminal state other than StateLockReleased.
func (s *Service) Book(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "booking.attempt", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("shop_id", req.ShopID),
		attribute.String("employee_id", req.EmployeeID),
	))
	defer span.End()

	attempt := NewAttempt(s.now)
	out := &Outcome{AttemptID: attempt.ID}
	// Rejections are final unless the schedule itself could not be read.
	var scheduleOutage bool
	defer func() {
		out.State = attempt.State()
		out.History = attempt.History()
		out.Retryable = out.State.Retryable() || scheduleOutage
		metrics.IncBooking(string(out.State))
		span.SetAttributes(attribute.String("state", string(out.State)))
	}()

	if err := req.validate(); err != nil {
		s.move(attempt, StateRejected)
		return out, err
	}

	employeeID, err := s.choose(ctx, req)
	if err != nil {
		s.move(attempt, StateRejected)
		cat, _ := policy.CategoryOf(err)
		scheduleOutage = cat == policy.ScheduleDataUnavailable
		return out, err
	}
	s.move(attempt, StateSlotChosen)

	w := lock.Window{TenantID: req.TenantID, ShopID: req.ShopID, EmployeeID: employeeID, Start: req.Start, Duration: req.duration()}
	s.move(attempt, StateLockRequested)
	grant, err := s.locks.AcquireBookingLock(ctx, w, lock.Options{TTL: s.lockTTL, Strategy: lock.StrategyFail})
	if err != nil {
		s.move(attempt, StateLockDenied)
		return out, err
	}
	if !grant.Granted {
		s.move(attempt, StateLockDenied)
		out.RetryAfter = grant.RetryAfter
		return out, policy.Wrap(policy.LockConflict, "booking.lock", ErrSlotUnavailable)
	}
	s.move(attempt, StateLocked)

	now := s.now().UTC()
	appt := &models.Appointment{
		ID:           uuid.NewString(),
		TenantID:     req.TenantID,
		ShopID:       req.ShopID,
		EmployeeID:   employeeID,
		ServiceID:    req.ServiceID,
		CustomerName: req.CustomerName,
		Start:        req.Start,
		End:          req.Start.Add(req.duration()),
		Status:       models.StatusConfirmed,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.write(ctx, grant.Token, appt); err != nil {
		s.release(ctx, grant.Token)
		s.move(attempt, StateWriteFailed)
		return out, fmt.Errorf("create appointment: %w", err)
	}
	s.move(attempt, StateWriteCommitted)
	out.Appointment = appt

	s.invalidate(ctx, appt)
	s.release(ctx, grant.Token)
	s.move(attempt, StateLockReleased)
	s.publish(ctx, events.AppointmentEvent(events.AppointmentCreated, appt))

	s.logger.Info().
		Str("attempt_id", attempt.ID).
		Str("appointment_id", appt.ID).
		Str("employee_id", employeeID).
		Time("start", appt.Start).
		Msg("appointment booked")
	return out, nil
}

// write persists appt within the write timeout while keeping the lease alive.
// Losing the lease cancels the write.
func (s *Service) write(ctx context.Context, token string, appt *models.Appointment) error {
	wctx, cancel := context.WithTimeout(ctx, s.timeouts.Write)
	defer cancel()

	var lost bool
	stop := s.holdLease(wctx, token, func() {
		lost = true
		cancel()
	})
	err := s.writer.CreateAppointment(wctx, appt)
	stop()
	if lost {
		return errors.Join(ErrLeaseLost, err)
	}
	return err
}

// holdLease renews the lease every third of its TTL until the returned stop
// func is called. onLost runs once when a renewal fails. stop waits for the
// renewer to exit, so onLost never runs after stop returns.
func (s *Service) holdLease(ctx context.Context, token string, onLost func()) (stop func()) {
	ttl := s.leaseTTL()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := s.locks.RenewBookingLock(ctx, token, ttl)
			if err == nil && ok {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			s.logger.Warn().Err(err).Str("token", token).Msg("booking lease lost during write")
			onLost()
			return
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Service) leaseTTL() time.Duration {
	if s.lockTTL > 0 {
		return s.lockTTL
	}
	return lock.DefaultTTL
}

// choose validates the requested window against fresh availability and
// resolves "no preference" to a concrete employee.
func (s *Service) choose(ctx context.Context, req Request) (string, error) {
	if req.EmployeeID == "" || req.EmployeeID == availability.AnyEmployee {
		id, err := s.avail.PickEmployee(ctx, req.TenantID, req.ShopID, req.Start, req.duration())
		switch {
		case errors.Is(err, availability.ErrNoEmployeeAvailable):
			return "", policy.Wrap(policy.LockConflict, "booking.query", ErrSlotUnavailable)
		case errors.Is(err, availability.ErrDegraded):
			return "", policy.Wrap(policy.ScheduleDataUnavailable, "booking.query", ErrScheduleUnavailable)
		}
		return id, err
	}

	cov, err := s.cover(ctx, req)
	if err != nil {
		return "", err
	}
	if !cov.Available {
		return "", policy.Wrap(policy.LockConflict, "booking.query", ErrSlotUnavailable)
	}
	return req.EmployeeID, nil
}

func (s *Service) cover(ctx context.Context, req Request) (slots.Coverage, error) {
	res, err := s.avail.GetAvailability(ctx, availability.Query{
		TenantID:   req.TenantID,
		ShopID:     req.ShopID,
		EmployeeID: req.EmployeeID,
		Day:        req.Start,
	})
	if err != nil {
		return slots.Coverage{}, err
	}
	// Fallback hours or a missing appointment list cannot back a write.
	if res.Degraded {
		return slots.Coverage{}, policy.Wrap(policy.ScheduleDataUnavailable, "booking.query", ErrScheduleUnavailable)
	}
	cov := slots.Cover(res.Slots, req.Start, req.duration())
	if !cov.Aligned {
		return slots.Coverage{}, policy.Wrap(policy.InvalidSlotRequest, "booking.query", ErrMisaligned)
	}
	return cov, nil
}

// AcquireLock reserves a window for an external writer. The window must
// match generated slots of the day; occupancy is left to the lock itself.
// An empty strategy means lock.StrategyFail.
func (s *Service) AcquireLock(ctx context.Context, req Request, strategy lock.Strategy) (lock.Grant, error) {
	if err := req.validate(); err != nil {
		return lock.Grant{}, err
	}
	if req.EmployeeID == "" || req.EmployeeID == availability.AnyEmployee {
		return lock.Grant{}, policy.Wrap(policy.InvalidSlotRequest, "booking.lock", errors.New("employee is required"))
	}
	if _, err := s.cover(ctx, req); err != nil {
		return lock.Grant{}, err
	}

	w := lock.Window{TenantID: req.TenantID, ShopID: req.ShopID, EmployeeID: req.EmployeeID, Start: req.Start, Duration: req.duration()}
	grant, err := s.locks.AcquireBookingLock(ctx, w, lock.Options{TTL: s.lockTTL, Strategy: strategy})
	if err != nil {
		return lock.Grant{}, err
	}
	if !grant.Granted {
		metrics.IncBooking(string(StateLockDenied))
	}
	return grant, nil
}

// ReleaseLock releases a lease returned by AcquireLock.
func (s *Service) ReleaseLock(ctx context.Context, token string) (bool, error) {
	return s.locks.ReleaseBookingLock(ctx, token)
}

// Cancel marks the appointment canceled and frees its slots.
func (s *Service) Cancel(ctx context.Context, tenantID, id string, version int64) (*models.Appointment, error) {
	wctx, cancel := context.WithTimeout(ctx, s.timeouts.Write)
	appt, err := s.writer.CancelAppointment(wctx, tenantID, id, version)
	cancel()
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, appt)
	s.publish(ctx, events.AppointmentEvent(events.AppointmentCanceled, appt))
	s.logger.Info().Str("appointment_id", id).Msg("appointment canceled")
	return appt, nil
}

// Get returns one appointment.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Read)
	defer cancel()
	return s.writer.GetAppointment(ctx, tenantID, id)
}

func (s *Service) move(a *Attempt, to State) {
	if err := a.Transition(to); err != nil {
		s.logger.Error().Err(err).Str("attempt_id", a.ID).Msg("booking state machine")
	}
}

func (s *Service) release(ctx context.Context, token string) {
	if _, err := s.locks.ReleaseBookingLock(context.WithoutCancel(ctx), token); err != nil {
		// The lease still expires after its TTL.
		s.logger.Warn().Err(err).Str("token", token).Msg("booking lock release failed")
	}
}

func (s *Service) invalidate(ctx context.Context, appt *models.Appointment) {
	if err := s.avail.Invalidate(context.WithoutCancel(ctx), appt.TenantID, appt.ShopID, appt.Start); err != nil {
		s.logger.Warn().Err(err).
			Str("category", string(policy.CacheStoreUnavailable)).
			Str("appointment_id", appt.ID).
			Msg("availability invalidation failed")
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	// The change is already committed; a slow broker must not hold the caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	s.publisher.Publish(ctx, event)
}
