// Package api exposes availability, lock and booking operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"bookwise/internal/availability"
	"bookwise/internal/booking"
	"bookwise/internal/database"
	"bookwise/internal/events"
	"bookwise/internal/lock"
	"bookwise/internal/models"
	"bookwise/internal/policy"
)

const (
	apiKeyHeader = "X-API-Key"
	maxBodyBytes = 1 << 20

	limiterIdle  = 10 * time.Minute
	limiterSweep = time.Minute
)

// AvailabilityService answers availability queries and drops cached days.
type AvailabilityService interface {
	GetAvailability(ctx context.Context, q availability.Query) (*models.AvailabilityResult, error)
	DurationOptions(ctx context.Context, q availability.Query, start time.Time) ([]int, error)
	Granularity() int
	InvalidateDays(ctx context.Context, tenantID, shopID string, from time.Time, days int) error
}

// BookingService books, cancels and reserves windows.
type BookingService interface {
	Book(ctx context.Context, req booking.Request) (*booking.Outcome, error)
	AcquireLock(ctx context.Context, req booking.Request, strategy lock.Strategy) (lock.Grant, error)
	ReleaseLock(ctx context.Context, token string) (bool, error)
	Cancel(ctx context.Context, tenantID, id string, version int64) (*models.Appointment, error)
	Get(ctx context.Context, tenantID, id string) (*models.Appointment, error)
}

// Publisher broadcasts manual invalidations to other instances.
type Publisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Config holds HTTP server settings.
type Config struct {
	Port     int
	APIKeys  []string
	RPS      float64
	Burst    int
	Location *time.Location
}

// HTTPServer serves the JSON API.
type HTTPServer struct {
	avail     AvailabilityService
	bookings  BookingService
	publisher Publisher
	keys      map[string]bool
	limiters  *limiterSet
	loc       *time.Location
	validate  *validator.Validate
	server    *http.Server
	log       *zerolog.Logger
}

// Option configures an HTTPServer.
type Option func(*HTTPServer)

// WithPublisher broadcasts manual invalidations.
func WithPublisher(p Publisher) Option {
	return func(s *HTTPServer) { s.publisher = p }
}

// NewHTTPServer wires routes and middleware.
func NewHTTPServer(cfg Config, avail AvailabilityService, bookings BookingService, logger *zerolog.Logger, opts ...Option) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}

	s := &HTTPServer{
		avail:    avail,
		bookings: bookings,
		keys:     keys,
		limiters: newLimiterSet(cfg.RPS, cfg.Burst),
		loc:      loc,
		validate: newValidator(),
		log:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/availability", s.handleAvailability)
	mux.HandleFunc("GET /api/availability/durations", s.handleDurations)
	mux.HandleFunc("POST /api/availability/invalidate", s.handleInvalidate)
	mux.HandleFunc("POST /api/locks", s.handleAcquireLock)
	mux.HandleFunc("DELETE /api/locks/{version}", s.handleReleaseLock)
	mux.HandleFunc("POST /api/bookings", s.handleBook)
	mux.HandleFunc("GET /api/bookings/{id}", s.handleGetBooking)
	mux.HandleFunc("POST /api/bookings/{id}/cancel", s.handleCancel)

	handler := otelhttp.NewHandler(s.rateLimit(s.auth(mux)), "bookwise.api")

	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("api server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(apiKeyHeader)
		if key == "" || !s.keys[key] {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by API key, falling back to the remote IP.
func clientKey(r *http.Request) string {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps one token bucket per client. Buckets idle for longer than
// idle are dropped on the next sweep.
type limiterSet struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
	limiters  map[string]*clientLimiter
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &limiterSet{
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     limiterIdle,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
	}
}

func (l *limiterSet) allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= limiterSweep {
		l.sweep(now)
	}
	c, ok := l.limiters[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()
	return c.limiter.AllowN(now, 1)
}

// sweep must be called with l.mu held.
func (l *limiterSet) sweep(now time.Time) {
	for key, c := range l.limiters {
		if now.Sub(c.lastSeen) > l.idle {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

func (l *limiterSet) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body and validates it.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, availability.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrLeaseLost):
		return http.StatusServiceUnavailable
	}
	cat, ok := policy.CategoryOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch cat {
	case policy.LockConflict:
		return http.StatusConflict
	case policy.InvalidSlotRequest:
		return http.StatusBadRequest
	case policy.LockStoreUnavailable, policy.ScheduleDataUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error, retryAfter time.Duration) {
	status := errorStatus(err)
	if status == http.StatusServiceUnavailable && retryAfter <= 0 {
		retryAfter = time.Second
	}
	if retryAfter > 0 && (status == http.StatusServiceUnavailable || status == http.StatusConflict) {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
