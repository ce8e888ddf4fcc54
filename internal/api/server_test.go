package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bookwise/internal/availability"
	"bookwise/internal/booking"
	"bookwise/internal/database"
	"bookwise/internal/events"
	"bookwise/internal/lock"
	"bookwise/internal/models"
	"bookwise/internal/policy"
)

const testAPIKey = "valid-key"

type ErrorResponse struct {
	Error string `json:"error"`
}

type MockAvailability struct {
	mock.Mock
}

func (m *MockAvailability) GetAvailability(ctx context.Context, q availability.Query) (*models.AvailabilityResult, error) {
	args := m.Called(ctx, q)
	res, _ := args.Get(0).(*models.AvailabilityResult)
	return res, args.Error(1)
}

func (m *MockAvailability) DurationOptions(ctx context.Context, q availability.Query, start time.Time) ([]int, error) {
	args := m.Called(ctx, q, start)
	options, _ := args.Get(0).([]int)
	return options, args.Error(1)
}

func (m *MockAvailability) Granularity() int {
	return m.Called().Int(0)
}

func (m *MockAvailability) InvalidateDays(ctx context.Context, tenantID, shopID string, from time.Time, days int) error {
	return m.Called(ctx, tenantID, shopID, from, days).Error(0)
}

type MockBookings struct {
	mock.Mock
}

func (m *MockBookings) Book(ctx context.Context, req booking.Request) (*booking.Outcome, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*booking.Outcome)
	return out, args.Error(1)
}

func (m *MockBookings) AcquireLock(ctx context.Context, req booking.Request, strategy lock.Strategy) (lock.Grant, error) {
	args := m.Called(ctx, req, strategy)
	return args.Get(0).(lock.Grant), args.Error(1)
}

func (m *MockBookings) ReleaseLock(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (m *MockBookings) Cancel(ctx context.Context, tenantID, id string, version int64) (*models.Appointment, error) {
	args := m.Called(ctx, tenantID, id, version)
	appt, _ := args.Get(0).(*models.Appointment)
	return appt, args.Error(1)
}

func (m *MockBookings) Get(ctx context.Context, tenantID, id string) (*models.Appointment, error) {
	args := m.Called(ctx, tenantID, id)
	appt, _ := args.Get(0).(*models.Appointment)
	return appt, args.Error(1)
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.events = append(p.events, e)
}

type testServer struct {
	avail    *MockAvailability
	bookings *MockBookings
	handler  http.Handler
}

func setupTestServer(t *testing.T, cfg Config, opts ...Option) *testServer {
	t.Helper()
	if cfg.APIKeys == nil {
		cfg.APIKeys = []string{testAPIKey}
	}
	ts := &testServer{avail: &MockAvailability{}, bookings: &MockBookings{}}
	ts.handler = NewHTTPServer(cfg, ts.avail, ts.bookings, nil, opts...).Handler()
	t.Cleanup(func() {
		ts.avail.AssertExpectations(t)
		ts.bookings.AssertExpectations(t)
	})
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, testAPIKey)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestAPIAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		keys       []string
		apiKey     string
		wantStatus int
	}{
		{"valid key", []string{"valid-key"}, "valid-key", http.StatusOK},
		{"missing key", []string{"valid-key"}, "", http.StatusUnauthorized},
		{"invalid key", []string{"valid-key"}, "invalid-key", http.StatusUnauthorized},
		{"no keys configured", []string{}, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t, Config{APIKeys: tt.keys})
			if tt.wantStatus == http.StatusOK {
				ts.bookings.On("ReleaseLock", mock.Anything, "tok").Return(true, nil).Once()
			}

			req := httptest.NewRequest(http.MethodDelete, "/api/locks/tok", nil)
			if tt.apiKey != "" {
				req.Header.Set(apiKeyHeader, tt.apiKey)
			}
			w := httptest.NewRecorder()
			ts.handler.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	ts := setupTestServer(t, Config{RPS: 0.001, Burst: 2})
	ts.bookings.On("ReleaseLock", mock.Anything, "tok").Return(false, nil).Twice()

	assert.Equal(t, http.StatusOK, ts.do(http.MethodDelete, "/api/locks/tok", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodDelete, "/api/locks/tok", nil).Code)

	w := ts.do(http.MethodDelete, "/api/locks/tok", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestLimiterSet_EvictsIdleClients(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	l := newLimiterSet(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("ip:10.0.0.1"))
	assert.True(t, l.allow("ip:10.0.0.2"))
	assert.False(t, l.allow("ip:10.0.0.1"))
	assert.Equal(t, 2, l.size())

	now = now.Add(5 * time.Minute)
	assert.True(t, l.allow("ip:10.0.0.2"))

	now = now.Add(limiterIdle)
	assert.True(t, l.allow("ip:10.0.0.3"))
	assert.Equal(t, 2, l.size(), "10.0.0.1 went idle and was dropped")

	now = now.Add(limiterIdle + limiterSweep)
	assert.True(t, l.allow("ip:10.0.0.3"))
	assert.Equal(t, 1, l.size())
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t, Config{})
	w := ts.do(http.MethodPut, "/api/bookings", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", database.ErrNotFound, http.StatusNotFound},
		{"invalid query", availability.ErrInvalidQuery, http.StatusBadRequest},
		{"lock conflict", policy.Wrap(policy.LockConflict, "op", errors.New("taken")), http.StatusConflict},
		{"invalid slot", policy.Wrap(policy.InvalidSlotRequest, "op", errors.New("misaligned")), http.StatusBadRequest},
		{"lock store down", policy.Wrap(policy.LockStoreUnavailable, "op", errors.New("dial")), http.StatusServiceUnavailable},
		{"schedule unavailable", policy.Wrap(policy.ScheduleDataUnavailable, "booking.query", booking.ErrScheduleUnavailable), http.StatusServiceUnavailable},
		{"lease lost", fmt.Errorf("create appointment: %w", errors.Join(booking.ErrLeaseLost, context.Canceled)), http.StatusServiceUnavailable},
		{"cache store down", policy.Wrap(policy.CacheStoreUnavailable, "op", errors.New("dial")), http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestNewHealthMux(t *testing.T) {
	failing := errors.New("connection refused")
	mux := NewHealthMux(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "redis", Check: func(context.Context) error { return failing }},
	)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis not ready")

	w = httptest.NewRecorder()
	NewHealthMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
