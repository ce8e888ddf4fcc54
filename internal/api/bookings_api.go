package api

import (
	"net/http"
	"time"

	"bookwise/internal/booking"
	"bookwise/internal/metrics"
)

// BookRequest is the body of POST /api/bookings. An empty employee_id or
// "*" books whoever is free first.
type BookRequest struct {
	TenantID        string    `json:"tenant_id" validate:"required"`
	ShopID          string    `json:"shop_id" validate:"required"`
	EmployeeID      string    `json:"employee_id,omitempty"`
	ServiceID       string    `json:"service_id,omitempty"`
	CustomerName    string    `json:"customer_name,omitempty" validate:"max=200"`
	StartAt         time.Time `json:"start_at" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1,max=1440"`
}

// BookResponse carries the attempt outcome, plus the error when it failed.
type BookResponse struct {
	*booking.Outcome
	Error string `json:"error,omitempty"`
}

// CancelRequest is the body of POST /api/bookings/{id}/cancel.
type CancelRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Version  int64  `json:"version" validate:"required,min=1"`
}

// handleBook runs one booking attempt.
// POST /api/bookings
func (s *HTTPServer) handleBook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("bookings_create")

	var req BookRequest
	if !s.decode(w, r, &req) {
		return
	}

	outcome, err := s.bookings.Book(r.Context(), booking.Request{
		TenantID:        req.TenantID,
		ShopID:          req.ShopID,
		EmployeeID:      req.EmployeeID,
		ServiceID:       req.ServiceID,
		CustomerName:    req.CustomerName,
		Start:           req.StartAt.In(s.loc),
		DurationMinutes: req.DurationMinutes,
	})
	if err == nil {
		writeJSON(w, http.StatusCreated, BookResponse{Outcome: outcome})
		return
	}
	if outcome == nil {
		s.writeServiceError(w, err, 0)
		return
	}

	status := errorStatus(err)
	if outcome.RetryAfter > 0 && status == http.StatusConflict {
		w.Header().Set("Retry-After", retryAfterSeconds(outcome.RetryAfter))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("attempt_id", outcome.AttemptID).Msg("booking failed")
		msg = "internal error"
	}
	writeJSON(w, status, BookResponse{Outcome: outcome, Error: msg})
}

// handleGetBooking returns one appointment.
// GET /api/bookings/{id}?tenant_id=
func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("bookings_get")

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	appt, err := s.bookings.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// handleCancel cancels an appointment at the given version.
// POST /api/bookings/{id}/cancel
func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("bookings_cancel")

	var req CancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	appt, err := s.bookings.Cancel(r.Context(), req.TenantID, r.PathValue("id"), req.Version)
	if err != nil {
		s.writeServiceError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}
