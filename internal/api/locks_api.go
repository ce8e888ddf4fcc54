package api

import (
	"net/http"
	"time"

	"bookwise/internal/booking"
	"bookwise/internal/lock"
	"bookwise/internal/metrics"
)

// LockRequest is the body of POST /api/locks. Force is not accepted over HTTP.
type LockRequest struct {
	TenantID        string    `json:"tenant_id" validate:"required"`
	ShopID          string    `json:"shop_id" validate:"required"`
	EmployeeID      string    `json:"employee_id" validate:"required,ne=*"`
	StartAt         time.Time `json:"start_at" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1,max=1440"`
	Strategy        string    `json:"strategy,omitempty" validate:"omitempty,oneof=fail retry"`
}

// LockResponse answers POST /api/locks. Version is the lease token to release.
type LockResponse struct {
	Granted           bool       `json:"granted"`
	Version           string     `json:"version,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
}

// handleAcquireLock reserves the 15-minute buckets of a window.
// POST /api/locks
func (s *HTTPServer) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("locks_acquire")

	var req LockRequest
	if !s.decode(w, r, &req) {
		return
	}

	grant, err := s.bookings.AcquireLock(r.Context(), booking.Request{
		TenantID:        req.TenantID,
		ShopID:          req.ShopID,
		EmployeeID:      req.EmployeeID,
		Start:           req.StartAt.In(s.loc),
		DurationMinutes: req.DurationMinutes,
	}, lock.Strategy(req.Strategy))
	if err != nil {
		s.writeServiceError(w, err, 0)
		return
	}

	if !grant.Granted {
		resp := LockResponse{Granted: false}
		if grant.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(grant.RetryAfter))
			resp.RetryAfterSeconds = int((grant.RetryAfter + time.Second - 1) / time.Second)
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	expires := grant.ExpiresAt
	writeJSON(w, http.StatusOK, LockResponse{Granted: true, Version: grant.Token, ExpiresAt: &expires})
}

// handleReleaseLock releases a lease by its version token.
// DELETE /api/locks/{version}
func (s *HTTPServer) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("locks_release")

	token := r.PathValue("version")
	if token == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	released, err := s.bookings.ReleaseLock(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}
