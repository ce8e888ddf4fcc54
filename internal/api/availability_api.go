package api

import (
	"net/http"
	"time"

	"bookwise/internal/availability"
	"bookwise/internal/events"
	"bookwise/internal/metrics"
	"bookwise/internal/models"
)

// MaxInvalidateDays bounds manual invalidation requests.
const MaxInvalidateDays = 90

// InvalidateRequest is the body of POST /api/availability/invalidate.
type InvalidateRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	ShopID   string `json:"shop_id" validate:"required"`
	Day      string `json:"day" validate:"required,datetime=2006-01-02"`
	Days     int    `json:"days,omitempty" validate:"omitempty,min=1,max=90"`
}

// handleAvailability returns the slots of one employee, or of every employee
// when employee_id is omitted or "*".
// GET /api/availability?tenant_id=&shop_id=&employee_id=&day=YYYY-MM-DD
func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("availability")

	q := r.URL.Query()
	dayStr := q.Get("day")
	if dayStr == "" {
		writeError(w, http.StatusBadRequest, "day is required")
		return
	}
	day, err := time.ParseInLocation(models.DayLayout, dayStr, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid day format; expected YYYY-MM-DD")
		return
	}

	res, err := s.avail.GetAvailability(r.Context(), availability.Query{
		TenantID:   q.Get("tenant_id"),
		ShopID:     q.Get("shop_id"),
		EmployeeID: q.Get("employee_id"),
		Day:        day,
	})
	if err != nil {
		s.writeServiceError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DurationsResponse lists the bookable lengths starting at one slot.
type DurationsResponse struct {
	Start              time.Time `json:"start"`
	DurationsMinutes   []int     `json:"durations_minutes"`
	GranularityMinutes int       `json:"granularity_minutes"`
}

// handleDurations returns how long a booking starting at start may run.
// GET /api/availability/durations?tenant_id=&shop_id=&employee_id=&start=RFC3339
func (s *HTTPServer) handleDurations(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("availability_durations")

	q := r.URL.Query()
	startStr := q.Get("start")
	if startStr == "" {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start format; expected RFC3339")
		return
	}
	start = start.In(s.loc)

	options, err := s.avail.DurationOptions(r.Context(), availability.Query{
		TenantID:   q.Get("tenant_id"),
		ShopID:     q.Get("shop_id"),
		EmployeeID: q.Get("employee_id"),
	}, start)
	if err != nil {
		s.writeServiceError(w, err, 0)
		return
	}
	if options == nil {
		options = []int{}
	}
	writeJSON(w, http.StatusOK, DurationsResponse{
		Start:              start,
		DurationsMinutes:   options,
		GranularityMinutes: s.avail.Granularity(),
	})
}

// handleInvalidate drops cached availability for a shop and tells other
// instances to do the same.
// POST /api/availability/invalidate
func (s *HTTPServer) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("availability_invalidate")

	var req InvalidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	day, err := time.ParseInLocation(models.DayLayout, req.Day, s.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid day format; expected YYYY-MM-DD")
		return
	}
	days := req.Days
	if days == 0 {
		days = 1
	}

	if err := s.avail.InvalidateDays(r.Context(), req.TenantID, req.ShopID, day, days); err != nil {
		s.writeServiceError(w, err, 0)
		return
	}
	if s.publisher != nil {
		s.publisher.Publish(r.Context(), events.Event{
			Type:     events.AvailabilityInvalidated,
			TenantID: req.TenantID,
			ShopID:   req.ShopID,
			Day:      req.Day,
			Days:     days,
		})
	}

	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("shop_id", req.ShopID).
		Str("day", req.Day).
		Int("days", days).
		Msg("availability invalidated")
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": true, "days": days})
}
