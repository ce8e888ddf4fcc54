package models

import "time"

// DayLayout is the wire format for calendar days.
const DayLayout = "2006-01-02"

// AppointmentStatus is the lifecycle status of a stored appointment.
type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusPending   AppointmentStatus = "PENDING"
	StatusCanceled  AppointmentStatus = "CANCELED"
	StatusNoShow    AppointmentStatus = "NO_SHOW"
	StatusDone      AppointmentStatus = "DONE"
)

// Blocking reports whether appointments in this status occupy their window.
func (s AppointmentStatus) Blocking() bool {
	return s == StatusConfirmed || s == StatusPending
}

// Valid reports whether s is a known status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusConfirmed, StatusPending, StatusCanceled, StatusNoShow, StatusDone:
		return true
	}
	return false
}

// WorkingHours is a resolved open/close window expressed in minutes from midnight.
type WorkingHours struct {
	OpenMinutes  int  `json:"open_minutes"`
	CloseMinutes int  `json:"close_minutes"`
	IsClosed     bool `json:"is_closed"`
}

// OpenAt returns the opening instant on day.
func (w WorkingHours) OpenAt(day time.Time) time.Time {
	return atMinutes(day, w.OpenMinutes)
}

// CloseAt returns the closing instant on day.
func (w WorkingHours) CloseAt(day time.Time) time.Time {
	return atMinutes(day, w.CloseMinutes)
}

func atMinutes(day time.Time, minutes int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, minutes, 0, 0, day.Location())
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	return atMinutes(t, 0)
}

// AppointmentWindow is the part of an appointment that participates in conflict checks.
type AppointmentWindow struct {
	ID         string            `json:"id" db:"id"`
	EmployeeID string            `json:"employee_id" db:"employee_id"`
	Start      time.Time         `json:"start" db:"start_at"`
	End        time.Time         `json:"end" db:"end_at"`
	Status     AppointmentStatus `json:"status" db:"status"`
}

// Overlaps uses half-open [start, end) semantics.
func (a AppointmentWindow) Overlaps(start, end time.Time) bool {
	return start.Before(a.End) && end.After(a.Start)
}

// Appointment is a stored booking.
type Appointment struct {
	ID           string            `json:"id" db:"id"`
	TenantID     string            `json:"tenant_id" db:"tenant_id"`
	ShopID       string            `json:"shop_id" db:"shop_id"`
	EmployeeID   string            `json:"employee_id" db:"employee_id"`
	ServiceID    string            `json:"service_id,omitempty" db:"service_id"`
	CustomerName string            `json:"customer_name" db:"customer_name"`
	Start        time.Time         `json:"start" db:"start_at"`
	End          time.Time         `json:"end" db:"end_at"`
	Status       AppointmentStatus `json:"status" db:"status"`
	Version      int64             `json:"version" db:"version"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Window returns the conflict-relevant view of the appointment.
func (a *Appointment) Window() AppointmentWindow {
	return AppointmentWindow{
		ID:         a.ID,
		EmployeeID: a.EmployeeID,
		Start:      a.Start,
		End:        a.End,
		Status:     a.Status,
	}
}

// Service is a bookable service from a shop catalog.
type Service struct {
	ID              string `json:"id" db:"id"`
	ShopID          string `json:"shop_id" db:"shop_id"`
	Name            string `json:"name" db:"name"`
	DurationMinutes int    `json:"duration_minutes" db:"duration_minutes"`
	Active          bool   `json:"active" db:"active"`
}

// AvailabilitySlot is one candidate window annotated with availability.
type AvailabilitySlot struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"durationMinutes"`
	Available       bool      `json:"available"`
	Pending         bool      `json:"pending,omitempty"`
	Employees       []string  `json:"employees,omitempty"`
}

// AvailabilityResult is the computed availability of one employee (or "*") for one day.
type AvailabilityResult struct {
	TenantID    string             `json:"tenantId"`
	ShopID      string             `json:"shopId"`
	EmployeeID  string             `json:"employeeId"`
	Day         string             `json:"day"`
	Slots       []AvailabilitySlot `json:"slots"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Degraded    bool               `json:"degraded,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Volatile reports that a degraded result must not be cached.
func (r *AvailabilityResult) Volatile() bool {
	return r != nil && r.Degraded
}

// Clone returns a deep copy so callers can overlay per-request state.
func (r *AvailabilityResult) Clone() *AvailabilityResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Slots = make([]AvailabilitySlot, len(r.Slots))
	for i, s := range r.Slots {
		if s.Employees != nil {
			s.Employees = append([]string(nil), s.Employees...)
		}
		out.Slots[i] = s
	}
	if r.Warnings != nil {
		out.Warnings = append([]string(nil), r.Warnings...)
	}
	return &out
}

// LockEntry describes a versioned lock record.
type LockEntry struct {
	Key       string    `json:"key"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}
