// Package schedule resolves the working hours that bound slot generation.
package schedule

import (
	"context"
	"time"

	"bookwise/internal/models"
)

// HoursSpec is a raw weekly hours row as stored ("09:00", "18:00").
type HoursSpec struct {
	Open   string `json:"open" yaml:"open" db:"open_time"`
	Close  string `json:"close" yaml:"close" db:"close_time"`
	Closed bool   `json:"closed" yaml:"closed" db:"closed"`
}

// Source is the read-only view of schedule data needed to compute availability.
// Methods return a nil spec (and nil error) when no row exists.
type Source interface {
	EmployeeWorkingHours(ctx context.Context, tenantID, employeeID string, weekday time.Weekday) (*HoursSpec, error)
	ShopWorkingHours(ctx context.Context, tenantID, shopID string, weekday time.Weekday) (*HoursSpec, error)
	ActiveServices(ctx context.Context, tenantID, shopID string) ([]models.Service, error)
	Appointments(ctx context.Context, tenantID, employeeID string, from, to time.Time) ([]models.AppointmentWindow, error)
	ShopEmployees(ctx context.Context, tenantID, shopID string) ([]string, error)
}
