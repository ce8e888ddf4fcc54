package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookwise/internal/models"
	"bookwise/internal/schedule"
)

var _ schedule.Source = (*DB)(nil)

// EmployeeWorkingHours returns the weekly hours row of an employee, or nil.
func (db *DB) EmployeeWorkingHours(ctx context.Context, tenantID, employeeID string, weekday time.Weekday) (*schedule.HoursSpec, error) {
	return db.hours(ctx, `
		SELECT open_time, close_time, closed
		FROM employee_hours
		WHERE tenant_id = ? AND employee_id = ? AND weekday = ?`,
		tenantID, employeeID, int(weekday))
}

// ShopWorkingHours returns the weekly hours row of a shop, or nil.
func (db *DB) ShopWorkingHours(ctx context.Context, tenantID, shopID string, weekday time.Weekday) (*schedule.HoursSpec, error) {
	return db.hours(ctx, `
		SELECT open_time, close_time, closed
		FROM shop_hours
		WHERE tenant_id = ? AND shop_id = ? AND weekday = ?`,
		tenantID, shopID, int(weekday))
}

func (db *DB) hours(ctx context.Context, query string, args ...any) (*schedule.HoursSpec, error) {
	var spec schedule.HoursSpec
	err := db.GetContext(ctx, &spec, db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hours: %w", err)
	}
	return &spec, nil
}

// ActiveServices lists the active services of a shop.
func (db *DB) ActiveServices(ctx context.Context, tenantID, shopID string) ([]models.Service, error) {
	var services []models.Service
	err := db.SelectContext(ctx, &services, db.Rebind(`
		SELECT id, shop_id, name, duration_minutes, active
		FROM services
		WHERE tenant_id = ? AND shop_id = ? AND active = ?
		ORDER BY id`),
		tenantID, shopID, true)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// Appointments returns every appointment of the employee overlapping
// [from, to), whatever its status.
func (db *DB) Appointments(ctx context.Context, tenantID, employeeID string, from, to time.Time) ([]models.AppointmentWindow, error) {
	var rows []models.AppointmentWindow
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT id, employee_id, start_at, end_at, status
		FROM appointments
		WHERE tenant_id = ? AND employee_id = ? AND start_at < ? AND end_at > ?
		ORDER BY start_at`),
		tenantID, employeeID, utc(to), utc(from))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	for i := range rows {
		rows[i].Start = db.local(rows[i].Start)
		rows[i].End = db.local(rows[i].End)
	}
	return rows, nil
}

// ShopEmployees lists active employee IDs of a shop in catalog order.
func (db *DB) ShopEmployees(ctx context.Context, tenantID, shopID string) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids, db.Rebind(`
		SELECT id FROM employees
		WHERE tenant_id = ? AND shop_id = ? AND active = ?
		ORDER BY position, id`),
		tenantID, shopID, true)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	return ids, nil
}
