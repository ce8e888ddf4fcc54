package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookwise/internal/models"
	"bookwise/internal/policy"
)

const appointmentColumns = `id, tenant_id, shop_id, employee_id, service_id, customer_name,
		start_at, end_at, status, version, created_at, updated_at`

// CreateAppointment inserts appt after re-checking, in the same transaction,
// that no CONFIRMED or PENDING appointment of the employee overlaps it.
func (db *DB) CreateAppointment(ctx context.Context, appt *models.Appointment) error {
	if !appt.End.After(appt.Start) {
		return policy.Wrap(policy.InvalidSlotRequest, "database.create_appointment", errors.New("end must be after start"))
	}
	if appt.Status == "" {
		appt.Status = models.StatusConfirmed
	}
	if !appt.Status.Valid() {
		return policy.Wrap(policy.InvalidSlotRequest, "database.create_appointment", fmt.Errorf("unknown status %q", appt.Status))
	}
	if appt.Version == 0 {
		appt.Version = 1
	}
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var overlapping int
	err = tx.GetContext(ctx, &overlapping, tx.Rebind(`
		SELECT COUNT(*) FROM appointments
		WHERE tenant_id = ? AND employee_id = ? AND status IN (?, ?)
		  AND start_at < ? AND end_at > ?`),
		appt.TenantID, appt.EmployeeID, models.StatusConfirmed, models.StatusPending,
		utc(appt.End), utc(appt.Start))
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if overlapping > 0 {
		return policy.Wrap(policy.LockConflict, "database.create_appointment", ErrSlotTaken)
	}

	row := *appt
	row.Start, row.End = utc(row.Start), utc(row.End)
	row.CreatedAt, row.UpdatedAt = utc(row.CreatedAt), utc(row.UpdatedAt)
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (:id, :tenant_id, :shop_id, :employee_id, :service_id, :customer_name,
		        :start_at, :end_at, :status, :version, :created_at, :updated_at)`, &row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit appointment: %w", err)
	}
	return nil
}

// GetAppointment returns one appointment of the tenant.
func (db *DB) GetAppointment(ctx context.Context, tenantID, id string) (*models.Appointment, error) {
	var appt models.Appointment
	err := db.GetContext(ctx, &appt, db.Rebind(`
		SELECT `+appointmentColumns+`
		FROM appointments WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	appt.Start = db.local(appt.Start)
	appt.End = db.local(appt.End)
	return &appt, nil
}

// CancelAppointment moves a blocking appointment to CANCELED when version
// matches and returns the updated row.
func (db *DB) CancelAppointment(ctx context.Context, tenantID, id string, version int64) (*models.Appointment, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE appointments
		SET status = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ? AND status IN (?, ?)`),
		models.StatusCanceled, time.Now().UTC(), tenantID, id, version,
		models.StatusConfirmed, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, err := db.GetAppointment(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if current.Version != version {
			return nil, policy.Wrap(policy.LockConflict, "database.cancel_appointment", ErrStaleVersion)
		}
		return nil, policy.Wrap(policy.InvalidSlotRequest, "database.cancel_appointment",
			fmt.Errorf("appointment is %s", current.Status))
	}
	return db.GetAppointment(ctx, tenantID, id)
}
