package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookwise/internal/config"
	"bookwise/internal/models"
	"bookwise/internal/policy"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "test.db"), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func catalog(t *testing.T, body string) *config.ShopsConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.LoadShopsConfig(path)
	require.NoError(t, err)
	return cfg
}

const shopsYAML = `
tenants:
  - id: acme
    shops:
      - id: downtown
        name: Downtown
        hours:
          mon: {open: "09:00", close: "17:00"}
          sun: {closed: true}
        services:
          - {id: cut, name: Haircut, duration_minutes: 30}
          - {id: shave, name: Shave, duration_minutes: 15}
          - {id: color, name: Color, duration_minutes: 90, active: false}
        employees:
          - id: zoe
            hours:
              mon: {open: "12:00", close: "20:00"}
          - id: adam
          - id: ben
            active: false
`

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", nil)
	assert.ErrorContains(t, err, "unsupported")
}

func TestSyncShops_ScheduleSource(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	refs, err := db.SyncShops(ctx, catalog(t, shopsYAML))
	require.NoError(t, err)
	assert.Equal(t, []ShopRef{{TenantID: "acme", ShopID: "downtown"}}, refs)

	shopMon, err := db.ShopWorkingHours(ctx, "acme", "downtown", time.Monday)
	require.NoError(t, err)
	require.NotNil(t, shopMon)
	assert.Equal(t, "09:00", shopMon.Open)
	assert.Equal(t, "17:00", shopMon.Close)

	shopSun, err := db.ShopWorkingHours(ctx, "acme", "downtown", time.Sunday)
	require.NoError(t, err)
	assert.True(t, shopSun.Closed)

	shopTue, err := db.ShopWorkingHours(ctx, "acme", "downtown", time.Tuesday)
	require.NoError(t, err)
	assert.Nil(t, shopTue)

	empMon, err := db.EmployeeWorkingHours(ctx, "acme", "zoe", time.Monday)
	require.NoError(t, err)
	assert.Equal(t, "12:00", empMon.Open)

	none, err := db.EmployeeWorkingHours(ctx, "acme", "adam", time.Monday)
	require.NoError(t, err)
	assert.Nil(t, none)

	employees, err := db.ShopEmployees(ctx, "acme", "downtown")
	require.NoError(t, err)
	assert.Equal(t, []string{"zoe", "adam"}, employees, "catalog order, inactive excluded")

	services, err := db.ActiveServices(ctx, "acme", "downtown")
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "cut", services[0].ID)
	assert.Equal(t, 15, services[1].DurationMinutes)
}

func TestSyncShops_DeactivatesRemovedRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.SyncShops(ctx, catalog(t, shopsYAML))
	require.NoError(t, err)

	_, err = db.SyncShops(ctx, catalog(t, `
tenants:
  - id: acme
    shops:
      - id: downtown
        services:
          - {id: shave, duration_minutes: 20}
        employees:
          - id: adam
`))
	require.NoError(t, err)

	employees, err := db.ShopEmployees(ctx, "acme", "downtown")
	require.NoError(t, err)
	assert.Equal(t, []string{"adam"}, employees)

	services, err := db.ActiveServices(ctx, "acme", "downtown")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, 20, services[0].DurationMinutes)

	hours, err := db.EmployeeWorkingHours(ctx, "acme", "zoe", time.Monday)
	require.NoError(t, err)
	assert.NotNil(t, hours, "hours of a deactivated employee are left alone")

	shopMon, err := db.ShopWorkingHours(ctx, "acme", "downtown", time.Monday)
	require.NoError(t, err)
	assert.Nil(t, shopMon, "weekly hours are replaced")
}

func appointment(id, employee string, start, end time.Time) *models.Appointment {
	return &models.Appointment{ID: id, TenantID: "acme", ShopID: "downtown", EmployeeID: employee, Start: start, End: end}
}

func TestCreateAppointment(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.CreateAppointment(ctx, appointment("a1", "zoe", at(10, 0), at(11, 0))))

	tests := []struct {
		name    string
		appt    *models.Appointment
		wantErr error
	}{
		{"overlapping start", appointment("a2", "zoe", at(10, 30), at(11, 30)), ErrSlotTaken},
		{"contained", appointment("a3", "zoe", at(10, 15), at(10, 45)), ErrSlotTaken},
		{"adjacent after", appointment("a4", "zoe", at(11, 0), at(11, 30)), nil},
		{"adjacent before", appointment("a5", "zoe", at(9, 30), at(10, 0)), nil},
		{"other employee", appointment("a6", "adam", at(10, 0), at(11, 0)), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.CreateAppointment(ctx, tt.appt)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			cat, _ := policy.CategoryOf(err)
			assert.Equal(t, policy.LockConflict, cat)
		})
	}

	err := db.CreateAppointment(ctx, appointment("bad", "zoe", at(12, 0), at(12, 0)))
	cat, _ := policy.CategoryOf(err)
	assert.Equal(t, policy.InvalidSlotRequest, cat)
}

func TestAppointments_RangeAndLocation(t *testing.T) {
	ctx := context.Background()
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	db := openTestDB(t, WithLocation(berlin))

	require.NoError(t, db.CreateAppointment(ctx, appointment("a1", "zoe", at(9, 0), at(9, 30))))
	require.NoError(t, db.CreateAppointment(ctx, appointment("a2", "zoe", at(23, 30), at(24, 30))))
	require.NoError(t, db.CreateAppointment(ctx, appointment("a3", "zoe", at(26, 0), at(27, 0))))

	rows, err := db.Appointments(ctx, "acme", "zoe", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a1", rows[0].ID)
	assert.Equal(t, "a2", rows[1].ID)
	assert.True(t, rows[0].Start.Equal(at(9, 0)))
	assert.Equal(t, berlin, rows[0].Start.Location())
	assert.Equal(t, models.StatusConfirmed, rows[0].Status)
}

func TestCancelAppointment(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateAppointment(ctx, appointment("a1", "zoe", at(10, 0), at(11, 0))))

	_, err := db.CancelAppointment(ctx, "acme", "a1", 5)
	assert.ErrorIs(t, err, ErrStaleVersion)

	got, err := db.CancelAppointment(ctx, "acme", "a1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, got.Status)
	assert.Equal(t, int64(2), got.Version)

	_, err = db.CancelAppointment(ctx, "acme", "a1", 2)
	cat, _ := policy.CategoryOf(err)
	assert.Equal(t, policy.InvalidSlotRequest, cat)

	_, err = db.CancelAppointment(ctx, "acme", "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetAppointment(ctx, "other-tenant", "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.CreateAppointment(ctx, appointment("a2", "zoe", at(10, 0), at(11, 0))), "canceled rows do not block")
}

func TestBackupService(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateAppointment(ctx, appointment("a1", "zoe", at(10, 0), at(11, 0))))

	dir := t.TempDir()
	svc := NewBackupService(db, BackupConfig{Enabled: true, StoragePath: dir, RetentionDays: 7}, nil)

	path, err := svc.PerformBackup(ctx)
	require.NoError(t, err)
	assert.FileExists(t, path)

	restored, err := Open(ctx, DriverSQLite, path, nil)
	require.NoError(t, err)
	defer restored.Close()
	appt, err := restored.GetAppointment(ctx, "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, "zoe", appt.EmployeeID)

	old := filepath.Join(dir, "backup_old.db")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	assert.Equal(t, 1, svc.CleanupOldBackups())
	assert.NoFileExists(t, old)
	assert.FileExists(t, path)
}
