package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"bookwise/internal/config"
)

// ShopRef identifies a synced shop.
type ShopRef struct {
	TenantID string
	ShopID   string
}

// SyncShops applies shops.yaml to the database in one transaction. It upserts
// shops, employees and services, replaces weekly hours, and marks rows missing
// from the catalog inactive. It returns every shop present in the catalog.
func (db *DB) SyncShops(ctx context.Context, cfg *config.ShopsConfig) ([]ShopRef, error) {
	if cfg == nil {
		return nil, fmt.Errorf("shops config is nil")
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var refs []ShopRef
	for _, tenant := range cfg.Tenants {
		shopIDs := make([]string, 0, len(tenant.Shops))
		employeeIDs := make([]string, 0)

		for _, shop := range tenant.Shops {
			if err := upsertShop(ctx, tx, tenant.ID, shop, now); err != nil {
				return nil, err
			}
			shopIDs = append(shopIDs, shop.ID)
			refs = append(refs, ShopRef{TenantID: tenant.ID, ShopID: shop.ID})

			if err := replaceHours(ctx, tx, "shop_hours", "shop_id", tenant.ID, shop.ID, shop.Hours); err != nil {
				return nil, fmt.Errorf("sync shop %s hours: %w", shop.ID, err)
			}

			serviceIDs := make([]string, 0, len(shop.Services))
			for _, svc := range shop.Services {
				if _, err := tx.ExecContext(ctx, tx.Rebind(`
					INSERT INTO services (tenant_id, id, shop_id, name, duration_minutes, active, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT (tenant_id, shop_id, id) DO UPDATE SET
						name = excluded.name,
						duration_minutes = excluded.duration_minutes,
						active = excluded.active,
						updated_at = excluded.updated_at`),
					tenant.ID, svc.ID, shop.ID, svc.Name, svc.DurationMinutes, svc.IsActive(), now,
				); err != nil {
					return nil, fmt.Errorf("sync service %s: %w", svc.ID, err)
				}
				serviceIDs = append(serviceIDs, svc.ID)
			}
			if err := deactivateMissing(ctx, tx, "services", "tenant_id = ? AND shop_id = ?", []any{tenant.ID, shop.ID}, serviceIDs, now); err != nil {
				return nil, err
			}

			for pos, emp := range shop.Employees {
				if _, err := tx.ExecContext(ctx, tx.Rebind(`
					INSERT INTO employees (tenant_id, id, shop_id, name, position, active, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT (tenant_id, id) DO UPDATE SET
						shop_id = excluded.shop_id,
						name = excluded.name,
						position = excluded.position,
						active = excluded.active,
						updated_at = excluded.updated_at`),
					tenant.ID, emp.ID, shop.ID, emp.Name, pos, emp.IsActive(), now,
				); err != nil {
					return nil, fmt.Errorf("sync employee %s: %w", emp.ID, err)
				}
				if err := replaceHours(ctx, tx, "employee_hours", "employee_id", tenant.ID, emp.ID, emp.Hours); err != nil {
					return nil, fmt.Errorf("sync employee %s hours: %w", emp.ID, err)
				}
				employeeIDs = append(employeeIDs, emp.ID)
			}
		}

		// Deactivate rows that disappeared from config.
		if err := deactivateMissing(ctx, tx, "shops", "tenant_id = ?", []any{tenant.ID}, shopIDs, now); err != nil {
			return nil, err
		}
		if err := deactivateMissing(ctx, tx, "employees", "tenant_id = ?", []any{tenant.ID}, employeeIDs, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync: %w", err)
	}
	db.logger.Info().Int("shops", len(refs)).Msg("shops catalog synced")
	return refs, nil
}

func upsertShop(ctx context.Context, tx *sqlx.Tx, tenantID string, shop config.ShopConfig, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO shops (tenant_id, id, name, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			updated_at = excluded.updated_at`),
		tenantID, shop.ID, shop.Name, shop.IsActive(), now,
	)
	if err != nil {
		return fmt.Errorf("sync shop %s: %w", shop.ID, err)
	}
	return nil
}

// replaceHours rewrites the weekly rows of one owner. table and column are
// package constants, never user input.
func replaceHours(ctx context.Context, tx *sqlx.Tx, table, column, tenantID, ownerID string, week config.WeekConfig) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ? AND %s = ?", table, column)),
		tenantID, ownerID,
	); err != nil {
		return err
	}

	days := week.Weekdays()
	ordered := make([]time.Weekday, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, d := range ordered {
		spec := days[d].Spec()
		if _, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`
			INSERT INTO %s (tenant_id, %s, weekday, open_time, close_time, closed)
			VALUES (?, ?, ?, ?, ?, ?)`, table, column)),
			tenantID, ownerID, int(d), spec.Open, spec.Close, spec.Closed,
		); err != nil {
			return err
		}
	}
	return nil
}

func deactivateMissing(ctx context.Context, tx *sqlx.Tx, table, scope string, scopeArgs []any, keep []string, now time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET active = ?, updated_at = ? WHERE %s", table, scope)
	args := append([]any{false, now}, scopeArgs...)
	if len(keep) > 0 {
		in, inArgs, err := sqlx.In(" AND id NOT IN (?)", keep)
		if err != nil {
			return err
		}
		query += in
		args = append(args, inArgs...)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("deactivate missing %s: %w", table, err)
	}
	return nil
}
