package events

import (
	"context"
	"fmt"
	"time"

	"bookwise/internal/models"
)

// Invalidator drops cached availability; implemented by availability.Calculator.
type Invalidator interface {
	InvalidateDays(ctx context.Context, tenantID, shopID string, from time.Time, days int) error
}

// InvalidationHandler returns a Handler that invalidates the days an event
// touches. Days are parsed in loc.
func InvalidationHandler(inv Invalidator, loc *time.Location) Handler {
	if loc == nil {
		loc = time.UTC
	}
	return func(ctx context.Context, event Event) error {
		if event.TenantID == "" || event.ShopID == "" || event.Day == "" {
			return fmt.Errorf("event %s: tenant, shop and day are required", event.ID)
		}
		day, err := time.ParseInLocation(models.DayLayout, event.Day, loc)
		if err != nil {
			return fmt.Errorf("event %s: parse day: %w", event.ID, err)
		}
		days := event.Days
		if days <= 0 {
			days = 1
		}
		return inv.InvalidateDays(ctx, event.TenantID, event.ShopID, day, days)
	}
}
