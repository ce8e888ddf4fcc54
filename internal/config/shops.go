package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bookwise/internal/schedule"
)

// HoursConfig is the schedule of one weekday.
type HoursConfig struct {
	Open   string `yaml:"open"`
	Close  string `yaml:"close"`
	Closed bool   `yaml:"closed"`
}

// Spec converts the entry to the raw form stored in the database.
func (h HoursConfig) Spec() schedule.HoursSpec {
	return schedule.HoursSpec{Open: h.Open, Close: h.Close, Closed: h.Closed}
}

// WeekConfig maps weekday keys ("mon".."sun") to hours.
type WeekConfig map[string]HoursConfig

// ServiceConfig is one bookable service of a shop.
type ServiceConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	DurationMinutes int    `yaml:"duration_minutes"`
	Active          *bool  `yaml:"active,omitempty"`
}

// IsActive defaults to true when the flag is omitted.
func (s ServiceConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// EmployeeConfig is one employee and their weekly overrides.
type EmployeeConfig struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Active *bool      `yaml:"active,omitempty"`
	Hours  WeekConfig `yaml:"hours,omitempty"`
}

func (e EmployeeConfig) IsActive() bool {
	return e.Active == nil || *e.Active
}

// ShopConfig represents a single shop.
type ShopConfig struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Active    *bool            `yaml:"active,omitempty"`
	Hours     WeekConfig       `yaml:"hours,omitempty"`
	Services  []ServiceConfig  `yaml:"services"`
	Employees []EmployeeConfig `yaml:"employees"`
}

func (s ShopConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// TenantConfig groups the shops of one tenant.
type TenantConfig struct {
	ID    string       `yaml:"id"`
	Shops []ShopConfig `yaml:"shops"`
}

// DefaultsConfig represents global default settings.
type DefaultsConfig struct {
	Hours   *HoursConfig `yaml:"hours"`
	DaysOff []string     `yaml:"days_off"`
}

// ShopsConfig is the root of shops.yaml.
type ShopsConfig struct {
	Tenants  []TenantConfig `yaml:"tenants"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

var weekdayKeys = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekday converts a weekday key ("mon") to time.Weekday.
func ParseWeekday(key string) (time.Weekday, bool) {
	d, ok := weekdayKeys[strings.ToLower(strings.TrimSpace(key))]
	return d, ok
}

// Weekdays returns the entries of w keyed by time.Weekday.
func (w WeekConfig) Weekdays() map[time.Weekday]HoursConfig {
	out := make(map[time.Weekday]HoursConfig, len(w))
	for k, h := range w {
		if d, ok := ParseWeekday(k); ok {
			out[d] = h
		}
	}
	return out
}

// LoadShopsConfig loads and validates the shops catalog.
func LoadShopsConfig(path string) (*ShopsConfig, error) {
	if path == "" {
		path = "configs/shops.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shops config: %w", err)
	}

	var cfg ShopsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse shops config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate shops config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Validate checks the catalog for errors.
func (c *ShopsConfig) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("no tenants defined")
	}

	tenants := make(map[string]bool)
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant[%d]: id is required", i)
		}
		if tenants[t.ID] {
			return fmt.Errorf("tenant[%d]: duplicate id '%s'", i, t.ID)
		}
		tenants[t.ID] = true

		shops := make(map[string]bool)
		employees := make(map[string]bool)
		for j, s := range t.Shops {
			prefix := fmt.Sprintf("tenant[%s].shop[%d]", t.ID, j)
			if s.ID == "" {
				return fmt.Errorf("%s: id is required", prefix)
			}
			if shops[s.ID] {
				return fmt.Errorf("%s: duplicate id '%s'", prefix, s.ID)
			}
			shops[s.ID] = true

			if err := validateWeek(s.Hours, prefix+".hours"); err != nil {
				return err
			}

			services := make(map[string]bool)
			for k, svc := range s.Services {
				if svc.ID == "" {
					return fmt.Errorf("%s.services[%d]: id is required", prefix, k)
				}
				if services[svc.ID] {
					return fmt.Errorf("%s.services[%d]: duplicate id '%s'", prefix, k, svc.ID)
				}
				services[svc.ID] = true
				if svc.DurationMinutes <= 0 {
					return fmt.Errorf("%s.services[%d]: duration_minutes must be positive", prefix, k)
				}
			}

			for k, e := range s.Employees {
				if e.ID == "" {
					return fmt.Errorf("%s.employees[%d]: id is required", prefix, k)
				}
				// Employee IDs are unique per tenant since appointments are keyed by them.
				if employees[e.ID] {
					return fmt.Errorf("%s.employees[%d]: duplicate id '%s'", prefix, k, e.ID)
				}
				employees[e.ID] = true
				if err := validateWeek(e.Hours, fmt.Sprintf("%s.employees[%d].hours", prefix, k)); err != nil {
					return err
				}
			}
		}
	}

	if c.Defaults.Hours != nil {
		if err := validateHours(*c.Defaults.Hours, "defaults.hours"); err != nil {
			return err
		}
	}

	for i, d := range c.Defaults.DaysOff {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("defaults.days_off[%d]: invalid day '%s', expected mon..sun", i, d)
		}
	}

	return nil
}

func validateWeek(w WeekConfig, prefix string) error {
	for key, h := range w {
		if _, ok := ParseWeekday(key); !ok {
			return fmt.Errorf("%s: invalid day '%s', expected mon..sun", prefix, key)
		}
		if err := validateHours(h, prefix+"."+key); err != nil {
			return err
		}
	}
	return nil
}

// validateHours checks a schedule entry. Closed days need no times.
func validateHours(h HoursConfig, prefix string) error {
	if h.Closed {
		return nil
	}
	if h.Open == "" {
		return fmt.Errorf("%s.open is required", prefix)
	}
	if h.Close == "" {
		return fmt.Errorf("%s.close is required", prefix)
	}

	open, err := schedule.ParseClock(h.Open)
	if err != nil {
		return fmt.Errorf("%s.open: invalid format '%s', expected HH:MM", prefix, h.Open)
	}
	closeAt, err := schedule.ParseClock(h.Close)
	if err != nil {
		return fmt.Errorf("%s.close: invalid format '%s', expected HH:MM", prefix, h.Close)
	}
	if closeAt <= open {
		return fmt.Errorf("%s: close must be after open", prefix)
	}
	return nil
}

// applyDefaults fills shop weekdays without hours from the defaults.
func (c *ShopsConfig) applyDefaults() {
	for i := range c.Tenants {
		for j := range c.Tenants[i].Shops {
			shop := &c.Tenants[i].Shops[j]
			if shop.Hours == nil {
				shop.Hours = WeekConfig{}
			}
			for key := range weekdayKeys {
				if _, ok := shop.Hours[key]; ok {
					continue
				}
				if c.isDayOff(key) {
					shop.Hours[key] = HoursConfig{Closed: true}
					continue
				}
				if c.Defaults.Hours != nil {
					shop.Hours[key] = *c.Defaults.Hours
				}
			}
		}
	}
}

func (c *ShopsConfig) isDayOff(key string) bool {
	for _, d := range c.Defaults.DaysOff {
		if strings.EqualFold(strings.TrimSpace(d), key) {
			return true
		}
	}
	return false
}

// Tenant returns the tenant by ID.
func (c *ShopsConfig) Tenant(id string) *TenantConfig {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i]
		}
	}
	return nil
}

// Shop returns the shop of a tenant by ID.
func (c *ShopsConfig) Shop(tenantID, shopID string) *ShopConfig {
	t := c.Tenant(tenantID)
	if t == nil {
		return nil
	}
	for i := range t.Shops {
		if t.Shops[i].ID == shopID {
			return &t.Shops[i]
		}
	}
	return nil
}

// String returns a summary of the configuration.
func (c *ShopsConfig) String() string {
	shops, employees := 0, 0
	for _, t := range c.Tenants {
		shops += len(t.Shops)
		for _, s := range t.Shops {
			employees += len(s.Employees)
		}
	}
	return fmt.Sprintf("ShopsConfig: %d tenants, %d shops, %d employees", len(c.Tenants), shops, employees)
}
