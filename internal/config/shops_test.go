package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopsYAML = `
tenants:
  - id: acme
    shops:
      - id: downtown
        name: Downtown
        hours:
          sat: {open: "10:00", close: "14:00"}
        services:
          - {id: cut, name: Haircut, duration_minutes: 30}
          - {id: color, name: Color, duration_minutes: 90, active: false}
        employees:
          - id: anna
            name: Anna
            hours:
              mon: {open: "12:00", close: "20:00"}
          - id: ben
            name: Ben
            active: false
defaults:
  hours: {open: "09:00", close: "18:00"}
  days_off: [sun]
`

func TestLoadShopsConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shops.yaml", shopsYAML)

	cfg, err := LoadShopsConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ShopsConfig: 1 tenants, 1 shops, 2 employees", cfg.String())

	shop := cfg.Shop("acme", "downtown")
	require.NotNil(t, shop)
	assert.True(t, shop.IsActive())

	week := shop.Hours.Weekdays()
	require.Len(t, week, 7)
	assert.Equal(t, HoursConfig{Open: "10:00", Close: "14:00"}, week[time.Saturday])
	assert.Equal(t, HoursConfig{Open: "09:00", Close: "18:00"}, week[time.Tuesday])
	assert.True(t, week[time.Sunday].Closed)

	assert.True(t, shop.Services[0].IsActive())
	assert.False(t, shop.Services[1].IsActive())
	assert.True(t, shop.Employees[0].IsActive())
	assert.False(t, shop.Employees[1].IsActive())
	assert.Equal(t, "12:00", shop.Employees[0].Hours.Weekdays()[time.Monday].Spec().Open)

	assert.Nil(t, cfg.Shop("acme", "uptown"))
	assert.Nil(t, cfg.Shop("other", "downtown"))
}

func TestShopsConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no tenants", `tenants: []`, "no tenants"},
		{"tenant without id", "tenants:\n  - shops: []\n", "id is required"},
		{"duplicate shop", "tenants:\n  - id: t\n    shops:\n      - id: s\n      - id: s\n", "duplicate id 's'"},
		{"bad weekday", "tenants:\n  - id: t\n    shops:\n      - id: s\n        hours:\n          funday: {open: \"09:00\", close: \"10:00\"}\n", "invalid day 'funday'"},
		{"bad clock", "tenants:\n  - id: t\n    shops:\n      - id: s\n        hours:\n          mon: {open: \"9am\", close: \"10:00\"}\n", "invalid format '9am'"},
		{"close before open", "tenants:\n  - id: t\n    shops:\n      - id: s\n        hours:\n          mon: {open: \"18:00\", close: \"09:00\"}\n", "close must be after open"},
		{"service duration", "tenants:\n  - id: t\n    shops:\n      - id: s\n        services:\n          - {id: x, duration_minutes: 0}\n", "duration_minutes must be positive"},
		{"duplicate employee across shops", "tenants:\n  - id: t\n    shops:\n      - id: s1\n        employees: [{id: e}]\n      - id: s2\n        employees: [{id: e}]\n", "duplicate id 'e'"},
		{"bad day off", "tenants:\n  - id: t\ndefaults:\n  days_off: [someday]\n", "days_off[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "shops.yaml", tt.yaml)
			_, err := LoadShopsConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadShopsConfig_ClosedDayNeedsNoTimes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shops.yaml", "tenants:\n  - id: t\n    shops:\n      - id: s\n        hours:\n          sun: {closed: true}\n")
	cfg, err := LoadShopsConfig(path)
	require.NoError(t, err)

	week := cfg.Shop("t", "s").Hours.Weekdays()
	assert.Len(t, week, 1, "no defaults configured")
	assert.True(t, week[time.Sunday].Closed)
}

func TestParseWeekday(t *testing.T) {
	d, ok := ParseWeekday(" Mon ")
	assert.True(t, ok)
	assert.Equal(t, time.Monday, d)

	_, ok = ParseWeekday("monday")
	assert.False(t, ok)

	_, err := LoadShopsConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
