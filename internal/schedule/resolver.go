package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"bookwise/internal/models"
)

const (
	DefaultOpen  = "08:00"
	DefaultClose = "18:00"

	minutesPerDay = 24 * 60
	minimumWindow = 60
)

// Level names which precedence level produced the resolved hours.
type Level string

const (
	LevelEmployee Level = "employee"
	LevelShop     Level = "shop"
	LevelDefault  Level = "default"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Hours    models.WorkingHours
	Level    Level
	Warnings []string
}

// Resolver merges employee, shop and default hours.
type Resolver struct {
	defaults models.WorkingHours
}

// NewResolver builds a resolver with the given fallback window. Unparseable
// fallbacks are replaced with 08:00-18:00.
func NewResolver(defaultOpen, defaultClose string) *Resolver {
	open, errOpen := ParseClock(defaultOpen)
	closeAt, errClose := ParseClock(defaultClose)
	if errOpen != nil || errClose != nil || closeAt <= open {
		open, closeAt = 8*60, 18*60
	}
	return &Resolver{defaults: models.WorkingHours{OpenMinutes: open, CloseMinutes: closeAt}}
}

// Resolve applies the precedence employee > shop > default. A closed employee
// day is closed; a closed shop day is closed unless the employee overrides it.
// Malformed values fall back one level instead of failing.
func (r *Resolver) Resolve(employee, shop *HoursSpec) Resolution {
	var warnings []string

	if employee != nil {
		if employee.Closed {
			return Resolution{Hours: models.WorkingHours{IsClosed: true}, Level: LevelEmployee}
		}
		hours, note, err := normalize(employee)
		if err == nil {
			return Resolution{Hours: hours, Level: LevelEmployee, Warnings: appendNote(warnings, "employee", note)}
		}
		warnings = append(warnings, fmt.Sprintf("employee hours ignored: %v", err))
	}

	if shop != nil {
		if shop.Closed {
			return Resolution{Hours: models.WorkingHours{IsClosed: true}, Level: LevelShop, Warnings: warnings}
		}
		hours, note, err := normalize(shop)
		if err == nil {
			return Resolution{Hours: hours, Level: LevelShop, Warnings: appendNote(warnings, "shop", note)}
		}
		warnings = append(warnings, fmt.Sprintf("shop hours ignored: %v", err))
	}

	return Resolution{Hours: r.defaults, Level: LevelDefault, Warnings: warnings}
}

func appendNote(warnings []string, level, note string) []string {
	if note == "" {
		return warnings
	}
	return append(warnings, level+" hours "+note)
}

func normalize(spec *HoursSpec) (models.WorkingHours, string, error) {
	open, err := ParseClock(spec.Open)
	if err != nil {
		return models.WorkingHours{}, "", fmt.Errorf("open: %w", err)
	}
	closeAt, err := ParseClock(spec.Close)
	if err != nil {
		return models.WorkingHours{}, "", fmt.Errorf("close: %w", err)
	}

	note := ""
	if closeAt <= open {
		closeAt = open + minimumWindow
		if closeAt > minutesPerDay {
			closeAt = minutesPerDay
		}
		note = fmt.Sprintf("corrected close to %s", FormatClock(closeAt))
	}
	return models.WorkingHours{OpenMinutes: open, CloseMinutes: closeAt}, note, nil
}

// ParseClock converts "HH:MM" (or "HH:MM:SS") to minutes from midnight.
// "24:00" is accepted as end of day.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	total := h*60 + m
	if total > minutesPerDay {
		return 0, fmt.Errorf("time %q past end of day", s)
	}
	return total, nil
}

// FormatClock is the inverse of ParseClock.
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
