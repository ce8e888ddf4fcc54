package slots

import (
	"time"

	"bookwise/internal/models"
)

// DefaultGranularity is the slot step used when none is configured.
const DefaultGranularity = 30

// Window is a candidate [Start, End) time window.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps uses half-open semantics.
func (w Window) Overlaps(start, end time.Time) bool {
	return w.Start.Before(end) && start.Before(w.End)
}

// Generator produces candidate windows for a day.
type Generator struct {
	granularity int
}

// NewGenerator creates a generator with the given default step in minutes.
func NewGenerator(granularityMinutes int) *Generator {
	if granularityMinutes <= 0 {
		granularityMinutes = DefaultGranularity
	}
	return &Generator{granularity: granularityMinutes}
}

// Granularity returns the default step in minutes.
func (g *Generator) Granularity() int {
	return g.granularity
}

// Generate walks from open to close in granularity steps and stops once a
// window would end after close. granularityMinutes <= 0 uses the default.
// The output depends only on the arguments.
func (g *Generator) Generate(hours models.WorkingHours, granularityMinutes int, day time.Time) []Window {
	if hours.IsClosed {
		return []Window{}
	}
	if granularityMinutes <= 0 {
		granularityMinutes = g.granularity
	}

	step := time.Duration(granularityMinutes) * time.Minute
	open := hours.OpenAt(day)
	closeAt := hours.CloseAt(day)
	if !closeAt.After(open) {
		return []Window{}
	}

	windows := make([]Window, 0, int(closeAt.Sub(open)/step)+1)
	for cursor := open; ; cursor = cursor.Add(step) {
		end := cursor.Add(step)
		if end.After(closeAt) {
			break
		}
		windows = append(windows, Window{Start: cursor, End: end})
	}
	return windows
}
