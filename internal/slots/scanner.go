package slots

import (
	"sort"
	"time"

	"bookwise/internal/models"
)

// Scanner marks candidate windows available or not.
type Scanner struct{}

// Annotate turns windows into availability slots. A window is unavailable when
// it overlaps a blocking appointment or is shorter than minServiceDuration.
func (Scanner) Annotate(windows []Window, appointments []models.AppointmentWindow, minServiceDuration time.Duration) []models.AvailabilitySlot {
	blocking := make([]models.AppointmentWindow, 0, len(appointments))
	for _, a := range appointments {
		if a.Status.Blocking() {
			blocking = append(blocking, a)
		}
	}

	out := make([]models.AvailabilitySlot, len(windows))
	for i, w := range windows {
		available := w.Duration() >= minServiceDuration
		if available {
			for _, a := range blocking {
				if a.Overlaps(w.Start, w.End) {
					available = false
					break
				}
			}
		}
		out[i] = models.AvailabilitySlot{
			Start:           w.Start,
			End:             w.End,
			DurationMinutes: int(w.Duration() / time.Minute),
			Available:       available,
		}
	}
	return out
}

// MinServiceDuration returns the shortest active service duration, or zero.
func MinServiceDuration(services []models.Service) time.Duration {
	shortest := 0
	for _, s := range services {
		if !s.Active || s.DurationMinutes <= 0 {
			continue
		}
		if shortest == 0 || s.DurationMinutes < shortest {
			shortest = s.DurationMinutes
		}
	}
	return time.Duration(shortest) * time.Minute
}

// Available returns only available slots.
func Available(slots []models.AvailabilitySlot) []models.AvailabilitySlot {
	var out []models.AvailabilitySlot
	for _, s := range slots {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}

// ConsecutiveGroups groups available slots that follow each other without gaps.
func ConsecutiveGroups(slots []models.AvailabilitySlot) [][]models.AvailabilitySlot {
	available := Available(slots)
	if len(available) == 0 {
		return nil
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Start.Before(available[j].Start)
	})

	var groups [][]models.AvailabilitySlot
	current := []models.AvailabilitySlot{available[0]}
	for _, s := range available[1:] {
		if s.Start.Equal(current[len(current)-1].End) {
			current = append(current, s)
			continue
		}
		groups = append(groups, current)
		current = []models.AvailabilitySlot{s}
	}
	return append(groups, current)
}

// Coverage is the result of matching a requested window against generated slots.
type Coverage struct {
	// Aligned is false when start is not a slot start or the window runs past
	// the last generated slot.
	Aligned bool
	// Available is true when every covered slot is available.
	Available bool
	Slots     []models.AvailabilitySlot
}

// Cover finds the consecutive slots that cover [start, start+duration). The
// window may end inside its last slot.
func Cover(slots []models.AvailabilitySlot, start time.Time, duration time.Duration) Coverage {
	if duration <= 0 {
		return Coverage{}
	}
	end := start.Add(duration)

	idx := -1
	for i, s := range slots {
		if s.Start.Equal(start) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Coverage{}
	}

	cov := Coverage{Available: true}
	cursor := start
	for i := idx; i < len(slots) && cursor.Before(end); i++ {
		s := slots[i]
		if !s.Start.Equal(cursor) {
			return Coverage{}
		}
		cov.Slots = append(cov.Slots, s)
		if !s.Available {
			cov.Available = false
		}
		cursor = s.End
	}
	if cursor.Before(end) {
		return Coverage{}
	}
	cov.Aligned = true
	return cov
}

// DurationOptions lists bookable durations (in minutes) starting at start.
func DurationOptions(slots []models.AvailabilitySlot, start time.Time) []int {
	groups := ConsecutiveGroups(slots)
	for _, g := range groups {
		for i, s := range g {
			if !s.Start.Equal(start) {
				continue
			}
			var options []int
			total := 0
			for _, next := range g[i:] {
				total += next.DurationMinutes
				options = append(options, total)
			}
			return options
		}
	}
	return nil
}
