package slots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookwise/internal/models"
)

func basicWindows() []Window {
	return NewGenerator(30).Generate(models.WorkingHours{OpenMinutes: 9 * 60, CloseMinutes: 11 * 60}, 0, testDay)
}

func availability(slots []models.AvailabilitySlot) []bool {
	out := make([]bool, len(slots))
	for i, s := range slots {
		out[i] = s.Available
	}
	return out
}

func TestScanner_Annotate(t *testing.T) {
	var sc Scanner

	tests := []struct {
		name        string
		appts       []models.AppointmentWindow
		minDuration time.Duration
		want        []bool
	}{
		{
			name: "no appointments",
			want: []bool{true, true, true, true},
		},
		{
			name:  "one confirmed conflict",
			appts: []models.AppointmentWindow{{Start: at(9, 30), End: at(10, 0), Status: models.StatusConfirmed}},
			want:  []bool{true, false, true, true},
		},
		{
			name:  "pending straddles two slots",
			appts: []models.AppointmentWindow{{Start: at(9, 45), End: at(10, 15), Status: models.StatusPending}},
			want:  []bool{true, false, false, true},
		},
		{
			name: "non-blocking statuses ignored",
			appts: []models.AppointmentWindow{
				{Start: at(9, 0), End: at(9, 30), Status: models.StatusCanceled},
				{Start: at(9, 30), End: at(10, 0), Status: models.StatusNoShow},
				{Start: at(10, 0), End: at(10, 30), Status: models.StatusDone},
			},
			want: []bool{true, true, true, true},
		},
		{
			name:  "touching boundaries do not conflict",
			appts: []models.AppointmentWindow{{Start: at(8, 0), End: at(9, 0), Status: models.StatusConfirmed}, {Start: at(11, 0), End: at(12, 0), Status: models.StatusConfirmed}},
			want:  []bool{true, true, true, true},
		},
		{
			name:        "slot shorter than shortest service",
			minDuration: 45 * time.Minute,
			want:        []bool{false, false, false, false},
		},
		{
			name:        "slot equal to shortest service",
			minDuration: 30 * time.Minute,
			want:        []bool{true, true, true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sc.Annotate(basicWindows(), tt.appts, tt.minDuration)
			require.Len(t, got, 4)
			assert.Equal(t, tt.want, availability(got))
			for _, s := range got {
				assert.Equal(t, 30, s.DurationMinutes)
			}
		})
	}
}

func TestScanner_OverlapProperty(t *testing.T) {
	var sc Scanner
	windows := NewGenerator(15).Generate(models.WorkingHours{OpenMinutes: 8 * 60, CloseMinutes: 12 * 60}, 0, testDay)

	appts := []models.AppointmentWindow{
		{Start: at(8, 10), End: at(8, 50), Status: models.StatusConfirmed},
		{Start: at(10, 0), End: at(10, 5), Status: models.StatusPending},
		{Start: at(11, 0), End: at(11, 45), Status: models.StatusCanceled},
	}
	got := sc.Annotate(windows, appts, 0)

	for _, s := range got {
		overlaps := false
		for _, a := range appts {
			if a.Status.Blocking() && s.Start.Before(a.End) && s.End.After(a.Start) {
				overlaps = true
			}
		}
		assert.Equal(t, !overlaps, s.Available, "slot %s", s.Start.Format("15:04"))
	}
	assert.Equal(t, got, sc.Annotate(windows, appts, 0))
}

func TestMinServiceDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), MinServiceDuration(nil))
	assert.Equal(t, 20*time.Minute, MinServiceDuration([]models.Service{
		{DurationMinutes: 45, Active: true},
		{DurationMinutes: 10, Active: false},
		{DurationMinutes: 20, Active: true},
		{DurationMinutes: 0, Active: true},
	}))
}

func TestCover(t *testing.T) {
	var sc Scanner
	slots := sc.Annotate(basicWindows(), []models.AppointmentWindow{{Start: at(10, 0), End: at(10, 30), Status: models.StatusConfirmed}}, 0)

	tests := []struct {
		name      string
		start     time.Time
		duration  time.Duration
		aligned   bool
		available bool
		covered   int
	}{
		{"single free slot", at(9, 0), 30 * time.Minute, true, true, 1},
		{"two free slots", at(9, 0), time.Hour, true, true, 2},
		{"ends inside a slot", at(9, 0), 45 * time.Minute, true, true, 2},
		{"runs into booked slot", at(9, 30), time.Hour, true, false, 2},
		{"misaligned start", at(9, 10), 30 * time.Minute, false, false, 0},
		{"past closing", at(10, 30), time.Hour, false, false, 0},
		{"zero duration", at(9, 0), 0, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cover(slots, tt.start, tt.duration)
			assert.Equal(t, tt.aligned, got.Aligned)
			assert.Equal(t, tt.available, got.Available)
			assert.Len(t, got.Slots, tt.covered)
		})
	}
}

func TestConsecutiveGroupsAndDurationOptions(t *testing.T) {
	var sc Scanner
	slots := sc.Annotate(basicWindows(), []models.AppointmentWindow{{Start: at(10, 0), End: at(10, 30), Status: models.StatusConfirmed}}, 0)

	groups := ConsecutiveGroups(slots)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)

	assert.Equal(t, []int{30, 60}, DurationOptions(slots, at(9, 0)))
	assert.Equal(t, []int{30}, DurationOptions(slots, at(9, 30)))
	assert.Nil(t, DurationOptions(slots, at(10, 0)))
	assert.Len(t, Available(slots), 3)
	assert.Nil(t, ConsecutiveGroups(nil))
}
