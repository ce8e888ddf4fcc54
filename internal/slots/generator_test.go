package slots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookwise/internal/models"
)

var testDay = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return testDay.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator(30)

	tests := []struct {
		name        string
		hours       models.WorkingHours
		granularity int
		wantStarts  []string
	}{
		{
			name:       "basic day",
			hours:      models.WorkingHours{OpenMinutes: 9 * 60, CloseMinutes: 11 * 60},
			wantStarts: []string{"09:00", "09:30", "10:00", "10:30"},
		},
		{
			name:       "closed day",
			hours:      models.WorkingHours{IsClosed: true},
			wantStarts: []string{},
		},
		{
			name:       "window shorter than one step",
			hours:      models.WorkingHours{OpenMinutes: 9 * 60, CloseMinutes: 9*60 + 20},
			wantStarts: []string{},
		},
		{
			name:       "close before open",
			hours:      models.WorkingHours{OpenMinutes: 10 * 60, CloseMinutes: 8 * 60},
			wantStarts: []string{},
		},
		{
			name:       "close equals open",
			hours:      models.WorkingHours{OpenMinutes: 10 * 60, CloseMinutes: 10 * 60},
			wantStarts: []string{},
		},
		{
			name:       "trailing partial step dropped",
			hours:      models.WorkingHours{OpenMinutes: 9 * 60, CloseMinutes: 10*60 + 15},
			wantStarts: []string{"09:00", "09:30"},
		},
		{
			name:        "explicit granularity",
			hours:       models.WorkingHours{OpenMinutes: 9 * 60, CloseMinutes: 10 * 60},
			granularity: 15,
			wantStarts:  []string{"09:00", "09:15", "09:30", "09:45"},
		},
		{
			name:        "hourly",
			hours:       models.WorkingHours{OpenMinutes: 8 * 60, CloseMinutes: 18 * 60},
			granularity: 60,
			wantStarts:  []string{"08:00", "09:00", "10:00", "11:00", "12:00", "13:00", "14:00", "15:00", "16:00", "17:00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Generate(tt.hours, tt.granularity, testDay)
			require.NotNil(t, got)
			starts := make([]string, len(got))
			for i, w := range got {
				starts[i] = w.Start.Format("15:04")
				step := tt.granularity
				if step == 0 {
					step = 30
				}
				assert.Equal(t, time.Duration(step)*time.Minute, w.Duration())
			}
			assert.Equal(t, tt.wantStarts, starts)
		})
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	g := NewGenerator(0)
	hours := models.WorkingHours{OpenMinutes: 8 * 60, CloseMinutes: 18 * 60}

	first := g.Generate(hours, 0, testDay)
	second := g.Generate(hours, 0, testDay)
	assert.Equal(t, first, second)
	assert.Len(t, first, 20)
	assert.Equal(t, DefaultGranularity, g.Granularity())
}

func TestGenerator_UsesDayLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	day := time.Date(2025, 3, 10, 15, 0, 0, 0, loc)
	g := NewGenerator(60)

	got := g.Generate(models.WorkingHours{OpenMinutes: 9 * 60, CloseMinutes: 10 * 60}, 0, day)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, loc), got[0].Start)
}
