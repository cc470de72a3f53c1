package toolutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 12, 16, 12, 0, 0, 0, time.UTC)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-12-15T00:00:00Z", time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-12-15T02:00:00+02:00", time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-12-15", time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)},
		{"2024-12-15 08:30:00", time.Date(2024, 12, 15, 8, 30, 0, 0, time.UTC)},
		{" 36h ", now.Add(-36 * time.Hour)},
		{"7d", now.Add(-7 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseTimeErrors(t *testing.T) {
	for _, in := range []string{"", "yesterday", "-3d", "0h", "2024-13-45"} {
		_, err := ParseTime(in, now)
		assert.Error(t, err, in)
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("2024-12-01", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), w.CreatedAfter)
	assert.True(t, w.CreatedBefore.IsZero())

	w, err = ParseWindow("2024-12-01", "2024-12-02", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC), w.CreatedBefore)

	_, err = ParseWindow("", "", now)
	assert.ErrorContains(t, err, "created_after is required")

	_, err = ParseWindow("2024-12-02", "2024-12-01", now)
	assert.ErrorContains(t, err, "not after")

	_, err = ParseWindow("2024-12-02", "soon", now)
	assert.ErrorContains(t, err, "created_before")
}

func TestWindowSince(t *testing.T) {
	assert.Equal(t, now.Add(-DefaultLookback), WindowSince(time.Time{}, now).CreatedAfter)
	last := now.Add(-3 * time.Hour)
	assert.Equal(t, last, WindowSince(last, now).CreatedAfter)
}

func TestNormLimit(t *testing.T) {
	assert.Equal(t, 10, NormLimit(0, 10, 50))
	assert.Equal(t, 5, NormLimit(5, 10, 50))
	assert.Equal(t, 50, NormLimit(500, 10, 50))
}
