package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sofia(t *testing.T) *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	return loc
}

func TestResolverLabel(t *testing.T) {
	loc := sofia(t)
	r := NewResolver(loc)

	tests := []struct {
		name string
		at   time.Time
		pass Pass
		want string
	}{
		{"shutdown mid morning", time.Date(2025, 5, 1, 10, 13, 0, 0, loc), PassShutdown, "QH 38"},
		{"start mid morning", time.Date(2025, 5, 1, 10, 14, 0, 0, loc), PassStart, "QH 39"},
		{"shutdown last minute of quarter", time.Date(2025, 5, 1, 10, 58, 0, 0, loc), PassShutdown, "QH 41"},
		{"start last minute of quarter", time.Date(2025, 5, 1, 10, 59, 0, 0, loc), PassStart, "QH 42"},
		{"window open", time.Date(2025, 5, 1, 6, 13, 0, 0, loc), PassShutdown, "QH 22"},
		{"after midnight is out of range", time.Date(2025, 5, 1, 0, 5, 0, 0, loc), PassShutdown, "QH -2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Label(tt.at, tt.pass))
		})
	}
}

func TestResolverOffsetsDifferByOne(t *testing.T) {
	r := NewResolver(sofia(t))
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, r.Location())
	assert.Equal(t, 1, r.Index(now, PassStart)-r.Index(now, PassShutdown))
}

func TestResolverUsesMarketClock(t *testing.T) {
	r := NewResolver(sofia(t))

	// 07:13 UTC is 10:13 in Sofia during summer time
	now := time.Date(2025, 5, 1, 7, 13, 0, 0, time.UTC)
	assert.Equal(t, "QH 38", r.Label(now, PassShutdown))

	// late evening UTC is already the next day in Sofia
	late := time.Date(2025, 5, 1, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-05-02", r.Date(late))
	assert.Equal(t, "2025-05-01", r.Date(now))
}

func TestInControlWindow(t *testing.T) {
	loc := sofia(t)
	r := NewResolver(loc)

	assert.False(t, r.InControlWindow(time.Date(2025, 5, 1, 5, 59, 0, 0, loc)))
	assert.True(t, r.InControlWindow(time.Date(2025, 5, 1, 6, 0, 0, 0, loc)))
	assert.True(t, r.InControlWindow(time.Date(2025, 5, 1, 21, 59, 0, 0, loc)))
	assert.False(t, r.InControlWindow(time.Date(2025, 5, 1, 22, 0, 0, 0, loc)))
}

func TestPassString(t *testing.T) {
	assert.Equal(t, "shutdown", PassShutdown.String())
	assert.Equal(t, "start", PassStart.String())
	assert.Equal(t, "pass(7)", Pass(7).String())
}
