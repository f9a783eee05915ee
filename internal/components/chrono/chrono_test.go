package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeTime(t *testing.T) {
	start := time.Date(2024, time.August, 26, 9, 30, 0, 0, time.UTC)
	clock := NewFakeTime(start)
	require.Equal(t, start, clock.Now())

	clock.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour), clock.Now())

	clock.Set(start)
	require.Equal(t, start, clock.Now())
}

func TestStandardTimeMoves(t *testing.T) {
	clock := NewStandardTime()
	first := clock.Now()
	require.False(t, clock.Now().Before(first))
}
