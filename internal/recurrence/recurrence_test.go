package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerbot/internal/timer"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		rule      timer.Recurrence
		start     time.Time
		end       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{name: "weekly monday", rule: timer.Weekly,
			start: utc(2024, 1, 1, 0, 0), end: utc(2024, 1, 1, 2, 0),
			wantStart: utc(2024, 1, 8, 0, 0), wantEnd: utc(2024, 1, 8, 2, 0)},
		{name: "weekly across year", rule: timer.Weekly,
			start: utc(2024, 12, 28, 18, 30), end: utc(2024, 12, 28, 19, 30),
			wantStart: utc(2025, 1, 4, 18, 30), wantEnd: utc(2025, 1, 4, 19, 30)},
		{name: "biweekly", rule: timer.Biweekly,
			start: utc(2024, 2, 20, 9, 0), end: utc(2024, 2, 20, 10, 0),
			wantStart: utc(2024, 3, 5, 9, 0), wantEnd: utc(2024, 3, 5, 10, 0)},
		{name: "monthly clamps to leap day", rule: timer.Monthly,
			start: utc(2024, 1, 31, 12, 0), end: utc(2024, 1, 31, 13, 0),
			wantStart: utc(2024, 2, 29, 12, 0), wantEnd: utc(2024, 2, 29, 13, 0)},
		{name: "monthly clamps to 28th", rule: timer.Monthly,
			start: utc(2023, 1, 31, 12, 0), end: utc(2023, 1, 31, 13, 0),
			wantStart: utc(2023, 2, 28, 12, 0), wantEnd: utc(2023, 2, 28, 13, 0)},
		{name: "monthly 30-day month", rule: timer.Monthly,
			start: utc(2024, 3, 31, 8, 0), end: utc(2024, 3, 31, 9, 0),
			wantStart: utc(2024, 4, 30, 8, 0), wantEnd: utc(2024, 4, 30, 9, 0)},
		{name: "monthly december", rule: timer.Monthly,
			start: utc(2024, 12, 15, 8, 0), end: utc(2024, 12, 15, 9, 0),
			wantStart: utc(2025, 1, 15, 8, 0), wantEnd: utc(2025, 1, 15, 9, 0)},
		{name: "annually from leap day", rule: timer.Annually,
			start: utc(2024, 2, 29, 0, 0), end: utc(2024, 2, 29, 1, 0),
			wantStart: utc(2025, 2, 28, 0, 0), wantEnd: utc(2025, 2, 28, 1, 0)},
		{name: "annually", rule: timer.Annually,
			start: utc(2024, 7, 4, 16, 0), end: utc(2024, 7, 5, 2, 0),
			wantStart: utc(2025, 7, 4, 16, 0), wantEnd: utc(2025, 7, 5, 2, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e, err := Next(tt.start, tt.end, tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, s)
			assert.Equal(t, tt.wantEnd, e)
			assert.True(t, s.After(tt.start), "next start must move forward")
			assert.False(t, e.Before(s), "end must not precede start")
		})
	}
}

func TestNextWeeklyKeepsWeekday(t *testing.T) {
	t.Parallel()
	start := utc(2024, 1, 3, 20, 0) // Wednesday
	for _, rule := range []timer.Recurrence{timer.Weekly, timer.Biweekly} {
		cur := start
		for i := 0; i < 60; i++ {
			next, _, err := Next(cur, cur, rule)
			require.NoError(t, err)
			require.Equal(t, time.Wednesday, next.Weekday())
			require.True(t, next.After(cur))
			cur = next
		}
	}
}

func TestNextInKeepsLocalWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 20:00 CET on Monday 2024-03-25, DST starts 2024-03-31.
	start := utc(2024, 3, 25, 19, 0)
	s, e, err := NextIn(start, start.Add(time.Hour), timer.Weekly, berlin)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 4, 1, 18, 0), s)
	assert.Equal(t, utc(2024, 4, 1, 19, 0), e)
	assert.Equal(t, 20, s.In(berlin).Hour())
}

func TestNextRejectsNonRecurring(t *testing.T) {
	t.Parallel()
	_, _, err := Next(utc(2024, 1, 1, 0, 0), utc(2024, 1, 1, 0, 0), timer.None)
	assert.True(t, errors.Is(err, ErrNotRecurring))

	_, _, err = Next(utc(2024, 1, 1, 0, 0), utc(2024, 1, 1, 0, 0), timer.Recurrence("daily"))
	assert.True(t, errors.Is(err, ErrUnknownRule))
}

func TestNextClampKeepsOrder(t *testing.T) {
	t.Parallel()
	// Start on the 30th, end on the 31st: clamping both into February
	// must not leave end before start.
	s, e, err := Next(utc(2024, 1, 30, 23, 0), utc(2024, 1, 31, 1, 0), timer.Monthly)
	require.NoError(t, err)
	assert.Equal(t, utc(2024, 2, 29, 23, 0), s)
	assert.Equal(t, utc(2024, 2, 29, 23, 0), e)
}
