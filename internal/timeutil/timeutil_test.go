package timeutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUTCAppliesZoneOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		date  string
		clock string
		zone  string
		want  time.Time
	}{
		{name: "utc", date: "2024-01-01", clock: "00:00:00", zone: "UTC", want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "winter berlin", date: "2024-01-15", clock: "10:00:00", zone: "Europe/Berlin", want: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)},
		{name: "summer berlin", date: "2024-07-15", clock: "10:00:00", zone: "Europe/Berlin", want: time.Date(2024, 7, 15, 8, 0, 0, 0, time.UTC)},
		{name: "short clock", date: "2024-03-01", clock: "18:30", zone: "Asia/Tokyo", want: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)},
		{name: "new york dst", date: "2024-03-10", clock: "12:00:00", zone: "America/New_York", want: time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUTC(tt.date, tt.clock, tt.zone)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	zones := []string{"UTC", "Europe/London", "America/Los_Angeles", "Australia/Sydney", "Asia/Kolkata"}
	locals := []string{"2024-01-31 23:59:59", "2024-06-15 12:00:00", "2025-02-28 00:00:00"}
	for _, z := range zones {
		for _, s := range locals {
			u, err := ParseLocal(s, z)
			require.NoError(t, err)
			back, err := FromUTC(u, z)
			require.NoError(t, err)
			assert.Equal(t, s, back, "zone %s", z)
		}
	}
}

func TestInvalidInputs(t *testing.T) {
	t.Parallel()
	_, err := ToUTC("2024-01-01", "00:00:00", "Mars/Olympus")
	assert.True(t, errors.Is(err, ErrInvalidZone))

	_, err = ToUTC("2024-01-01", "00:00:00", "")
	assert.True(t, errors.Is(err, ErrInvalidZone))

	_, err = ToUTC("2024-13-01", "00:00:00", "UTC")
	assert.True(t, errors.Is(err, ErrInvalidDateTime))

	_, err = ParseLocal("2024-01-01T00:00:00", "UTC")
	assert.True(t, errors.Is(err, ErrInvalidDateTime))

	_, err = FromUTC(time.Now(), "nope")
	assert.True(t, errors.Is(err, ErrInvalidZone))
}

func TestNowIsSecondPrecisionUTC(t *testing.T) {
	t.Parallel()
	n := Now()
	assert.Equal(t, time.UTC, n.Location())
	assert.Zero(t, n.Nanosecond())
}
