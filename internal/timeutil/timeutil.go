// Package timeutil converts between zone-local wall-clock strings and UTC instants.
package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Layout is the wall-clock format used by commands and notifications.
const Layout = "2006-01-02 15:04:05"

var (
	ErrInvalidZone     = errors.New("invalid time zone")
	ErrInvalidDateTime = errors.New("invalid date/time")
)

// Clock returns the current instant. Components take a Clock so tests can pin time.
type Clock func() time.Time

// Now returns the current UTC instant truncated to the second.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// LoadZone resolves an IANA zone name. The empty string is rejected rather
// than silently mapped to UTC.
func LoadZone(zone string) (*time.Location, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" || strings.EqualFold(zone, "local") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}
	return loc, nil
}

// ToUTC interprets date (YYYY-MM-DD) and clock (HH:mm:ss or HH:mm) as wall
// time in zone, using the zone's offset in effect at that instant.
func ToUTC(date, clock, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	clock = strings.TrimSpace(clock)
	if len(clock) == len("15:04") {
		clock += ":00"
	}
	raw := strings.TrimSpace(date) + " " + clock
	t, err := time.ParseInLocation(Layout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, raw)
	}
	return t.UTC(), nil
}

// ParseLocal is ToUTC for a single "YYYY-MM-DD HH:mm:ss" string.
func ParseLocal(s, zone string) (time.Time, error) {
	date, clock, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, s)
	}
	return ToUTC(date, strings.TrimSpace(clock), zone)
}

// FromUTC renders t as wall-clock time in zone.
func FromUTC(t time.Time, zone string) (string, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return "", err
	}
	return t.In(loc).Format(Layout), nil
}

// ZoneAbbrev returns the zone abbreviation (e.g. "CET") in effect at t.
func ZoneAbbrev(t time.Time, zone string) string {
	loc, err := LoadZone(zone)
	if err != nil {
		return zone
	}
	name, _ := t.In(loc).Zone()
	return name
}
