// Package timer defines the Timer entity shared by storage, the command layer
// and the dispatch pipeline.
package timer

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"timerbot/internal/timeutil"
)

const (
	MaxNameLen        = 100
	MaxDescriptionLen = 400
)

var (
	ErrInvalid     = errors.New("invalid timer")
	ErrStartInPast = errors.New("event time has already passed")
)

type Recurrence string

const (
	None     Recurrence = "none"
	Weekly   Recurrence = "weekly"
	Biweekly Recurrence = "biweekly"
	Monthly  Recurrence = "monthly"
	Annually Recurrence = "annually"
)

// ParseRecurrence accepts the canonical names; empty means None.
func ParseRecurrence(s string) (Recurrence, error) {
	r := Recurrence(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return None, nil
	}
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown recurrence %q", ErrInvalid, s)
	}
	return r, nil
}

func (r Recurrence) Valid() bool {
	switch r {
	case None, Weekly, Biweekly, Monthly, Annually:
		return true
	}
	return false
}

func (r Recurrence) Recurring() bool { return r != None && r != "" }

type LocationKind string

const (
	LocationVoice    LocationKind = "voice"
	LocationText     LocationKind = "text"
	LocationExternal LocationKind = "external"
)

func ParseLocationKind(s string) (LocationKind, error) {
	k := LocationKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case LocationVoice, LocationText, LocationExternal:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown location kind %q", ErrInvalid, s)
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	// StatusFailed marks a dead-lettered timer; due scans skip it.
	StatusFailed Status = "failed"
)

// Timer is a notification schedule owned by a group.
//
// StartAt and EndAt are UTC with second precision and StartAt <= EndAt.
type Timer struct {
	ID           string       `json:"id"`
	GroupID      string       `json:"group_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Location     string       `json:"location"`
	LocationKind LocationKind `json:"location_kind"`
	Channel      string       `json:"channel"`
	Mentions     string       `json:"mentions,omitempty"`
	Timezone     string       `json:"timezone"`
	StartAt      time.Time    `json:"start_at"`
	EndAt        time.Time    `json:"end_at"`
	Recurrence   Recurrence   `json:"recurrence"`
	Status       Status       `json:"status"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DueAt reports whether the timer should fire at the given instant.
func (t Timer) DueAt(at time.Time) bool {
	return t.Status != StatusFailed && !t.StartAt.After(at)
}

func (t Timer) Validate() error {
	var problems []string
	if strings.TrimSpace(t.GroupID) == "" {
		problems = append(problems, "group is required")
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(t.Name)); n == 0 || n > MaxNameLen {
		problems = append(problems, fmt.Sprintf("name must be 1..%d characters", MaxNameLen))
	}
	if utf8.RuneCountInString(t.Description) > MaxDescriptionLen {
		problems = append(problems, fmt.Sprintf("description must be at most %d characters", MaxDescriptionLen))
	}
	if _, err := ParseLocationKind(string(t.LocationKind)); err != nil {
		problems = append(problems, "location kind must be voice, text or external")
	}
	if strings.TrimSpace(t.Location) == "" {
		problems = append(problems, "location is required")
	}
	if strings.TrimSpace(t.Channel) == "" {
		problems = append(problems, "channel is required")
	}
	if _, err := timeutil.LoadZone(t.Timezone); err != nil {
		problems = append(problems, "timezone must be an IANA zone name")
	}
	if !t.Recurrence.Valid() {
		problems = append(problems, "recurrence must be none, weekly, biweekly, monthly or annually")
	}
	if t.StartAt.IsZero() || t.EndAt.IsZero() {
		problems = append(problems, "start and end are required")
	} else if t.EndAt.Before(t.StartAt) {
		problems = append(problems, "end must not be before start")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Input carries the fields a user supplies when registering a timer.
// Start and End are local wall-clock strings in Timezone.
type Input struct {
	GroupID      string
	Name         string
	Description  string
	Location     string
	LocationKind string
	Channel      string
	Mentions     string
	Timezone     string
	Start        string
	End          string
	Recurrence   string
}

// New builds and validates a Timer from user input. A non-recurring timer
// must start strictly after now.
func New(in Input, now time.Time) (Timer, error) {
	kind, err := ParseLocationKind(in.LocationKind)
	if err != nil {
		return Timer{}, err
	}
	rec, err := ParseRecurrence(in.Recurrence)
	if err != nil {
		return Timer{}, err
	}
	start, err := timeutil.ParseLocal(in.Start, in.Timezone)
	if err != nil {
		return Timer{}, fmt.Errorf("%w: start: %w", ErrInvalid, err)
	}
	end := start
	if strings.TrimSpace(in.End) != "" {
		end, err = timeutil.ParseLocal(in.End, in.Timezone)
		if err != nil {
			return Timer{}, fmt.Errorf("%w: end: %w", ErrInvalid, err)
		}
	}

	now = now.UTC().Truncate(time.Second)
	t := Timer{
		ID:           uuid.New().String(),
		GroupID:      strings.TrimSpace(in.GroupID),
		Name:         strings.TrimSpace(in.Name),
		Description:  strings.TrimSpace(in.Description),
		Location:     strings.TrimSpace(in.Location),
		LocationKind: kind,
		Channel:      strings.TrimSpace(in.Channel),
		Mentions:     strings.TrimSpace(in.Mentions),
		Timezone:     strings.TrimSpace(in.Timezone),
		StartAt:      start,
		EndAt:        end,
		Recurrence:   rec,
		Status:       StatusScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.Validate(); err != nil {
		return Timer{}, err
	}
	if !rec.Recurring() && !now.Before(start) {
		return Timer{}, fmt.Errorf("%w: start %s is not after %s", ErrStartInPast, start.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return t, nil
}
