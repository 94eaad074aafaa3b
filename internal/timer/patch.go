package timer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"timerbot/internal/timeutil"
)

// Field names a user-editable timer attribute.
type Field string

const (
	FieldName        Field = "name"
	FieldDescription Field = "description"
	FieldLocation    Field = "location"
	FieldStart       Field = "start"
	FieldEnd         Field = "end"
	FieldChannel     Field = "channel"
	FieldMentions    Field = "mentions"
)

var editable = map[Field]bool{
	FieldName: true, FieldDescription: true, FieldLocation: true,
	FieldStart: true, FieldEnd: true, FieldChannel: true, FieldMentions: true,
}

// EditableFields lists the fields accepted by ParsePatch, sorted.
func EditableFields() []string {
	out := make([]string, 0, len(editable))
	for f := range editable {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

// Patch is a typed partial update. Nil fields are left unchanged.
type Patch struct {
	Name        *string
	Description *string
	Location    *string
	StartAt     *time.Time
	EndAt       *time.Time
	Channel     *string
	Mentions    *string
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Location == nil &&
		p.StartAt == nil && p.EndAt == nil && p.Channel == nil && p.Mentions == nil
}

// ParsePatch builds a Patch from field=value pairs. Times are local to zone.
func ParsePatch(values map[string]string, zone string) (Patch, error) {
	var p Patch
	for k, raw := range values {
		f := Field(strings.ToLower(strings.TrimSpace(k)))
		if !editable[f] {
			return Patch{}, fmt.Errorf("%w: field %q is not editable (allowed: %s)", ErrInvalid, k, strings.Join(EditableFields(), ", "))
		}
		v := strings.TrimSpace(raw)
		switch f {
		case FieldName:
			p.Name = &v
		case FieldDescription:
			p.Description = &v
		case FieldLocation:
			p.Location = &v
		case FieldChannel:
			p.Channel = &v
		case FieldMentions:
			p.Mentions = &v
		case FieldStart, FieldEnd:
			at, err := timeutil.ParseLocal(v, zone)
			if err != nil {
				return Patch{}, fmt.Errorf("%w: %s: %w", ErrInvalid, f, err)
			}
			if f == FieldStart {
				p.StartAt = &at
			} else {
				p.EndAt = &at
			}
		}
	}
	if p.Empty() {
		return Patch{}, fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	return p, nil
}

// Apply returns a copy of t with the patch applied and validated.
func (p Patch) Apply(t Timer, now time.Time) (Timer, error) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Location != nil {
		t.Location = *p.Location
	}
	if p.Channel != nil {
		t.Channel = *p.Channel
	}
	if p.Mentions != nil {
		t.Mentions = *p.Mentions
	}
	if p.StartAt != nil {
		t.StartAt = p.StartAt.UTC().Truncate(time.Second)
	}
	if p.EndAt != nil {
		t.EndAt = p.EndAt.UTC().Truncate(time.Second)
	}
	if p.StartAt != nil || p.EndAt != nil {
		// A rescheduled timer gets a fresh failure budget.
		t.Status = StatusScheduled
		t.Attempts = 0
		t.LastError = ""
	}
	t.UpdatedAt = now.UTC().Truncate(time.Second)
	if err := t.Validate(); err != nil {
		return Timer{}, err
	}
	return t, nil
}
