package notifier

import (
	"fmt"
	"html"
	"strings"

	"timerbot/internal/timer"
	"timerbot/internal/timeutil"
)

// Render builds the HTML announcement for t. Times are shown in the timer's zone.
func Render(t timer.Timer) (string, error) {
	start, err := timeutil.FromUTC(t.StartAt, t.Timezone)
	if err != nil {
		return "", err
	}
	end, err := timeutil.FromUTC(t.EndAt, t.Timezone)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if m := strings.TrimSpace(t.Mentions); m != "" {
		b.WriteString(html.EscapeString(m))
		b.WriteString(" ")
	}
	b.WriteString("This event will start!\n\n")
	b.WriteString("<b>Upcoming Event</b>\n")
	field(&b, "Event Title", t.Name)
	if strings.TrimSpace(t.Description) != "" {
		field(&b, "Description", t.Description)
	}
	field(&b, "Location", fmt.Sprintf("%s (%s)", t.Location, t.LocationKind))
	zone := html.EscapeString(t.Timezone)
	fmt.Fprintf(&b, "<b>Start at (%s)</b>: %s %s\n", zone, start, timeutil.ZoneAbbrev(t.StartAt, t.Timezone))
	fmt.Fprintf(&b, "<b>End at (%s)</b>: %s %s\n", zone, end, timeutil.ZoneAbbrev(t.EndAt, t.Timezone))
	if t.Recurrence.Recurring() {
		field(&b, "Repeats", string(t.Recurrence))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func field(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "<b>%s</b>: %s\n", name, html.EscapeString(value))
}
