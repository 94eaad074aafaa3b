package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec fires on every minute boundary.
const DefaultSpec = "* * * * *"

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NormalizeSpec turns a trigger string into something the cron parser accepts.
//
// Supported forms:
//   - Cron: "* * * * *", "*/5 * * * *", "@hourly", "@every 30s"
//   - Interval duration: "30s", "2m" (becomes "@every 30s")
//   - Interval HH:MM: "00:05" (five minutes)
//
// An empty spec means DefaultSpec.
func NormalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSpec, nil
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
	}

	var spec string
	switch {
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		spec = s
	case reHHMM.MatchString(s):
		d, err := parseHHMMDuration(s)
		if err != nil {
			return "", err
		}
		spec = "@every " + d.String()
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("invalid trigger %q (use cron like '* * * * *', HH:MM like '00:05', or duration like '30s')", raw)
		}
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		spec = "@every " + d.String()
	}
	if _, err := parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid trigger %q: %w", raw, err)
	}
	return spec, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// NextRuns previews the next n fire times of spec after from, in UTC.
func NextRuns(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.UTC()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
