package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a duration setting at the given dotted key.
// Empty means unset (0). A bare integer is read as seconds, so
// "cycle_timeout: 50" and "cycle_timeout: 50s" agree.
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 500ms, 10s, 1m)", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// unset or zero value.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
