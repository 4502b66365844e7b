// Package timefmt provides the daemon's timestamp representation
// (64-bit milliseconds since epoch, §3) and the deliver-at input
// format parser (§6).
package timefmt

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// ToMillis converts a time.Time to the store's epoch-millisecond
// representation.
func ToMillis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

// FromMillis converts the store's epoch-millisecond representation
// back to a UTC time.Time.
func FromMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

var relativeUnit = regexp.MustCompile(`^([+-]?\d+)([YMDhms])`)

// ParseDeliverAt parses the §6 "deliver-at" input format: an absolute
// ISO-8601 timestamp, or a signed relative expression such as
// "+2s", "-1h30m", "+1D" applied against now. Units: Y (year), M
// (month), D (day), h (hour), m (minute), s (second).
func ParseDeliverAt(input string, now time.Time) (time.Time, error) {
	if input == "" {
		return time.Time{}, nil
	}
	if input[0] == '+' || input[0] == '-' {
		return parseRelative(input, now)
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z07:00", input); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("timefmt: invalid deliver-at %q: not ISO-8601 or a relative offset", input)
}

func parseRelative(input string, now time.Time) (time.Time, error) {
	remaining := input
	t := now
	matched := false
	for len(remaining) > 0 {
		m := relativeUnit.FindStringSubmatch(remaining)
		if m == nil {
			return time.Time{}, fmt.Errorf("timefmt: invalid relative deliver-at %q at %q", input, remaining)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("timefmt: invalid relative deliver-at %q: %w", input, err)
		}
		switch m[2] {
		case "Y":
			t = t.AddDate(n, 0, 0)
		case "M":
			t = t.AddDate(0, n, 0)
		case "D":
			t = t.AddDate(0, 0, n)
		case "h":
			t = t.Add(time.Duration(n) * time.Hour)
		case "m":
			t = t.Add(time.Duration(n) * time.Minute)
		case "s":
			t = t.Add(time.Duration(n) * time.Second)
		}
		matched = true
		remaining = remaining[len(m[0]):]
	}
	if !matched {
		return time.Time{}, fmt.Errorf("timefmt: invalid relative deliver-at %q", input)
	}
	return t, nil
}
