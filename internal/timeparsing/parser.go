// Package timeparsing resolves the time expressions accepted by query
// filter flags into absolute timestamps.
//
// Parsing is layered: compact durations (+6h, -1d, 2w) first, then natural
// language (tomorrow, next monday, 3 days ago), then absolute dates
// (YYYY-MM-DD, RFC3339). The first layer that recognizes the input wins.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// compactRe matches compact durations: an optional sign, digits, one unit
// letter (h, d, w, m, y).
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// ParseRelativeTime resolves a flag value against now. It accepts compact
// durations ("-7d"), natural language ("yesterday", "next monday",
// "in 3 days"), date-only values ("2025-01-15", midnight in now's location)
// and RFC3339 timestamps.
func ParseRelativeTime(s string, now time.Time) (time.Time, error) {
	if t, err := ParseCompactDuration(s, now); err == nil {
		return t, nil
	}
	if t, err := ParseNaturalLanguage(s, now); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time expression %q", s)
}

// ParseCompactDuration applies a compact duration to now. "+6h" is six
// hours from now, "-1d" a day ago; a missing sign means forward. The d, w,
// m and y units use calendar arithmetic, so "+1m" from Jan 31 overflows
// into March the way time.AddDate does.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		n = -n
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, n), nil
	case "w":
		return now.AddDate(0, 0, 7*n), nil
	case "m":
		return now.AddDate(0, n, 0), nil
	default: // y, guaranteed by the regexp
		return now.AddDate(n, 0, 0), nil
	}
}

// IsCompactDuration reports whether ParseCompactDuration would accept s.
func IsCompactDuration(s string) bool {
	return compactRe.MatchString(s)
}
