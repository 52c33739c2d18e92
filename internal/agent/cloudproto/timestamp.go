package cloudproto

import (
	"fmt"
	"time"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t as RFC3339 UTC with a millisecond fraction and a
// trailing Z, e.g. "2026-07-31T12:00:00.123Z".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(rfc3339Milli)
}

// ParseTimestamp parses a timestamp in the format FormatTimestamp produces,
// tolerating both a millisecond fraction and a bare-seconds form.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(rfc3339Milli, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
