// Package timeutil provides the canonical timestamp handling for psynudge.
//
// All external timestamps are normalized to UTC on ingestion; every window
// computation downstream assumes UTC and fails loudly when handed anything
// else.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

// ParseToUTC converts an ISO-8601 timestamp with an explicit offset ("Z" or
// +-HH:MM) to a UTC instant. Any other shape fails with ErrMalformedTimestamp.
func ParseToUTC(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", models.ErrMalformedTimestamp, value)
	}
	return t.UTC(), nil
}

// ParseEnrollmentInstant converts an enrollment feed date to a UTC instant.
// The feed delivers either offset-ISO strings or Unix epoch seconds; the colon
// sniff distinguishes them, since every ISO timestamp carries one and an epoch
// value never does.
func ParseEnrollmentInstant(value string) (time.Time, error) {
	if strings.Contains(value, ":") {
		return ParseToUTC(value)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", models.ErrMalformedTimestamp, value)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// IsWithinWindow reports whether now lies in [start, end], inclusive on both
// ends. Start and end must already be UTC; ErrNotUTC otherwise.
func IsWithinWindow(now, start, end time.Time) (bool, error) {
	if start.Location() != time.UTC {
		return false, fmt.Errorf("%w: window start %s", models.ErrNotUTC, start)
	}
	if end.Location() != time.UTC {
		return false, fmt.Errorf("%w: window end %s", models.ErrNotUTC, end)
	}
	return !now.Before(start) && !now.After(end), nil
}

// UTCNow returns the current instant in UTC, truncated to whole seconds to
// match the resolution of both upstream feeds.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
