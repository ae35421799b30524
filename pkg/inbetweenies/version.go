// pkg/inbetweenies/version.go
package inbetweenies

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedVersion = errors.New("malformed version string")
)

// Version strings have the shape <ISO-8601 UTC timestamp>Z-<user_id>,
// for example "2025-01-01T00:00:01Z-alice". The timestamp orders
// versions for last-write-wins resolution; the user id breaks ties.

// NewVersion builds a version string for a write happening now.
func NewVersion(userID string) string {
	return MakeVersion(time.Now(), userID)
}

// MakeVersion builds a version string from an explicit timestamp.
// The timestamp is rendered in UTC with nanosecond precision so two
// writes by the same user in quick succession stay distinct.
func MakeVersion(t time.Time, userID string) string {
	return t.UTC().Format(time.RFC3339Nano) + "-" + userID
}

// ParseVersion splits a version string into its timestamp and user id.
// The split point is the "Z-" boundary: an RFC 3339 UTC timestamp
// contains no other capital Z, so the first occurrence is the seam.
func ParseVersion(version string) (time.Time, string, error) {
	i := strings.Index(version, "Z-")
	if i < 0 {
		return time.Time{}, "", fmt.Errorf("%w: %q", ErrMalformedVersion, version)
	}
	stamp, userID := version[:i+1], version[i+2:]
	if userID == "" {
		return time.Time{}, "", fmt.Errorf("%w: %q has no user id", ErrMalformedVersion, version)
	}
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %q: %v", ErrMalformedVersion, version, err)
	}
	return t, userID, nil
}

// VersionTimestamp returns the timestamp component of a version string,
// or the zero time if the string does not parse.
func VersionTimestamp(version string) time.Time {
	t, _, err := ParseVersion(version)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CompareVersions orders two version strings by (timestamp, user_id),
// the last-write-wins ordering. It returns -1 if a orders before b,
// +1 if after, and 0 only when the strings are identical. Strings that
// do not parse sort before ones that do, then byte-wise among
// themselves, so the ordering stays total.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	ta, ua, errA := ParseVersion(a)
	tb, ub, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	if ta.Before(tb) {
		return -1
	}
	if ta.After(tb) {
		return 1
	}
	if c := strings.Compare(ua, ub); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// LaterVersion returns whichever of the two version strings wins under
// last-write-wins ordering.
func LaterVersion(a, b string) string {
	if CompareVersions(a, b) >= 0 {
		return a
	}
	return b
}
