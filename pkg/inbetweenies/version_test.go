// pkg/inbetweenies/version_test.go
package inbetweenies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeVersion(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	v := MakeVersion(ts, "alice")
	assert.Equal(t, "2025-01-01T00:00:01Z-alice", v)

	// Non-UTC inputs are rendered in UTC.
	est := time.FixedZone("EST", -5*3600)
	v = MakeVersion(time.Date(2025, 1, 1, 7, 0, 1, 500000000, est), "bob")
	assert.Equal(t, "2025-01-01T12:00:01.5Z-bob", v)
}

func TestParseVersionRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 14, 15, 9, 26, 535897932, time.UTC)
	v := MakeVersion(ts, "alice")

	got, user, err := ParseVersion(v)
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
	assert.Equal(t, "alice", user)
}

func TestParseVersionMalformed(t *testing.T) {
	for _, v := range []string{
		"",
		"alice",
		"2025-01-01T00:00:01Z",
		"2025-01-01T00:00:01Z-",
		"not-a-timestampZ-alice",
	} {
		_, _, err := ParseVersion(v)
		require.ErrorIs(t, err, ErrMalformedVersion, "version %q", v)
	}
}

func TestParseVersionKeepsUserIDWithDashes(t *testing.T) {
	_, user, err := ParseVersion("2025-01-01T00:00:01Z-user-with-dashes")
	require.NoError(t, err)
	assert.Equal(t, "user-with-dashes", user)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want int
	}{
		{"identical", "2025-01-01T00:00:01Z-alice", "2025-01-01T00:00:01Z-alice", 0},
		{"earlier timestamp", "2025-01-01T00:00:01Z-alice", "2025-01-01T00:00:02Z-bob", -1},
		{"later timestamp", "2025-01-01T00:00:02Z-bob", "2025-01-01T00:00:01Z-alice", 1},
		{"same stamp user tiebreak", "2025-01-01T00:00:01Z-alice", "2025-01-01T00:00:01Z-bob", -1},
		{"subsecond precision", "2025-01-01T00:00:01.000000001Z-alice", "2025-01-01T00:00:01Z-bob", 1},
		{"unparseable sorts first", "garbage", "2025-01-01T00:00:01Z-alice", -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b))
			assert.Equal(t, -tc.want, CompareVersions(tc.b, tc.a))
		})
	}
}

func TestLaterVersion(t *testing.T) {
	a := "2025-01-01T00:00:01Z-alice"
	b := "2025-01-01T00:00:02Z-bob"
	assert.Equal(t, b, LaterVersion(a, b))
	assert.Equal(t, b, LaterVersion(b, a))
}

func TestVersionTimestamp(t *testing.T) {
	ts := VersionTimestamp("2025-01-01T00:00:02Z-bob")
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 2, 0, time.UTC), ts.UTC())
	assert.True(t, VersionTimestamp("garbage").IsZero())
}
