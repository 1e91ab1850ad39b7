package exfat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_EncodeDecodeRoundTrip(t *testing.T) {
	for _, moment := range []time.Time{
		time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2004, 2, 29, 23, 59, 58, 0, time.UTC),
		time.Date(2026, 8, 1, 12, 34, 56, 780*int(time.Millisecond), time.UTC),
		time.Date(2031, 12, 31, 6, 30, 7, 0, time.FixedZone("", 2*3600)),
	} {
		et, tenMs, utcOffset := encodeTimestamp(moment)

		decoded := et.Timestamp(tenMs, utcOffset)

		assert.True(t, moment.Equal(decoded), "moment: %s decoded: %s", moment, decoded)
	}
}

func TestTimestamp_PreEpochClamps(t *testing.T) {
	et, tenMs, utcOffset := encodeTimestamp(time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC))

	decoded := et.Timestamp(tenMs, utcOffset)

	assert.Equal(t, 1980, decoded.Year())
	assert.Equal(t, time.January, decoded.Month())
	assert.Equal(t, 1, decoded.Day())
}

func TestTimestamp_Components(t *testing.T) {
	et, _, _ := encodeTimestamp(time.Date(1999, 11, 30, 21, 42, 33, 0, time.UTC))

	assert.Equal(t, 1999, et.Year())
	assert.Equal(t, 11, et.Month())
	assert.Equal(t, 30, et.Day())
	assert.Equal(t, 21, et.Hour())
	assert.Equal(t, 42, et.Minute())

	// Two-second granularity in the packed field; the odd second rides in
	// the 10ms-increment byte.
	assert.Equal(t, 32, et.Second())
}

func TestFixedClock(t *testing.T) {
	now := fixedClock{}.Now()

	require.Equal(t, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), now)
}

func TestCreate_StampsClock(t *testing.T) {
	dev := newFormattedTestDevice(t)

	moment := time.Date(2026, 8, 1, 10, 20, 30, 0, time.UTC)

	vol, err := Mount(dev, MountOptions{Clock: stubClock{moment}})
	require.NoError(t, err)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("stamped.txt", KindFile)
	require.NoError(t, err)

	entry, err := root.Lookup("stamped.txt")
	require.NoError(t, err)

	assert.True(t, moment.Equal(entry.Created()), "created: %s", entry.Created())
	assert.True(t, moment.Equal(entry.Modified()), "modified: %s", entry.Modified())

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

type stubClock struct {
	moment time.Time
}

func (sc stubClock) Now() time.Time {
	return sc.moment
}
