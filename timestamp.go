// This file carries the packed exFAT timestamp representation (Section 7.4.8)
// and the clock adapter that stamps directory entries on mutation.

package exfat

import (
	"fmt"
	"time"
)

// ExfatTimestamp is the raw packed integer with timestamp information. It
// embeds its parsing semantics.
type ExfatTimestamp uint32

// Second returns the second component (two-second granularity).
func (et ExfatTimestamp) Second() int {
	return int(et&31) * 2
}

// Minute returns the minute component.
func (et ExfatTimestamp) Minute() int {
	return int(et&2016) >> 5
}

// Hour returns the hour component.
func (et ExfatTimestamp) Hour() int {
	return int(et&63488) >> 11
}

// Day returns the day component.
func (et ExfatTimestamp) Day() int {
	return int(et&2031616) >> 16
}

// Month returns the month component.
func (et ExfatTimestamp) Month() int {
	return int(et&31457280) >> 21
}

// Year returns the year component.
func (et ExfatTimestamp) Year() int {
	return 1980 + int(et&4261412864)>>25
}

// utcOffsetValid is set on the offset byte when the 15-minute-increment
// offset field carries meaning.
const utcOffsetValid = 0x80

// Timestamp returns the decoded time. The ten-millisecond increment refines
// the two-second granularity of the packed field, and the offset byte (15-
// minute increments, seven-bit two's complement, bit 7 = valid) selects the
// zone.
func (et ExfatTimestamp) Timestamp(tenMs uint8, utcOffset uint8) time.Time {
	location := time.UTC

	if utcOffset&utcOffsetValid > 0 {
		offsetUnits := int(int8(utcOffset << 1)) >> 1
		offsetSeconds := offsetUnits * 15 * 60

		location = time.FixedZone(fmt.Sprintf("(off=%d)", offsetUnits), offsetSeconds)
	}

	extraMs := int(tenMs) * 10

	return time.Date(
		et.Year(), time.Month(et.Month()), et.Day(),
		et.Hour(), et.Minute(), et.Second(),
		extraMs*int(time.Millisecond),
		location)
}

// encodeTimestamp packs a time.Time into the on-disk triple. Times before the
// 1980 epoch clamp to the epoch.
func encodeTimestamp(t time.Time) (et ExfatTimestamp, tenMs uint8, utcOffset uint8) {
	_, zoneSeconds := t.Zone()

	year := t.Year()
	if year < 1980 {
		return ExfatTimestamp(1<<21 | 1<<16), 0, utcOffsetValid
	}

	et |= ExfatTimestamp(year-1980) << 25
	et |= ExfatTimestamp(t.Month()) << 21
	et |= ExfatTimestamp(t.Day()) << 16
	et |= ExfatTimestamp(t.Hour()) << 11
	et |= ExfatTimestamp(t.Minute()) << 5
	et |= ExfatTimestamp(t.Second() / 2)

	tenMs = uint8(t.Second()%2*100 + t.Nanosecond()/int(10*time.Millisecond))

	utcOffset = uint8(zoneSeconds/(15*60))&0x7f | utcOffsetValid

	return et, tenMs, utcOffset
}

// Clock provides the wall-clock timestamps stamped onto entry sets when they
// are created, renamed, or written back after a change to their stream.
// Deleting an entry stamps nothing, and the parent directory's own entry set
// is stamped only when the directory grows.
type Clock interface {
	Now() time.Time
}

// fixedClock is the stub used when no clock is configured. It always reports
// the exFAT epoch.
type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
}
