package exfat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootRegionChecksum_SkipsMutableBytes(t *testing.T) {
	regionData := make([]byte, 11*512)
	for i := range regionData {
		regionData[i] = byte(i)
	}

	before := bootRegionChecksum(regionData)

	// VolumeFlags and PercentInUse mutate after format and must not affect
	// the checksum.
	regionData[volumeFlagsOffset] ^= 0xff
	regionData[volumeFlagsOffset+1] ^= 0xff
	regionData[percentInUseOffset] ^= 0xff

	assert.Equal(t, before, bootRegionChecksum(regionData))

	regionData[113] ^= 0xff

	assert.NotEqual(t, before, bootRegionChecksum(regionData))
}

func TestEntrySetChecksum_SkipsChecksumBytes(t *testing.T) {
	setData := make([]byte, 3*directoryEntryBytesCount)
	for i := range setData {
		setData[i] = byte(i * 7)
	}

	before := entrySetChecksum(setData)

	setData[2] = 0xaa
	setData[3] = 0x55

	assert.Equal(t, before, entrySetChecksum(setData))

	setData[4] ^= 0xff

	assert.NotEqual(t, before, entrySetChecksum(setData))
}

func TestFilenameHash_CaseSensitivity(t *testing.T) {
	vol, _ := newTestVolume(t)

	lower := utf16FromString("readme.txt")
	upper := utf16FromString("README.TXT")

	assert.NotEqual(t, filenameHash(lower), filenameHash(upper))

	// After up-casing, the hashes collapse.
	assert.Equal(t,
		filenameHash(vol.upcaseUnits(lower)),
		filenameHash(vol.upcaseUnits(upper)))

	require.NoError(t, vol.Unmount())
}

func TestUpcaseTable_Default(t *testing.T) {
	ut, err := loadUpcaseTable(defaultUpcaseData())
	require.NoError(t, err)

	assert.Equal(t, uint16('A'), ut.Upcase('a'))
	assert.Equal(t, uint16('Z'), ut.Upcase('z'))
	assert.Equal(t, uint16('A'), ut.Upcase('A'))
	assert.Equal(t, uint16('7'), ut.Upcase('7'))

	// Units beyond the stored range are the identity map.
	assert.Equal(t, uint16(0x4e2d), ut.Upcase(0x4e2d))
}

func TestUpcaseTable_Compressed(t *testing.T) {
	// Identity for the first 'a' units (compressed), then map 'a'..'c' to
	// 'A'..'C'.
	raw := make([]byte, 0)

	appendUnit := func(unit uint16) {
		raw = append(raw, byte(unit), byte(unit>>8))
	}

	appendUnit(upcaseCompressionSentinel)
	appendUnit('a')

	for c := uint16('A'); c <= 'C'; c++ {
		appendUnit(c)
	}

	ut, err := loadUpcaseTable(raw)
	require.NoError(t, err)

	assert.Equal(t, uint16('A'), ut.Upcase('a'))
	assert.Equal(t, uint16('C'), ut.Upcase('c'))
	assert.Equal(t, uint16('`'), ut.Upcase('`'))
	assert.Equal(t, uint16('d'), ut.Upcase('d'))

	assert.Equal(t, upcaseTableChecksum(raw), ut.Checksum())
}

func TestUpcaseTable_TruncatedCompression(t *testing.T) {
	raw := []byte{0xff, 0xff}

	_, err := loadUpcaseTable(raw)
	assert.ErrorIs(t, err, ErrCorruptEntrySet)
}
