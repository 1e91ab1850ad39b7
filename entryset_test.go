package exfat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestEntrySet(name string) *EntrySet {
	units := utf16FromString(name)

	return &EntrySet{
		File: ExfatFileDirectoryEntry{
			EntryType:      entryTypeFile,
			FileAttributes: AttributeArchive,
		},
		Stream: ExfatStreamExtensionDirectoryEntry{
			EntryType: entryTypeStreamExtension,
			NameHash:  filenameHash(units),
		},
		nameUnits: units,
	}
}

func TestEntrySet_EncodeDecodeRoundTrip(t *testing.T) {
	for _, name := range []string{
		"a",
		"Test.TXT",
		"exactly-15-ch.x",
		"a name with spaces and sixteen+ units",
		strings.Repeat("x", 255),
		"snowman-☃.txt",
	} {
		es := buildTestEntrySet(name)

		setData, err := encodeEntrySet(es)
		require.NoError(t, err)

		require.Equal(t, 0, len(setData)%directoryEntryBytesCount)

		decoded, err := decodeEntrySet(setData)
		require.NoError(t, err, "name: %q", name)

		assert.Equal(t, name, decoded.Name())
		assert.Equal(t, es.File.SetChecksum, decoded.File.SetChecksum)
		assert.Equal(t, uint8(len(es.nameUnits)), decoded.Stream.NameLength)
	}
}

func TestEntrySet_ChecksumCoversWholeSet(t *testing.T) {
	es := buildTestEntrySet("checksummed.bin")

	setData, err := encodeEntrySet(es)
	require.NoError(t, err)

	// Recomputing over the encoded bytes reproduces the stored pair.
	assert.Equal(t, es.File.SetChecksum, entrySetChecksum(setData))

	// Any flipped byte breaks the decode.
	setData[len(setData)-1] ^= 0xff

	_, err = decodeEntrySet(setData)
	assert.ErrorIs(t, err, ErrCorruptEntrySet)
}

func TestEntrySet_RejectsWrongSecondaryType(t *testing.T) {
	es := buildTestEntrySet("victim.bin")

	setData, err := encodeEntrySet(es)
	require.NoError(t, err)

	// Turn the stream extension into a file-name entry and re-seal the
	// checksum so only the structural check can object.
	setData[directoryEntryBytesCount] = byte(entryTypeFileName)
	defaultEncoding.PutUint16(setData[2:], entrySetChecksum(setData))

	_, err = decodeEntrySet(setData)
	assert.ErrorIs(t, err, ErrCorruptEntrySet)
}

func TestEntrySet_RejectsNonZeroReserved(t *testing.T) {
	es := buildTestEntrySet("victim.bin")

	setData, err := encodeEntrySet(es)
	require.NoError(t, err)

	// Byte 6 of the primary entry is reserved and mandated zero.
	setData[6] = 1
	defaultEncoding.PutUint16(setData[2:], entrySetChecksum(setData))

	_, err = decodeEntrySet(setData)
	assert.ErrorIs(t, err, ErrCorruptEntrySet)
}

func TestEntrySet_RejectsBadValidDataLength(t *testing.T) {
	es := buildTestEntrySet("victim.bin")
	es.Stream.ValidDataLength = 100
	es.Stream.DataLength = 50

	setData, err := encodeEntrySet(es)
	require.NoError(t, err)

	_, err = decodeEntrySet(setData)
	assert.ErrorIs(t, err, ErrCorruptEntrySet)
}

func TestEntrySet_SlotCount(t *testing.T) {
	assert.Equal(t, 3, buildTestEntrySet("short").SlotCount())
	assert.Equal(t, 3, buildTestEntrySet(strings.Repeat("x", 15)).SlotCount())
	assert.Equal(t, 4, buildTestEntrySet(strings.Repeat("x", 16)).SlotCount())
	assert.Equal(t, 19, buildTestEntrySet(strings.Repeat("x", 255)).SlotCount())
}

func TestValidateFilename(t *testing.T) {
	assert.NoError(t, validateFilename(utf16FromString("fine.txt"), defaultNameLengthCap))

	err := validateFilename(utf16FromString(strings.Repeat("x", 256)), defaultNameLengthCap)
	assert.ErrorIs(t, err, ErrNameTooLong)

	assert.Error(t, validateFilename(nil, defaultNameLengthCap))
	assert.Error(t, validateFilename(utf16FromString("a:b"), defaultNameLengthCap))
	assert.Error(t, validateFilename(utf16FromString("a<b"), defaultNameLengthCap))
}
