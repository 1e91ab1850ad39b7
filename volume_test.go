package exfat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMount_Geometry(t *testing.T) {
	vol, _ := newTestVolume(t)

	bsh := vol.BootSectorHeader()

	assert.Equal(t, uint32(512), bsh.SectorSize())
	assert.Equal(t, uint32(4), bsh.SectorsPerCluster())
	assert.Equal(t, uint32(testVolumeSerial), bsh.VolumeSerialNumber)
	assert.Equal(t, testVolumeLabel, vol.Label())

	// Bitmap, up-case table, root directory.
	assert.Equal(t, uint32(3), vol.UsedClusters())

	require.NoError(t, vol.Unmount())
}

func TestMount_BadBootSector(t *testing.T) {
	dev := newFormattedTestDevice(t)

	// Break the jump-boot signature.
	corruptByte(t, dev, 0)

	_, err := Mount(dev, MountOptions{})
	assert.ErrorIs(t, err, ErrBadBootSector)
}

func TestMount_TruncatedDevice(t *testing.T) {
	dev := newFormattedTestDevice(t)

	smaller := make([]byte, testDeviceSize/2)

	buf := make([]byte, testDeviceSize/2)
	_, err := dev.ReadAt(buf, 0)
	require.NoError(t, err)

	copy(smaller, buf)

	_, err = Mount(newDeviceFromBytes(smaller), MountOptions{})
	assert.ErrorIs(t, err, ErrBadBootSector)
}

func TestVolume_ValidateChecksum(t *testing.T) {
	vol, _ := newTestVolume(t)

	require.NoError(t, vol.ValidateChecksum())
	require.NoError(t, vol.Unmount())
}

func TestVolume_ValidateChecksum_CorruptCoveredByte(t *testing.T) {
	dev := newFormattedTestDevice(t)

	// A byte inside the boot-code region: covered by the checksum but not
	// inspected by the mount-time validation, so the mount itself succeeds.
	corruptByte(t, dev, 130)

	vol, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, vol.ValidateChecksum(), ErrChecksumMismatch)
}

func TestVolume_ValidateChecksum_VolumeFlagsExcluded(t *testing.T) {
	dev := newFormattedTestDevice(t)

	// Byte 106 holds the volume flags, which are excluded from the checksum;
	// flipping it must not produce a mismatch.
	corruptByte(t, dev, volumeFlagsOffset)

	vol, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	assert.NoError(t, vol.ValidateChecksum())
}

func TestVolume_ValidateUpcaseTableChecksum(t *testing.T) {
	vol, _ := newTestVolume(t)

	require.NoError(t, vol.ValidateUpcaseTableChecksum())
	require.NoError(t, vol.Unmount())
}

func TestVolume_DirtyFlagWriteThrough(t *testing.T) {
	dev := newFormattedTestDevice(t)

	readFlags := func() VolumeFlags {
		raw := make([]byte, 2)

		_, err := dev.ReadAt(raw, volumeFlagsOffset)
		require.NoError(t, err)

		return VolumeFlags(defaultEncoding.Uint16(raw))
	}

	assert.False(t, readFlags().IsDirty())

	vol, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	assert.True(t, readFlags().IsDirty())

	require.NoError(t, vol.Unmount())

	assert.False(t, readFlags().IsDirty())
}

func TestVolume_ReadOnlyMount(t *testing.T) {
	dev := newFormattedTestDevice(t)

	vol, err := Mount(dev, MountOptions{ReadOnly: true})
	require.NoError(t, err)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("nope.txt", KindFile)
	assert.ErrorIs(t, err, ErrReadOnly)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestVolume_ApproximateUsageNeverUnderReports(t *testing.T) {
	dev := newFormattedTestDevice(t)

	vol, err := Mount(dev, MountOptions{ApproximateUsage: true})
	require.NoError(t, err)

	before := vol.UsedClusters()

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("a.bin", KindFile)
	require.NoError(t, err)

	f, err := root.OpenFile("a.bin")
	require.NoError(t, err)

	payload := make([]byte, vol.BootSectorHeader().BytesPerCluster())

	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	afterWrite := vol.UsedClusters()
	assert.GreaterOrEqual(t, afterWrite, before+1)

	require.NoError(t, root.Delete("a.bin"))

	// The approximate counter may only over-report; it never follows the
	// free back down.
	assert.GreaterOrEqual(t, vol.UsedClusters(), afterWrite)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestVolume_UnmountRefusesFurtherUse(t *testing.T) {
	vol, _ := newTestVolume(t)

	require.NoError(t, vol.Unmount())

	_, err := vol.Root()
	assert.ErrorIs(t, err, ErrHandleClosed)

	assert.ErrorIs(t, vol.Unmount(), ErrHandleClosed)
}
