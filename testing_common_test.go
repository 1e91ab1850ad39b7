package exfat

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

const (
	testDeviceSize   = 4 * 1024 * 1024
	testVolumeLabel  = "TESTVOL"
	testVolumeSerial = 0x3d51a058
)

func newDeviceFromBytes(storage []byte) *StreamDevice {
	return NewStreamDevice(bytesextra.NewReadWriteSeeker(storage))
}

func newTestDevice() *StreamDevice {
	storage := make([]byte, testDeviceSize)

	return NewStreamDevice(bytesextra.NewReadWriteSeeker(storage))
}

func newFormattedTestDevice(t *testing.T) *StreamDevice {
	t.Helper()

	dev := newTestDevice()

	err := Format(dev, FormatOptions{
		Label:              testVolumeLabel,
		VolumeSerialNumber: testVolumeSerial,
	})

	require.NoError(t, err)

	return dev
}

func newTestVolume(t *testing.T) (*Volume, *StreamDevice) {
	t.Helper()

	dev := newFormattedTestDevice(t)

	vol, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	return vol, dev
}

// corruptByte flips one byte of the device image directly.
func corruptByte(t *testing.T, dev Device, offset int64) {
	t.Helper()

	buf := make([]byte, 1)

	_, err := dev.ReadAt(buf, offset)
	require.NoError(t, err)

	buf[0] ^= 0xff

	_, err = dev.WriteAt(buf, offset)
	require.NoError(t, err)
}
