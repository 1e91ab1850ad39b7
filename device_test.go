package exfat

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDevice(t *testing.T) {
	dev := newDeviceFromBytes(make([]byte, 4096))

	size, err := dev.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	payload := []byte{1, 2, 3, 4}

	_, err = dev.WriteAt(payload, 1024)
	require.NoError(t, err)

	buf := make([]byte, 4)

	_, err = dev.ReadAt(buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	require.NoError(t, dev.Flush())
}

func TestFileDevice(t *testing.T) {
	fs := afero.NewMemMapFs()

	f, err := fs.Create("volume.img")
	require.NoError(t, err)

	require.NoError(t, f.Truncate(testDeviceSize))

	dev := NewFileDevice(f)

	size, err := dev.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(testDeviceSize), size)

	err = Format(dev, FormatOptions{Label: "AFERO"})
	require.NoError(t, err)

	vol, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	assert.Equal(t, "AFERO", vol.Label())

	require.NoError(t, vol.Unmount())
	require.NoError(t, f.Close())
}

func TestSectorIO_ReadInto(t *testing.T) {
	storage := make([]byte, 2048)
	for i := range storage {
		storage[i] = byte(i)
	}

	sio := newSectorIO(newDeviceFromBytes(storage), 512)

	buf := make([]byte, 8)

	require.NoError(t, sio.readInto(1, 16, buf))
	assert.Equal(t, storage[512+16:512+24], buf)

	require.NoError(t, sio.writeInto(2, 4, []byte{0xde, 0xad}))

	sector, err := sio.readScratch(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, sector[4:6])
}
