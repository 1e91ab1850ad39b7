package exfat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationBitmap_AllocateSetsBothCopies(t *testing.T) {
	vol, dev := newTestVolume(t)

	free := func(c uint32) bool {
		return vol.bitmap.IsSet(c) == false
	}

	clusters, err := vol.bitmap.Allocate(3)
	require.NoError(t, err)
	require.Len(t, clusters, 3)

	for _, c := range clusters {
		assert.True(t, vol.bitmap.IsSet(c))
	}

	// The on-disk copy agrees: a fresh mount of the same device sees the
	// same bits.
	vol2, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	for _, c := range clusters {
		assert.True(t, vol2.bitmap.IsSet(c))
	}

	require.NoError(t, vol.bitmap.Free(clusters))

	for _, c := range clusters {
		assert.True(t, free(c))
	}

	vol3, err := Mount(dev, MountOptions{})
	require.NoError(t, err)

	for _, c := range clusters {
		assert.False(t, vol3.bitmap.IsSet(c))
	}
}

func TestAllocationBitmap_FirstFit(t *testing.T) {
	vol, _ := newTestVolume(t)

	clusters, err := vol.bitmap.Allocate(2)
	require.NoError(t, err)

	// First-fit lands right behind the metadata clusters, contiguously.
	assert.Equal(t, []uint32{5, 6}, clusters)

	require.NoError(t, vol.bitmap.Free(clusters[:1]))

	// A two-cluster request no longer fits at (5); the next contiguous run
	// wins.
	clusters, err = vol.bitmap.Allocate(2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 8}, clusters)

	// A single cluster fits into the hole.
	clusters, err = vol.bitmap.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, clusters)

	require.NoError(t, vol.Unmount())
}

func TestAllocationBitmap_NonContiguousFallback(t *testing.T) {
	vol, _ := newTestVolume(t)

	clusterCount := vol.bsh.ClusterCount

	// Allocate everything, then punch two separated single-cluster holes.
	all, err := vol.bitmap.Allocate(int(clusterCount) - int(vol.bitmap.UsedCount()))
	require.NoError(t, err)

	holeA := all[0]
	holeB := all[len(all)-1]

	require.NoError(t, vol.bitmap.Free([]uint32{holeA, holeB}))

	clusters, err := vol.bitmap.Allocate(2)
	require.NoError(t, err)

	assert.Equal(t, []uint32{holeA, holeB}, clusters)

	_, err = vol.bitmap.Allocate(1)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocationBitmap_NoSpace(t *testing.T) {
	vol, _ := newTestVolume(t)

	_, err := vol.bitmap.Allocate(int(vol.bsh.ClusterCount))
	assert.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, vol.Unmount())
}

func TestAllocationBitmap_AllocateRun(t *testing.T) {
	vol, _ := newTestVolume(t)

	require.NoError(t, vol.bitmap.AllocateRun(10, 3))

	for c := uint32(10); c < 13; c++ {
		assert.True(t, vol.bitmap.IsSet(c))
	}

	// An overlapping run fails without side effects.
	err := vol.bitmap.AllocateRun(12, 2)
	assert.ErrorIs(t, err, ErrNoSpace)

	assert.False(t, vol.bitmap.IsSet(13))

	// A run leaving the heap fails.
	err = vol.bitmap.AllocateRun(vol.bsh.ClusterCount, 5)
	assert.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, vol.Unmount())
}

func TestAllocationBitmap_UsedCount(t *testing.T) {
	vol, _ := newTestVolume(t)

	used := vol.bitmap.UsedCount()

	clusters, err := vol.bitmap.Allocate(4)
	require.NoError(t, err)

	assert.Equal(t, used+4, vol.bitmap.UsedCount())

	require.NoError(t, vol.bitmap.Free(clusters))

	assert.Equal(t, used, vol.bitmap.UsedCount())

	require.NoError(t, vol.Unmount())
}
