package exfat

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_CreateAndLookup(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("Test.TXT", KindFile)
	require.NoError(t, err)

	// Case-insensitive via the up-case table.
	entry, err := root.Lookup("test.txt")
	require.NoError(t, err)

	assert.Equal(t, "Test.TXT", entry.Name())
	assert.False(t, entry.IsDirectory())
	assert.Equal(t, uint64(0), entry.Size())
	assert.Equal(t, uint32(0), entry.FirstCluster())

	// A prefix is not a match.
	_, err = root.Lookup("test")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_CreateCollision(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("readme.md", KindFile)
	require.NoError(t, err)

	// Also collides case-insensitively.
	_, err = root.Create("README.MD", KindFile)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_IterateOrderAndCount(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	names := []string{"one.bin", "two.bin", "three.bin", "four.bin"}

	for _, name := range names {
		_, err = root.Create(name, KindFile)
		require.NoError(t, err)
	}

	require.NoError(t, root.Delete("two.bin"))

	seen := make([]string, 0)

	err = root.Iterate(func(entry *Entry) (bool, error) {
		seen = append(seen, entry.Name())
		return true, nil
	})

	require.NoError(t, err)

	// On-disk order, deleted sets skipped.
	assert.Equal(t, []string{"one.bin", "three.bin", "four.bin"}, seen)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_DeleteRestoresBitmap(t *testing.T) {
	vol, _ := newTestVolume(t)

	baseline := vol.UsedClusters()

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("victim.bin", KindFile)
	require.NoError(t, err)

	f, err := root.OpenFile("victim.bin")
	require.NoError(t, err)

	payload := make([]byte, 3*vol.BootSectorHeader().BytesPerCluster())

	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, baseline+3, vol.UsedClusters())

	require.NoError(t, root.Delete("victim.bin"))

	assert.Equal(t, baseline, vol.UsedClusters())

	_, err = root.Lookup("victim.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_DeleteNonEmpty(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("sub", KindDirectory)
	require.NoError(t, err)

	sub, err := root.OpenDirectory("sub")
	require.NoError(t, err)

	_, err = sub.Create("inner.txt", KindFile)
	require.NoError(t, err)

	assert.ErrorIs(t, root.Delete("sub"), ErrDirectoryNotEmpty)

	require.NoError(t, sub.Delete("inner.txt"))
	require.NoError(t, sub.Close())

	require.NoError(t, root.Delete("sub"))

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_NameLengthCap(t *testing.T) {
	dev := newFormattedTestDevice(t)

	vol, err := Mount(dev, MountOptions{NameLengthCap: 30})
	require.NoError(t, err)

	root, err := vol.Root()
	require.NoError(t, err)

	countEntries := func() int {
		count := 0

		err := root.Iterate(func(*Entry) (bool, error) {
			count++
			return true, nil
		})

		require.NoError(t, err)

		return count
	}

	before := countEntries()

	longName := strings.Repeat("x", 31)

	_, err = root.Create(longName, KindFile)
	assert.ErrorIs(t, err, ErrNameTooLong)

	// Directory content unchanged.
	assert.Equal(t, before, countEntries())

	// Thirty units is still fine.
	_, err = root.Create(strings.Repeat("y", 30), KindFile)
	require.NoError(t, err)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_InvalidNameCharacters(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	for _, name := range []string{"a/b", "a*b", "a?b", "a\x1fb"} {
		_, err = root.Create(name, KindFile)
		assert.Error(t, err, "name: %q", name)
	}

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_CorruptEntrySetSurfacedLast(t *testing.T) {
	vol, dev := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("good.bin", KindFile)
	require.NoError(t, err)

	badEntry, err := root.Create("bad.bin", KindFile)
	require.NoError(t, err)

	// Flip a checksum byte of the last set's primary entry, directly on the
	// device.
	bsh := vol.BootSectorHeader()

	rootOffset := bsh.FirstSectorOfCluster(bsh.FirstClusterOfRootDirectory) * int64(bsh.SectorSize())
	corruptByte(t, dev, rootOffset+int64(badEntry.slot)*directoryEntryBytesCount+2)

	seen := make([]string, 0)

	err = root.Iterate(func(entry *Entry) (bool, error) {
		seen = append(seen, entry.Name())
		return true, nil
	})

	// The preceding set came through; the corrupted one is surfaced.
	assert.ErrorIs(t, err, ErrCorruptEntrySet)
	assert.Equal(t, []string{"good.bin"}, seen)
}

func TestDirectory_Rename_InPlace(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("before.bin", KindFile)
	require.NoError(t, err)

	f, err := root.OpenFile("before.bin")
	require.NoError(t, err)

	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	oldEntry, err := root.Lookup("before.bin")
	require.NoError(t, err)

	require.NoError(t, root.Rename("before.bin", "after.bin"))

	_, err = root.Lookup("before.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	newEntry, err := root.Lookup("after.bin")
	require.NoError(t, err)

	// The allocation is preserved, and the shorter name fits into the same
	// slots.
	assert.Equal(t, oldEntry.FirstCluster(), newEntry.FirstCluster())
	assert.Equal(t, oldEntry.Size(), newEntry.Size())
	assert.Equal(t, oldEntry.slot, newEntry.slot)

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_Rename_GrowsSlotRun(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("a.bin", KindFile)
	require.NoError(t, err)

	// Force relocation: the new name needs two name entries, the old set
	// only has one.
	longName := strings.Repeat("n", 20)

	require.NoError(t, root.Rename("a.bin", longName))

	entry, err := root.Lookup(longName)
	require.NoError(t, err)

	assert.Equal(t, longName, entry.Name())

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_Rename_TargetExists(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("a.bin", KindFile)
	require.NoError(t, err)

	_, err = root.Create("b.bin", KindFile)
	require.NoError(t, err)

	assert.ErrorIs(t, root.Rename("a.bin", "b.bin"), ErrAlreadyExists)

	// Renaming onto a case-variant of itself is fine.
	require.NoError(t, root.Rename("a.bin", "A.BIN"))

	entry, err := root.Lookup("a.bin")
	require.NoError(t, err)
	assert.Equal(t, "A.BIN", entry.Name())

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_GrowsAcrossClusters(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	sub, err := func() (*Directory, error) {
		_, err := root.Create("crowded", KindDirectory)
		if err != nil {
			return nil, err
		}

		return root.OpenDirectory("crowded")
	}()

	require.NoError(t, err)

	// One cluster holds 64 slots here; each file consumes three, so this
	// forces at least two extensions.
	fileCount := 50

	for i := 0; i < fileCount; i++ {
		_, err = sub.Create(fmt.Sprintf("file-%03d.txt", i), KindFile)
		require.NoError(t, err)
	}

	count := 0

	err = sub.Iterate(func(*Entry) (bool, error) {
		count++
		return true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, fileCount, count)

	// All of them still resolve.
	for i := 0; i < fileCount; i++ {
		_, err = sub.Lookup(fmt.Sprintf("FILE-%03d.TXT", i))
		require.NoError(t, err)
	}

	require.NoError(t, sub.Close())
	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_OpenTyped(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	_, err = root.Create("file.bin", KindFile)
	require.NoError(t, err)

	_, err = root.Create("dir", KindDirectory)
	require.NoError(t, err)

	_, err = root.OpenFile("dir")
	assert.ErrorIs(t, err, ErrNotAFile)

	_, err = root.OpenDirectory("file.bin")
	assert.ErrorIs(t, err, ErrNotADirectory)

	n, err := root.Open("file.bin")
	require.NoError(t, err)

	f, ok := n.(*File)
	require.True(t, ok)
	require.NoError(t, f.Close())

	n, err = root.Open("dir")
	require.NoError(t, err)

	d, ok := n.(*Directory)
	require.True(t, ok)
	require.NoError(t, d.Close())

	require.NoError(t, root.Close())
	require.NoError(t, vol.Unmount())
}

func TestDirectory_ClosedHandle(t *testing.T) {
	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	require.NoError(t, root.Close())

	err = root.Iterate(func(*Entry) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrHandleClosed)

	_, err = root.Lookup("anything")
	assert.ErrorIs(t, err, ErrHandleClosed)

	require.NoError(t, vol.Unmount())
}
