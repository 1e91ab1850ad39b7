package exfat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTree(t *testing.T) *Volume {
	t.Helper()

	vol, _ := newTestVolume(t)

	root, err := vol.Root()
	require.NoError(t, err)

	defer root.Close()

	_, err = root.Create("docs", KindDirectory)
	require.NoError(t, err)

	createTestFile(t, root, "top.txt", []byte("top"))

	docs, err := root.OpenDirectory("docs")
	require.NoError(t, err)

	defer docs.Close()

	_, err = docs.Create("inner", KindDirectory)
	require.NoError(t, err)

	createTestFile(t, docs, "guide.md", []byte("guide"))

	inner, err := docs.OpenDirectory("inner")
	require.NoError(t, err)

	defer inner.Close()

	createTestFile(t, inner, "deep.bin", []byte("deep"))

	return vol
}

func TestOpenPath(t *testing.T) {
	vol := buildTestTree(t)

	n, err := vol.OpenPath("/docs/inner/deep.bin")
	require.NoError(t, err)

	f, ok := n.(*File)
	require.True(t, ok)

	assert.Equal(t, "deep.bin", f.Name())
	assert.Equal(t, uint64(4), f.Size())
	require.NoError(t, f.Close())

	n, err = vol.OpenPath("docs/inner")
	require.NoError(t, err)

	d, ok := n.(*Directory)
	require.True(t, ok)
	require.NoError(t, d.Close())

	// "/" (like the empty path) is the root.
	n, err = vol.OpenPath("/")
	require.NoError(t, err)

	d, ok = n.(*Directory)
	require.True(t, ok)
	assert.True(t, d.IsRoot())
	require.NoError(t, d.Close())

	_, err = vol.OpenPath("/docs/missing/deep.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = vol.OpenPath("/top.txt/deep.bin")
	assert.ErrorIs(t, err, ErrNotADirectory)

	require.NoError(t, vol.Unmount())
}

func TestList(t *testing.T) {
	vol := buildTestTree(t)

	paths, err := vol.List()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"docs",
		"docs/inner",
		"docs/inner/deep.bin",
		"docs/guide.md",
		"top.txt",
	}, paths)

	require.NoError(t, vol.Unmount())
}

func TestVisit_PathParts(t *testing.T) {
	vol := buildTestTree(t)

	deepSeen := false

	err := vol.Visit(func(pathParts []string, entry *Entry) error {
		if entry.Name() == "deep.bin" {
			deepSeen = true
			assert.Equal(t, []string{"docs", "inner", "deep.bin"}, pathParts)
		}

		return nil
	})

	require.NoError(t, err)
	assert.True(t, deepSeen)

	require.NoError(t, vol.Unmount())
}
