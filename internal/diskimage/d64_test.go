package diskimage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/diskimage"
)

func TestFormatThenLoadBlankD64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.d64")
	require.NoError(t, diskimage.FormatD64(path, "MY DISK", "ID"))

	img, err := diskimage.LoadD64(path)
	require.NoError(t, err)
	assert.Equal(t, 35, img.Tracks)
	assert.Empty(t, img.Files)
	assert.Empty(t, img.SortedEntries())

	free, err := diskimage.FreeBlocksD64(img)
	require.NoError(t, err)
	assert.Equal(t, 664, free)
}

func TestLoadD64RejectsUnsupportedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.d64")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o644))

	_, err := diskimage.LoadD64(path)
	assert.Error(t, err)
}

func TestLoadD64CachesByPathUntilModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cached.d64")
	require.NoError(t, diskimage.FormatD64(path, "CACHED", "ID"))

	first, err := diskimage.LoadD64(path)
	require.NoError(t, err)

	second, err := diskimage.LoadD64(path)
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged image should be served from cache")
}
