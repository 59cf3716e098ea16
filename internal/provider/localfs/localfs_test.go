package localfs_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/charset"
	"fsserver/internal/provider/localfs"
)

func writeAndClose(t *testing.T, ep *localfs.Endpoint, name, fileType, data string) {
	t.Helper()
	f, err := ep.Open(context.Background(), 1, name, charset.AccessWrite, fileType, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readAll(t *testing.T, ep *localfs.Endpoint, name string) string {
	t.Helper()
	f, err := ep.Open(context.Background(), 1, name, charset.AccessRead, "", 0)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(b)
}

// TestOpenWriteStoresHandlerSuffixOnDisk exercises the handler chain
// wired into localfs: a write with an explicit type creates an x00-
// suffixed file on disk, and a later type-less open finds it by its
// exposed (suffix-stripped) name.
func TestOpenWriteStoresHandlerSuffixOnDisk(t *testing.T) {
	root := t.TempDir()
	ep, err := localfs.New(root)
	require.NoError(t, err)

	writeAndClose(t, ep, "GAME", "PRG", "hello")

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "GAME.P00", entries[0].Name())

	assert.Equal(t, "hello", readAll(t, ep, "GAME"))
}

func TestScratchRemovesHandlerWrappedFile(t *testing.T) {
	root := t.TempDir()
	ep, err := localfs.New(root)
	require.NoError(t, err)
	writeAndClose(t, ep, "DOOMED", "SEQ", "x")

	n, err := ep.Scratch(context.Background(), "DOOMED")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenamePreservesStorageSuffix(t *testing.T) {
	root := t.TempDir()
	ep, err := localfs.New(root)
	require.NoError(t, err)
	writeAndClose(t, ep, "OLD", "USR", "data")

	require.NoError(t, ep.Rename(context.Background(), "OLD", "NEW"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "NEW.U00", entries[0].Name())

	assert.Equal(t, "data", readAll(t, ep, "NEW"))
}

func TestCopyConcatenatesSourcesIntoPRGDestination(t *testing.T) {
	root := t.TempDir()
	ep, err := localfs.New(root)
	require.NoError(t, err)
	writeAndClose(t, ep, "PART1", "PRG", "AAA")
	writeAndClose(t, ep, "PART2", "PRG", "BBB")

	require.NoError(t, ep.Copy(context.Background(), "WHOLE", []string{"PART1", "PART2"}))

	assert.Equal(t, "AAABBB", readAll(t, ep, "WHOLE"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["WHOLE.P00"], "copy destination should get the default PRG handler suffix")
}

func TestListExposesHandlerWrappedNamesForWildcardMatch(t *testing.T) {
	root := t.TempDir()
	ep, err := localfs.New(root)
	require.NoError(t, err)
	writeAndClose(t, ep, "FOOBAR", "PRG", "x")

	f, err := ep.OpenDir(context.Background(), 1, "FOO*")
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), "FOOBAR")
	assert.NotContains(t, string(b), "FOOBAR.P00")
}

func TestChdirIntoSubdirectoryThenOpenRelativeFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "SUBDIR"), 0o755))
	ep, err := localfs.New(root)
	require.NoError(t, err)

	require.NoError(t, ep.Chdir(context.Background(), "SUBDIR"))
	writeAndClose(t, ep, "INSIDE", "SEQ", "y")

	entries, err := os.ReadDir(filepath.Join(root, "SUBDIR"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "INSIDE.S00", entries[0].Name())
}
