package diskimage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/diskimage"
)

func TestRelD81CreateWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rel.d81")
	require.NoError(t, diskimage.FormatD81(path, "REL81 TEST", "81"))

	rio, recLen, err := diskimage.OpenRelD81(path, "DATA", 32, true)
	require.NoError(t, err)
	assert.Equal(t, 32, recLen)

	payload := []byte("a 1581 super side sector")
	require.NoError(t, rio.WriteRecord(0, payload))
	require.NoError(t, rio.WriteRecord(10, []byte("far record")))

	got, err := rio.ReadRecord(0)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:len(payload)])

	img, err := diskimage.LoadD81(path)
	require.NoError(t, err)
	fe, ok := img.Lookup("DATA")
	require.True(t, ok)
	assert.True(t, fe.IsREL())
	assert.Equal(t, byte(32), fe.RecordLen)
	assert.NotZero(t, fe.SideSectorTrack)
}

func TestRelD81ExpandsAcrossMultipleDataBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rel2.d81")
	require.NoError(t, diskimage.FormatD81(path, "REL81 TEST", "81"))

	rio, _, err := diskimage.OpenRelD81(path, "BIG", 20, true)
	require.NoError(t, err)

	// 20-byte records pack ~12 per 254-byte data block, so 50 records
	// forces the chain through several data blocks in the file's first
	// (and, for this size, only) side-sector group.
	const n = 50
	for i := uint32(0); i < n; i++ {
		require.NoError(t, rio.WriteRecord(i, []byte{byte(i), byte(i + 7)}))
	}
	for i := uint32(0); i < n; i++ {
		got, err := rio.ReadRecord(i)
		require.NoError(t, err)
		assert.Equal(t, byte(i), got[0])
		assert.Equal(t, byte(i+7), got[1])
	}
}
