package diskimage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/diskimage"
)

func TestRelD71CreateWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rel.d71")
	require.NoError(t, diskimage.FormatD71(path, "REL71 TEST", "71"))

	rio, recLen, err := diskimage.OpenRelD71(path, "DATA", 25, true)
	require.NoError(t, err)
	assert.Equal(t, 25, recLen)

	payload := []byte("side two lives here")
	require.NoError(t, rio.WriteRecord(0, payload))
	require.NoError(t, rio.WriteRecord(5, []byte("later")))

	got, err := rio.ReadRecord(0)
	require.NoError(t, err)
	assert.Equal(t, payload, got[:len(payload)])

	img, err := diskimage.LoadD71(path)
	require.NoError(t, err)
	fe, ok := img.Lookup("DATA")
	require.True(t, ok)
	assert.True(t, fe.IsREL())
	assert.Equal(t, byte(25), fe.RecordLen)
}

func TestRelD71ExpandsAcrossManyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rel2.d71")
	require.NoError(t, diskimage.FormatD71(path, "REL71 TEST", "71"))

	rio, _, err := diskimage.OpenRelD71(path, "BIG", 30, true)
	require.NoError(t, err)

	for i := uint32(0); i < 40; i++ {
		require.NoError(t, rio.WriteRecord(i, []byte{byte(i), byte(i * 2)}))
	}
	for i := uint32(0); i < 40; i++ {
		got, err := rio.ReadRecord(i)
		require.NoError(t, err)
		assert.Equal(t, byte(i), got[0])
		assert.Equal(t, byte(i*2), got[1])
	}
}
