package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/config"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fsserver.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"transport":"tcp:0.0.0.0:6502","drives":[{"drive":8,"location":"/srv/drive8"}]}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp:0.0.0.0:6502", cfg.Transport)
	require.Len(t, cfg.Drives, 1)
	assert.Equal(t, 8, cfg.Drives[0].Drive)
	assert.Equal(t, "info", cfg.LogLevel, "unset fields keep their Default() value")
}

func TestValidateRejectsDuplicateDrive(t *testing.T) {
	cfg := config.Default()
	cfg.Drives = []config.DriveEntry{
		{Drive: 0, Location: "/a"},
		{Drive: 0, Location: "/b"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeDrive(t *testing.T) {
	cfg := config.Default()
	cfg.Drives = []config.DriveEntry{{Drive: 16, Location: "/a"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateClampsOversizedMaxPayload(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPayload = 9999
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 254, cfg.MaxPayload)
}

func TestParseAssignWithProvider(t *testing.T) {
	de, err := config.ParseAssign("8=di:/images/game.d64")
	require.NoError(t, err)
	assert.Equal(t, 8, de.Drive)
	assert.Equal(t, "di", de.Provider)
	assert.Equal(t, "/images/game.d64", de.Location)
}

func TestParseAssignWithoutProviderDefaultsEmpty(t *testing.T) {
	de, err := config.ParseAssign("0=/srv/drive0")
	require.NoError(t, err)
	assert.Equal(t, 0, de.Drive)
	assert.Equal(t, "", de.Provider)
	assert.Equal(t, "/srv/drive0", de.Location)
}

func TestParseAssignRejectsMissingEquals(t *testing.T) {
	_, err := config.ParseAssign("8:/images/game.d64")
	assert.Error(t, err)
}

func TestParseAssignUnknownColonPrefixTreatedAsPathNotScheme(t *testing.T) {
	// A colon-containing path whose prefix isn't a known scheme name is
	// not split off as a provider (e.g. a Windows-style drive letter).
	de, err := config.ParseAssign("0=C:/games")
	require.NoError(t, err)
	assert.Equal(t, "", de.Provider)
	assert.Equal(t, "C:/games", de.Location)
}
