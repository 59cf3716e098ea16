package charset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fsserver/internal/charset"
)

func TestParseFilenameBasic(t *testing.T) {
	ni := charset.ParseFilename("1:TEST.PRG,P,W")
	assert.Equal(t, 1, ni.Drive)
	assert.Equal(t, charset.CmdNone, ni.Command)
	assert.Equal(t, "TEST.PRG", ni.Filename)
	assert.Equal(t, charset.AccessWrite, ni.AccessMode)
}

func TestParseFilenameScratchCommand(t *testing.T) {
	ni := charset.ParseFilename("S0:*")
	assert.Equal(t, 0, ni.Drive)
	assert.Equal(t, charset.CmdScratch, ni.Command)
	assert.Equal(t, "*", ni.Filename)
}

func TestParseFilenameNoDrive(t *testing.T) {
	ni := charset.ParseFilename("TEST.SEQ")
	assert.Equal(t, charset.NameInfoUndef, ni.Drive)
	assert.Equal(t, "TEST.SEQ", ni.Filename)
	assert.Equal(t, charset.AccessMode(0), ni.AccessMode)
}

func TestParseFilenameLeadingColonOnly(t *testing.T) {
	ni := charset.ParseFilename(":TEST")
	assert.Equal(t, charset.NameInfoUndef, ni.Drive)
	assert.Equal(t, "TEST", ni.Filename)
}

func TestParseFilenameRenameCommand(t *testing.T) {
	ni := charset.ParseFilename("R0:NEW=OLD")
	assert.Equal(t, 0, ni.Drive)
	assert.Equal(t, charset.CmdRename, ni.Command)
	assert.Equal(t, "NEW=OLD", ni.Filename)
}
