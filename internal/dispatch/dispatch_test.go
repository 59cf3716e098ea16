package dispatch_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/cbmerr"
	"fsserver/internal/dispatch"
	"fsserver/internal/drive"
	"fsserver/internal/provider"
	_ "fsserver/internal/provider/localfs"
	"fsserver/internal/wire"
)

func newTestDispatcher(t *testing.T, root string) *dispatch.Dispatcher {
	t.Helper()
	reg := provider.NewRegistry()
	provider.RegisterDefaults(reg)
	drives := drive.NewTable(reg)
	require.NoError(t, drives.Assign(context.Background(), 0, "fs", root))
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return dispatch.New(drives, reg, log.WithField("test", true))
}

func openWrite(t *testing.T, d *dispatch.Dispatcher, channel byte, name string) {
	t.Helper()
	pkt := wire.Packet{Cmd: wire.FS_OPEN_WR, Channel: channel, Payload: []byte("0:" + name + ",P,W")}
	reply := d.Handle(context.Background(), pkt)
	require.Equal(t, wire.FS_REPLY, reply.Cmd)
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])
}

// TestOpenWriteCloseThenOpenReadRoundTrip covers spec.md §8's "write a
// file then read it back" scenario end to end through the dispatcher,
// against a real localfs endpoint rooted at a temp directory.
func TestOpenWriteCloseThenOpenReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher(t, root)
	ctx := context.Background()

	openWrite(t, d, 2, "TEST")

	writePkt := wire.Packet{Cmd: wire.FS_WRITE, Channel: 2, Payload: []byte("HELLO")}
	reply := d.Handle(ctx, writePkt)
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])

	closePkt := wire.Packet{Cmd: wire.FS_CLOSE, Channel: 2}
	reply = d.Handle(ctx, closePkt)
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])

	openRd := wire.Packet{Cmd: wire.FS_OPEN_RD, Channel: 3, Payload: []byte("0:TEST")}
	reply = d.Handle(ctx, openRd)
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])

	readPkt := wire.Packet{Cmd: wire.FS_READ, Channel: 3}
	reply = d.Handle(ctx, readPkt)
	assert.Equal(t, wire.FS_DATA_EOF, reply.Cmd)
	assert.Equal(t, "HELLO", string(reply.Payload))

	d.Handle(ctx, wire.Packet{Cmd: wire.FS_CLOSE, Channel: 3})
}

// TestDeleteScratchesMatchingFiles covers SCRATCH (spec.md §4.3 DELETE).
func TestDeleteScratchesMatchingFiles(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher(t, root)
	ctx := context.Background()

	openWrite(t, d, 2, "GONE")
	d.Handle(ctx, wire.Packet{Cmd: wire.FS_CLOSE, Channel: 2})

	reply := d.Handle(ctx, wire.Packet{Cmd: wire.FS_DELETE, Channel: 4, Payload: []byte("0:GONE")})
	require.Equal(t, wire.FS_REPLY, reply.Cmd)
	assert.Equal(t, byte(cbmerr.SCRATCHED), reply.Payload[0])
	assert.Equal(t, byte(1), reply.Payload[1])

	openRd := wire.Packet{Cmd: wire.FS_OPEN_RD, Channel: 5, Payload: []byte("0:GONE")}
	reply = d.Handle(ctx, openRd)
	assert.Equal(t, byte(cbmerr.FILE_NOT_FOUND), reply.Payload[0])
}

// TestRenameThenReadUnderNewName covers RENAME (spec.md §4.3 MOVE).
func TestRenameThenReadUnderNewName(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher(t, root)
	ctx := context.Background()

	openWrite(t, d, 2, "OLD")
	d.Handle(ctx, wire.Packet{Cmd: wire.FS_WRITE, Channel: 2, Payload: []byte("X")})
	d.Handle(ctx, wire.Packet{Cmd: wire.FS_CLOSE, Channel: 2})

	reply := d.Handle(ctx, wire.Packet{Cmd: wire.FS_MOVE, Channel: 6, Payload: []byte("0:NEW=OLD")})
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])

	reply = d.Handle(ctx, wire.Packet{Cmd: wire.FS_OPEN_RD, Channel: 7, Payload: []byte("0:NEW")})
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])
	d.Handle(ctx, wire.Packet{Cmd: wire.FS_CLOSE, Channel: 7})
}

// TestOpenWithNoDriveNumberIsSyntaxError covers spec.md §7's propagation
// of a parse failure to SYNTAX_INVAL without touching any endpoint.
func TestOpenWithNoDriveNumberIsSyntaxError(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher(t, root)
	reply := d.Handle(context.Background(), wire.Packet{Cmd: wire.FS_OPEN_RD, Channel: 2, Payload: []byte("TEST.PRG")})
	assert.Equal(t, byte(cbmerr.SYNTAX_INVAL), reply.Payload[0])
}

// TestReadOnUnopenedChannelIsNoChannel covers the NO_CHANNEL edge case.
func TestReadOnUnopenedChannelIsNoChannel(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher(t, root)
	reply := d.Handle(context.Background(), wire.Packet{Cmd: wire.FS_READ, Channel: 9})
	assert.Equal(t, wire.FS_REPLY, reply.Cmd)
	assert.Equal(t, byte(cbmerr.NO_CHANNEL), reply.Payload[0])
}

// TestResetClosesAllOpenChannels covers FS_RESET (spec.md §6 handshake).
func TestResetClosesAllOpenChannels(t *testing.T) {
	root := t.TempDir()
	d := newTestDispatcher(t, root)
	ctx := context.Background()

	openWrite(t, d, 2, "A")
	reply := d.Handle(ctx, wire.Packet{Cmd: wire.FS_RESET, Channel: 0})
	require.Equal(t, byte(cbmerr.OK), reply.Payload[0])

	reply = d.Handle(ctx, wire.Packet{Cmd: wire.FS_CLOSE, Channel: 2})
	assert.Equal(t, byte(cbmerr.OK), reply.Payload[0])
}
