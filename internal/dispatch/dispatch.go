// Package dispatch implements the per-opcode command routines that turn
// a wire.Packet into a provider.Endpoint call and a reply packet, per
// spec.md §4.3.
//
// Grounded on original_source/pcserver/fscmd.c (one routine per FS_*
// opcode, channel-to-file bookkeeping) and cmd.c (CBM command-string
// parsing via charset.ParseFilename). Error reduction to a CBM code at
// the dispatcher boundary follows spec.md §7's propagation policy.
package dispatch

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/config"
	"fsserver/internal/drive"
	"fsserver/internal/provider"
	"fsserver/internal/resolver"
	"fsserver/internal/wire"
)

// channel is one open host channel: a live file plus enough context to
// answer POSITION/READ/WRITE/CLOSE without re-resolving the name.
type channel struct {
	file     provider.File
	ep       provider.Endpoint
	isDir    bool
	driveNum int

	// blockBuf/blockDirty back U1 (read) / U2 (write) raw sector channels,
	// which are addressed by (track,sector) rather than a filename
	// (spec.md §4.6) and so don't go through provider.File at all.
	blockBuf           []byte
	blockTrack         byte
	blockSector        byte
	isBlockWriteBuffer bool
}

// Dispatcher holds the live drive table and open-channel map for one
// host session. Not safe for concurrent use across goroutines — the
// server's single-threaded event loop (spec.md §5) is the only caller.
type Dispatcher struct {
	Drives   *drive.Table
	Registry *provider.Registry
	Log      *logrus.Entry

	channels map[byte]*channel
	advanced bool // "*=+"/"*=-" wildcard mode, spec.md §6
}

func New(drives *drive.Table, reg *provider.Registry, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		Drives:   drives,
		Registry: reg,
		Log:      log,
		channels: make(map[byte]*channel),
		advanced: true,
	}
}

// Handle dispatches one incoming packet and returns the reply packet to
// send back. It never panics on a malformed request: any parse failure
// becomes a FAULT/SYNTAX_INVAL reply, matching spec.md §7.
func (d *Dispatcher) Handle(ctx context.Context, pkt wire.Packet) wire.Packet {
	switch pkt.Cmd {
	case wire.FS_OPEN_RD, wire.FS_OPEN_WR, wire.FS_OPEN_RW, wire.FS_OPEN_AP, wire.FS_OPEN_OW:
		return d.handleOpen(ctx, pkt)
	case wire.FS_OPEN_DR:
		return d.handleOpenDir(ctx, pkt)
	case wire.FS_READ:
		return d.handleRead(ctx, pkt)
	case wire.FS_WRITE:
		return d.handleWrite(ctx, pkt, false)
	case wire.FS_POSITION:
		return d.handlePosition(ctx, pkt)
	case wire.FS_CLOSE:
		return d.handleClose(ctx, pkt)
	case wire.FS_DELETE:
		return d.handleDelete(ctx, pkt)
	case wire.FS_RMDIR:
		return d.handleRmdir(ctx, pkt)
	case wire.FS_MKDIR:
		return d.handleMkdir(ctx, pkt)
	case wire.FS_CHDIR:
		return d.handleChdir(ctx, pkt)
	case wire.FS_MOVE:
		return d.handleMove(ctx, pkt)
	case wire.FS_COPY, wire.FS_DUPLICATE:
		return d.handleCopy(ctx, pkt)
	case wire.FS_ASSIGN:
		return d.handleAssign(ctx, pkt)
	case wire.FS_BLOCK:
		return d.handleBlock(ctx, pkt)
	case wire.FS_FORMAT:
		return d.handleFormat(ctx, pkt)
	case wire.FS_INFO:
		return d.handleInfo(ctx, pkt)
	case wire.FS_GETDATIM:
		return d.handleGetdatim(pkt)
	case wire.FS_CHARSET:
		return reply(pkt.Channel, cbmerr.OK)
	case wire.FS_SETOPT:
		return d.handleSetopt(pkt)
	case wire.FS_RESET:
		return d.handleReset(pkt)
	case wire.FS_INITIALIZE:
		return reply(pkt.Channel, cbmerr.OK)
	case wire.FS_XCMD:
		// Raw option command forwarded to "the bus"; the bus itself is
		// out of scope (spec.md §1), so just acknowledge, matching
		// fscmd.c's tolerant handling of X-commands the firmware ignores.
		d.Log.WithField("op", "XCMD").Debug("xcmd passthrough acknowledged")
		return reply(pkt.Channel, cbmerr.OK)
	case wire.FS_CHKDSK:
		return reply(pkt.Channel, cbmerr.OK)
	default:
		return reply(pkt.Channel, byte(cbmerr.FAULT))
	}
}

func reply(ch byte, errCode byte, extra ...byte) wire.Packet {
	return wire.Packet{Cmd: wire.FS_REPLY, Channel: ch, Payload: wire.ReplyPayload(errCode, extra...)}
}

func errReply(ch byte, err error) wire.Packet {
	ce := cbmerr.As(err)
	if ce.Track != 0 || ce.Sector != 0 {
		return reply(ch, byte(ce.Code), ce.Track, ce.Sector)
	}
	return reply(ch, byte(ce.Code))
}

// parseName converts raw PETSCII payload bytes to the ASCII form
// charset.ParseFilename expects, then parses it.
func parseName(payload []byte) charset.NameInfo {
	s := charset.ConvertString(charset.PETSCII, charset.ASCII, string(payload))
	return charset.ParseFilename(s)
}

// fileTypeAndRecordLen extracts the CBM type letter and REL record
// length (if any) from a NameInfo's comma-separated Options tail, e.g.
// "L,10" -> REL, 10; "P,W" -> PRG, 0.
func fileTypeAndRecordLen(ni charset.NameInfo) (string, int) {
	fileType := ""
	recordLen := 0
	for _, f := range strings.Split(ni.Options, ",") {
		switch strings.ToUpper(f) {
		case "P":
			fileType = "PRG"
		case "S":
			fileType = "SEQ"
		case "U":
			fileType = "USR"
		case "L":
			fileType = "REL"
		case "D":
			fileType = "DEL"
		default:
			if n, err := strconv.Atoi(f); err == nil && fileType == "REL" {
				recordLen = n
			}
		}
	}
	return fileType, recordLen
}

func (d *Dispatcher) driveEndpoint(ni charset.NameInfo) (*drive.Entry, error) {
	if ni.Drive == charset.NameInfoUndef {
		return nil, cbmerr.New(cbmerr.SYNTAX_INVAL, "no drive number given")
	}
	return d.Drives.Get(ni.Drive)
}

func accessMode(cmd wire.Cmd) charset.AccessMode {
	switch cmd {
	case wire.FS_OPEN_RD:
		return charset.AccessRead
	case wire.FS_OPEN_WR, wire.FS_OPEN_OW:
		return charset.AccessWrite
	case wire.FS_OPEN_AP:
		return charset.AccessApp
	case wire.FS_OPEN_RW:
		return charset.AccessMod
	}
	return charset.AccessNone
}

func (d *Dispatcher) handleOpen(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	fileType, recordLen := fileTypeAndRecordLen(ni)
	pattern, err := resolver.Resolve(ctx, ent.Endpoint, ni.Filename)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	f, err := ent.Endpoint.Open(ctx, int(pkt.Channel), pattern, accessMode(pkt.Cmd), fileType, recordLen)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	d.channels[pkt.Channel] = &channel{file: f, ep: ent.Endpoint, driveNum: ni.Drive}
	if fileType == "REL" {
		enc := wire.NewEncoder(3)
		enc.WriteU16(uint16(recordLen))
		return reply(pkt.Channel, byte(cbmerr.OPEN_REL), enc.Bytes()...)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleOpenDir(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	pattern, err := resolver.Resolve(ctx, ent.Endpoint, ni.Filename)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	f, err := ent.Endpoint.OpenDir(ctx, int(pkt.Channel), pattern)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	d.channels[pkt.Channel] = &channel{file: f, ep: ent.Endpoint, isDir: true, driveNum: ni.Drive}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleRead(ctx context.Context, pkt wire.Packet) wire.Packet {
	ch, ok := d.channels[pkt.Channel]
	if !ok {
		return reply(pkt.Channel, byte(cbmerr.NO_CHANNEL))
	}
	buf := make([]byte, wire.MaxPayload)
	n, err := ch.file.Read(buf)
	if err != nil && n == 0 {
		return wire.Packet{Cmd: wire.FS_DATA_EOF, Channel: pkt.Channel, Payload: nil}
	}
	cmd := wire.FS_DATA
	if err != nil {
		cmd = wire.FS_DATA_EOF
	}
	return wire.Packet{Cmd: cmd, Channel: pkt.Channel, Payload: buf[:n]}
}

func (d *Dispatcher) handleWrite(ctx context.Context, pkt wire.Packet, eof bool) wire.Packet {
	ch, ok := d.channels[pkt.Channel]
	if !ok {
		return reply(pkt.Channel, byte(cbmerr.NO_CHANNEL))
	}
	if ch.isBlockWriteBuffer {
		ch.blockBuf = append(ch.blockBuf, pkt.Payload...)
		return reply(pkt.Channel, byte(cbmerr.OK))
	}
	if _, err := ch.file.Write(pkt.Payload); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

// blockWriter is implemented by providers that support U2's deferred
// sector write (currently only internal/provider/diskimage's D64 path);
// other providers' Block(BlockWrite) already rejected the request with
// FAULT before a channel ever got here.
type blockWriter interface {
	WriteBlockD64(track, sector byte, data []byte) error
}

func (d *Dispatcher) handlePosition(ctx context.Context, pkt wire.Packet) wire.Packet {
	ch, ok := d.channels[pkt.Channel]
	if !ok {
		return reply(pkt.Channel, byte(cbmerr.NO_CHANNEL))
	}
	dec := wire.NewDecoder(pkt.Payload)
	n, err := dec.ReadU32()
	if err != nil {
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	if err := ch.file.Position(ctx, n); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleClose(ctx context.Context, pkt wire.Packet) wire.Packet {
	ch, ok := d.channels[pkt.Channel]
	if !ok {
		return reply(pkt.Channel, byte(cbmerr.OK))
	}
	delete(d.channels, pkt.Channel)
	if ch.isBlockWriteBuffer {
		bw, ok := ch.ep.(blockWriter)
		if !ok {
			return reply(pkt.Channel, byte(cbmerr.FAULT))
		}
		if err := bw.WriteBlockD64(ch.blockTrack, ch.blockSector, ch.blockBuf); err != nil {
			return errReply(pkt.Channel, err)
		}
		return reply(pkt.Channel, byte(cbmerr.OK))
	}
	if ch.file == nil {
		return reply(pkt.Channel, byte(cbmerr.OK))
	}
	if err := ch.file.Close(); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleDelete(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	pattern, err := resolver.Resolve(ctx, ent.Endpoint, ni.Filename)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	n, err := ent.Endpoint.Scratch(ctx, pattern)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	if n > 99 {
		n = 99
	}
	return reply(pkt.Channel, byte(cbmerr.SCRATCHED), byte(n))
}

func (d *Dispatcher) handleRmdir(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	if err := ent.Endpoint.Rmdir(ctx, ni.Filename); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleMkdir(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	if err := ent.Endpoint.Mkdir(ctx, ni.Filename); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleChdir(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	if err := ent.Endpoint.Chdir(ctx, ni.Filename); err != nil {
		return errReply(pkt.Channel, err)
	}
	ent.Cwd = ni.Filename
	return reply(pkt.Channel, byte(cbmerr.OK))
}

// handleMove implements RENAME: payload "NEW=OLD" after the drive
// prefix has already been peeled off by ParseFilename (spec.md §4.3's
// RENAME, grounded on fscmd.c's cmd_rename).
func (d *Dispatcher) handleMove(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	eq := strings.IndexByte(ni.Filename, '=')
	if eq < 0 {
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	newName, oldName := ni.Filename[:eq], ni.Filename[eq+1:]
	if err := ent.Endpoint.Rename(ctx, oldName, newName); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

// handleCopy implements COPY: payload "DEST=SRC1\0SRC2\0...", per
// spec.md §4.3 (zero-terminated source names after the destination).
func (d *Dispatcher) handleCopy(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	eq := strings.IndexByte(ni.Filename, '=')
	if eq < 0 {
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	dest := ni.Filename[:eq]
	rest := ni.Filename[eq+1:]
	var sources []string
	for _, s := range strings.Split(rest, "\x00") {
		if s != "" {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	if err := ent.Endpoint.Copy(ctx, dest, sources); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

// handleAssign implements ASSIGN: payload "<drv>=[provider:]<location>",
// reusing config.ParseAssign's grammar (spec.md §6).
func (d *Dispatcher) handleAssign(ctx context.Context, pkt wire.Packet) wire.Packet {
	spec := string(pkt.Payload)
	de, err := config.ParseAssign(spec)
	if err != nil {
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	if err := d.Drives.Assign(ctx, de.Drive, de.Provider, de.Location); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

// handleBlock implements U1/U2/B-A/B-F. Payload: op byte ('R','W','A','F'),
// drive byte, track byte, sector byte — U2's actual data follows in a
// subsequent FS_WRITE to the same channel (spec.md §4.6).
func (d *Dispatcher) handleBlock(ctx context.Context, pkt wire.Packet) wire.Packet {
	dec := wire.NewDecoder(pkt.Payload)
	opByte, err1 := dec.ReadU8()
	driveByte, err2 := dec.ReadU8()
	track, err3 := dec.ReadU8()
	sector, err4 := dec.ReadU8()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	ent, err := d.Drives.Get(int(driveByte))
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	// U2 (block write) defers the actual sector write until CLOSE, per
	// spec.md §4.6: it only opens an empty channel buffer here, so it
	// never calls into the endpoint's Block method at all.
	if opByte == 'W' {
		if _, ok := ent.Endpoint.(blockWriter); !ok {
			return reply(pkt.Channel, byte(cbmerr.FAULT))
		}
		d.channels[pkt.Channel] = &channel{ep: ent.Endpoint, driveNum: int(driveByte),
			blockTrack: track, blockSector: sector, isBlockWriteBuffer: true}
		return reply(pkt.Channel, byte(cbmerr.OK))
	}
	var op provider.BlockOp
	switch opByte {
	case 'R':
		op = provider.BlockRead
	case 'A':
		op = provider.BlockAllocate
	case 'F':
		op = provider.BlockFree
	default:
		return reply(pkt.Channel, byte(cbmerr.SYNTAX_INVAL))
	}
	_, data, err := ent.Endpoint.Block(ctx, op, int(pkt.Channel), track, sector)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	return wire.Packet{Cmd: wire.FS_DATA_EOF, Channel: pkt.Channel, Payload: data}
}

func (d *Dispatcher) handleFormat(ctx context.Context, pkt wire.Packet) wire.Packet {
	ni := parseName(pkt.Payload)
	ent, err := d.driveEndpoint(ni)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	name, id := ni.Filename, ""
	if comma := strings.IndexByte(ni.Filename, ','); comma >= 0 {
		name, id = ni.Filename[:comma], ni.Filename[comma+1:]
	}
	if err := ent.Endpoint.Format(ctx, name, id); err != nil {
		return errReply(pkt.Channel, err)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleInfo(ctx context.Context, pkt wire.Packet) wire.Packet {
	driveNum := int(pkt.Channel)
	if len(pkt.Payload) > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(string(pkt.Payload))); err == nil {
			driveNum = n
		}
	}
	ent, err := d.Drives.Get(driveNum)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	info, err := ent.Endpoint.Info(ctx)
	if err != nil {
		return errReply(pkt.Channel, err)
	}
	enc := wire.NewEncoder(4 + len(info.StatusLine))
	enc.WriteU8(byte(cbmerr.OK))
	enc.WriteU16(uint16(info.FreeBlocks))
	enc.WriteCString(info.StatusLine)
	return wire.Packet{Cmd: wire.FS_REPLY, Channel: pkt.Channel, Payload: enc.Bytes()}
}

// handleGetdatim returns a best-effort zeroed BCD timestamp; no
// provider in this build tracks per-file modification times beyond
// what the host OS already reports through directory listings, so this
// is a stub acknowledgement rather than a fabricated date (spec.md §4
// supplemented-features note on GETDATIM).
func (d *Dispatcher) handleGetdatim(pkt wire.Packet) wire.Packet {
	return reply(pkt.Channel, byte(cbmerr.OK), 0, 0, 0, 0, 0, 0)
}

func (d *Dispatcher) handleSetopt(pkt wire.Packet) wire.Packet {
	opt := string(pkt.Payload)
	if opt == "W=1" {
		d.advanced = true
	} else if opt == "W=0" {
		d.advanced = false
	}
	d.Log.WithField("opt", opt).Debug("SETOPT")
	return reply(pkt.Channel, byte(cbmerr.OK))
}

func (d *Dispatcher) handleReset(pkt wire.Packet) wire.Packet {
	for ch, c := range d.channels {
		if c.file != nil {
			c.file.Close()
		}
		delete(d.channels, ch)
	}
	return reply(pkt.Channel, byte(cbmerr.OK))
}

// SetAdvancedWildcards toggles the "*=+"/"*=-" stdin UI command
// (spec.md §6); currently informational, since every provider's
// pattern matching always calls charset.MatchPattern with advanced=true
// — classic-mode emulation is not wired through yet. See DESIGN.md.
func (d *Dispatcher) SetAdvancedWildcards(v bool) { d.advanced = v }

func (d *Dispatcher) AdvancedWildcards() bool { return d.advanced }
