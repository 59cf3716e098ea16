// Package wire implements the framed byte-stream protocol between a CBM
// host and the server: cmd(1) | len(1) | channel(1) | payload(len-3).
//
// Grounded on original_source/pcserver/fscmd.c (opcode names, FS_SYNC
// resynchronisation, FS_RESET/FS_SETOPT handshake) and adapted from the
// teacher's internal/proto/codec.go little-endian primitive codec.
package wire

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// Cmd is a wire opcode, sent as the first byte of every packet.
type Cmd byte

// Opcodes, matching the names used by fscmd.c's cmd_to_name (numeric
// values are this project's own; only internal consistency with the rest
// of this server, not byte-for-byte compatibility with a real 1541-IEEE
// bridge, is required).
const (
	FS_TERM       Cmd = 0
	FS_OPEN_RD    Cmd = 1
	FS_OPEN_WR    Cmd = 2
	FS_OPEN_RW    Cmd = 3
	FS_OPEN_AP    Cmd = 4
	FS_OPEN_OW    Cmd = 5
	FS_OPEN_DR    Cmd = 6
	FS_READ       Cmd = 7
	FS_WRITE      Cmd = 8
	FS_REPLY      Cmd = 9
	FS_DATA       Cmd = 10
	FS_DATA_EOF   Cmd = 11
	FS_POSITION   Cmd = 12
	FS_CLOSE      Cmd = 13
	FS_MOVE       Cmd = 14
	FS_DELETE     Cmd = 15
	FS_FORMAT     Cmd = 16
	FS_CHKDSK     Cmd = 17
	FS_RMDIR      Cmd = 18
	FS_MKDIR      Cmd = 19
	FS_CHDIR      Cmd = 20
	FS_ASSIGN     Cmd = 21
	FS_SETOPT     Cmd = 22
	FS_RESET      Cmd = 23
	FS_BLOCK      Cmd = 24
	FS_GETDATIM   Cmd = 25
	FS_CHARSET    Cmd = 26
	FS_COPY       Cmd = 27
	FS_DUPLICATE  Cmd = 28
	FS_INITIALIZE Cmd = 29
	FS_INFO       Cmd = 30
	FS_XCMD       Cmd = 31 // passthrough for otherwise-unhandled X commands

	// FS_SYNC is sent standalone (not framed) to resynchronise the stream
	// after a protocol error: both sides discard bytes until one FS_SYNC
	// round-trips.
	FS_SYNC Cmd = 0xff
)

// Reserved channel numbers (spec.md §6).
const (
	FSFD_CMD    byte = 0xff
	FSFD_SETOPT byte = 0xfe
)

var cmdNames = map[Cmd]string{
	FS_TERM: "TERM", FS_OPEN_RD: "OPEN_RD", FS_OPEN_WR: "OPEN_WR",
	FS_OPEN_RW: "OPEN_RW", FS_OPEN_AP: "OPEN_AP", FS_OPEN_OW: "OPEN_OW",
	FS_OPEN_DR: "OPEN_DR", FS_READ: "READ", FS_WRITE: "WRITE",
	FS_REPLY: "REPLY", FS_DATA: "DATA", FS_DATA_EOF: "DATA_EOF",
	FS_POSITION: "POSITION", FS_CLOSE: "CLOSE", FS_MOVE: "MOVE",
	FS_DELETE: "DELETE", FS_FORMAT: "FORMAT", FS_CHKDSK: "CHKDSK",
	FS_RMDIR: "RMDIR", FS_MKDIR: "MKDIR", FS_CHDIR: "CHDIR",
	FS_ASSIGN: "ASSIGN", FS_SETOPT: "SETOPT", FS_RESET: "RESET",
	FS_BLOCK: "BLOCK", FS_GETDATIM: "GETDATIM", FS_CHARSET: "CHARSET",
	FS_COPY: "COPY", FS_DUPLICATE: "DUPLICATE", FS_INITIALIZE: "INITIALIZE",
	FS_INFO: "INFO", FS_XCMD: "XCMD", FS_SYNC: "SYNC",
}

func (c Cmd) String() string {
	if n, ok := cmdNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// MaxPayload is the largest payload a packet can carry: len is one byte
// counting channel+payload, so payload <= 254.
const MaxPayload = 254

// Packet is one framed unit of the wire protocol.
type Packet struct {
	Cmd     Cmd
	Channel byte
	Payload []byte
}

// Reader reads framed packets off a host connection, handling FS_SYNC
// resynchronisation transparently.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// ReadPacket reads the next packet. A bare FS_SYNC byte is returned as a
// zero-channel, zero-payload packet with Cmd == FS_SYNC so callers can
// answer the handshake; it never appears framed with len/channel.
func (r *Reader) ReadPacket() (Packet, error) {
	cmdByte, err := r.r.ReadByte()
	if err != nil {
		return Packet{}, errors.Wrap(err, "wire: read cmd")
	}
	if cmdByte == byte(FS_SYNC) {
		return Packet{Cmd: FS_SYNC}, nil
	}
	length, err := r.r.ReadByte()
	if err != nil {
		return Packet{}, errors.Wrap(err, "wire: read len")
	}
	if length < 1 {
		return Packet{}, errors.New("wire: packet length must include channel byte")
	}
	channel, err := r.r.ReadByte()
	if err != nil {
		return Packet{}, errors.Wrap(err, "wire: read channel")
	}
	payloadLen := int(length) - 1
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Packet{}, errors.Wrap(err, "wire: read payload")
		}
	}
	return Packet{Cmd: Cmd(cmdByte), Channel: channel, Payload: payload}, nil
}

// Writer writes framed packets to a host connection.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: bufio.NewWriter(w)} }

func (w *Writer) WritePacket(p Packet) error {
	if len(p.Payload) > MaxPayload {
		return errors.Errorf("wire: payload too large: %d > %d", len(p.Payload), MaxPayload)
	}
	if err := w.w.WriteByte(byte(p.Cmd)); err != nil {
		return errors.Wrap(err, "wire: write cmd")
	}
	if err := w.w.WriteByte(byte(len(p.Payload) + 1)); err != nil {
		return errors.Wrap(err, "wire: write len")
	}
	if err := w.w.WriteByte(p.Channel); err != nil {
		return errors.Wrap(err, "wire: write channel")
	}
	if len(p.Payload) > 0 {
		if _, err := w.w.Write(p.Payload); err != nil {
			return errors.Wrap(err, "wire: write payload")
		}
	}
	return w.w.Flush()
}

// WriteSync sends a bare FS_SYNC byte, unframed.
func (w *Writer) WriteSync() error {
	if err := w.w.WriteByte(byte(FS_SYNC)); err != nil {
		return errors.Wrap(err, "wire: write sync")
	}
	return w.w.Flush()
}

// Resync discards bytes from r until a single FS_SYNC byte is seen, per
// the handshake described in spec.md §6: "both sides consume stray
// FS_SYNC bytes until one FS_SYNC is seen in return".
func Resync(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return errors.Wrap(err, "wire: resync")
		}
		if b == byte(FS_SYNC) {
			return nil
		}
	}
}

// ReplyPayload builds the payload for an FS_REPLY packet: byte 0 is the
// CBM error code, the rest (if any) is reply-specific data.
func ReplyPayload(errCode byte, data ...byte) []byte {
	out := make([]byte, 0, 1+len(data))
	out = append(out, errCode)
	out = append(out, data...)
	return out
}
