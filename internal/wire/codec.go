package wire

import (
	"encoding/binary"
	"fmt"
)

// Decoder reads little-endian primitives out of a packet payload.
// Adapted from the teacher's internal/proto codec: same minimal,
// allocation-light style, generalised to the CBM opcode payloads (SETOPT
// option blocks, GETDATIM timestamps, POSITION record numbers).
type Decoder struct {
	b []byte
	o int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{b: b} }

func (d *Decoder) Remaining() int { return len(d.b) - d.o }

func (d *Decoder) ReadU8() (byte, error) {
	if d.Remaining() < 1 {
		return 0, fmt.Errorf("wire: need 1 byte")
	}
	v := d.b[d.o]
	d.o++
	return v, nil
}

func (d *Decoder) ReadU16() (uint16, error) {
	if d.Remaining() < 2 {
		return 0, fmt.Errorf("wire: need 2 bytes")
	}
	v := binary.LittleEndian.Uint16(d.b[d.o : d.o+2])
	d.o += 2
	return v, nil
}

func (d *Decoder) ReadU32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, fmt.Errorf("wire: need 4 bytes")
	}
	v := binary.LittleEndian.Uint32(d.b[d.o : d.o+4])
	d.o += 4
	return v, nil
}

func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, fmt.Errorf("wire: need %d bytes", n)
	}
	v := d.b[d.o : d.o+n]
	d.o += n
	return v, nil
}

// ReadCString reads bytes up to and including a trailing NUL, which is how
// filenames and SETOPT string values are framed in their payloads, and
// returns the string without the terminator.
func (d *Decoder) ReadCString() (string, error) {
	start := d.o
	for d.o < len(d.b) {
		if d.b[d.o] == 0 {
			s := string(d.b[start:d.o])
			d.o++
			return s, nil
		}
		d.o++
	}
	return string(d.b[start:]), nil
}

// Encoder builds little-endian payload bytes.
type Encoder struct {
	b []byte
}

func NewEncoder(capacity int) *Encoder {
	if capacity < 0 {
		capacity = 0
	}
	return &Encoder{b: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) WriteU8(v byte) { e.b = append(e.b, v) }

func (e *Encoder) WriteU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteBytes(b []byte) { e.b = append(e.b, b...) }

func (e *Encoder) WriteCString(s string) {
	e.b = append(e.b, []byte(s)...)
	e.b = append(e.b, 0)
}
