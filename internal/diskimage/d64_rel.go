package diskimage

// REL (random access) file support for the D64 (1541) engine: the
// directory-slot side-sector field, the side-sector-group chain, and the
// CBM DOS block-allocation order from relchain.go, applied to the 35/40
// track 1541 geometry. SEQ/PRG/USR files keep going through
// WriteFileRangeD64's plain sector chain; only REL files need the
// structures in this file.

import (
	"fmt"
	"os"
	"strings"
)

const (
	fileTypeDEL = 0x00
	fileTypeSEQ = 0x01
	fileTypePRG = 0x02
	fileTypeUSR = 0x03
	fileTypeREL = 0x04
	fileClosed  = 0x80
)

// FileTypeByte maps a CBM type letter ("DEL"/"SEQ"/"PRG"/"USR"/"REL", or
// the single-letter form) to the on-disk type nibble, with the closed
// bit set (every file this server ever leaves on disk is closed).
func FileTypeByte(letter string) byte {
	switch strings.ToUpper(strings.TrimSpace(letter)) {
	case "S", "SEQ":
		return fileClosed | fileTypeSEQ
	case "U", "USR":
		return fileClosed | fileTypeUSR
	case "R", "REL":
		return fileClosed | fileTypeREL
	case "D", "DEL":
		return fileClosed | fileTypeDEL
	default:
		return fileClosed | fileTypePRG
	}
}

type relD64IO struct {
	f      *os.File
	tracks int
}

func (rw *relD64IO) sectorOffset(track, sector int) (int64, error) {
	if track < 1 || track > rw.tracks {
		return 0, fmt.Errorf("track %d out of range", track)
	}
	if sector < 0 || sector >= d64SectorsOnTrack(track) {
		return 0, fmt.Errorf("sector %d out of range on track %d", sector, track)
	}
	off, err := d64TrackOffset(track)
	if err != nil {
		return 0, err
	}
	return int64(off) + int64(sector)*sectorSize, nil
}

func (rw *relD64IO) readSector(track, sector int) ([]byte, error) {
	off, err := rw.sectorOffset(track, sector)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sectorSize)
	if _, err := rw.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func (rw *relD64IO) writeSector(track, sector int, buf []byte) error {
	off, err := rw.sectorOffset(track, sector)
	if err != nil {
		return err
	}
	_, err = rw.f.WriteAt(buf, off)
	return err
}

// d64Bam adapts the track-18/sector-0 BAM buffer to dosGeometry's free-
// block bookkeeping callbacks.
type d64Bam struct{ buf []byte }

func (b *d64Bam) base(track int) int { return 4 + (track-1)*4 }

func (b *d64Bam) freeCount(track int) int { return int(b.buf[b.base(track)]) }

func (b *d64Bam) isFree(track, sector int) bool {
	base := b.base(track)
	return b.buf[base+1+sector/8]&(1<<uint(sector%8)) != 0
}

func (b *d64Bam) alloc(track, sector int) {
	base := b.base(track)
	idx := base + 1 + sector/8
	mask := byte(1 << uint(sector%8))
	if b.buf[idx]&mask != 0 {
		b.buf[idx] &^= mask
		if b.buf[base] > 0 {
			b.buf[base]--
		}
	}
}

func d64Geometry(bam *d64Bam, tracks int) *dosGeometry {
	return &dosGeometry{
		lastTrack:      tracks,
		dirTrack:       18,
		sectorsOnTrack: d64SectorsOnTrack,
		bamFreeCount:   bam.freeCount,
		bamIsFree:      bam.isFree,
		bamAlloc:       bam.alloc,
	}
}

// relSlotD64 is one directory slot located for REL access: the raw
// 256-byte directory sector plus the byte offset of the 32-byte entry
// within it (entOff+0 is the type byte, matching the absolute-sector
// numbering used throughout this package and spec.md's directory-slot
// layout).
type relSlotD64 struct {
	dirTrack, dirSector byte
	entOff              int
	sec                 []byte
}

func (s *relSlotD64) typeByte() byte     { return s.sec[s.entOff+0] }
func (s *relSlotD64) startTrack() byte   { return s.sec[s.entOff+1] }
func (s *relSlotD64) startSector() byte  { return s.sec[s.entOff+2] }
func (s *relSlotD64) ssTrack() byte      { return s.sec[s.entOff+19] }
func (s *relSlotD64) ssSector() byte     { return s.sec[s.entOff+20] }
func (s *relSlotD64) recordLen() byte    { return s.sec[s.entOff+21] }
func (s *relSlotD64) blocks() uint16     { return uint16(s.sec[s.entOff+28]) | uint16(s.sec[s.entOff+29])<<8 }
func (s *relSlotD64) setBlocks(n uint16) { s.sec[s.entOff+28] = byte(n); s.sec[s.entOff+29] = byte(n >> 8) }

// findRelSlot walks the directory chain at track 18 for a REL (or
// about-to-become-REL) file named name. When create is true and no slot
// is found, a free slot is initialised with the given name and type REL,
// start/side-sector fields still zero.
func findRelSlot(rw *relD64IO, name string, create bool) (*relSlotD64, bool, error) {
	norm := strings.ToUpper(strings.TrimSpace(name))
	nameBytes := encodeD64Name16(norm)

	var free *relSlotD64
	var lastT, lastS byte = 18, 1
	dirT, dirS := byte(18), byte(1)
	for dirT != 0 {
		sec, err := rw.readSector(int(dirT), int(dirS))
		if err != nil {
			return nil, false, err
		}
		nextT, nextS := sec[0], sec[1]
		lastT, lastS = dirT, dirS
		for i := 0; i < 8; i++ {
			off := 2 + i*32
			if sec[off] == 0 {
				if free == nil {
					free = &relSlotD64{dirTrack: dirT, dirSector: dirS, entOff: off, sec: sec}
				}
				continue
			}
			if strings.EqualFold(petsciiToASCIIName(sec[off+3:off+19]), norm) {
				return &relSlotD64{dirTrack: dirT, dirSector: dirS, entOff: off, sec: sec}, true, nil
			}
		}
		dirT, dirS = nextT, nextS
	}

	if !create {
		return nil, false, newStatusErr(StatusNotFound, "file not found")
	}
	if free == nil {
		return nil, false, newStatusErr(StatusTooLarge, "no free directory entry")
	}
	copy(free.sec[free.entOff+3:free.entOff+19], nameBytes)
	free.sec[free.entOff+0] = FileTypeByte("REL")
	_ = lastT
	_ = lastS
	return free, false, nil
}

// RelRecordIO reads or writes one fixed-length record of a REL file
// stored on a D64 image, threading the side-sector/super side-sector
// chain (relchain.go) and the directory slot's REL fields.
type RelRecordIO struct {
	imgPath   string
	name      string
	recordLen byte
}

// OpenRelD64 locates (or, if create, starts) a REL file's directory
// slot. Per spec.md's OPEN_RW adoption rule, requestedRecordLen==0
// against an existing file adopts the on-disk record length; against a
// new file it is an error, since there is nothing to adopt.
func OpenRelD64(imgPath, name string, requestedRecordLen int, create bool) (*RelRecordIO, int, error) {
	st, err := os.Stat(imgPath)
	if err != nil {
		return nil, 0, newStatusErr(StatusNotFound, "disk image not found")
	}
	_, tracks, err := detectD64Layout(st.Size())
	if err != nil {
		return nil, 0, newStatusErr(StatusBadRequest, "unsupported .d64 size")
	}

	f, err := os.OpenFile(imgPath, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, newStatusErr(StatusInternal, "failed to open disk image")
	}
	defer f.Close()
	rw := &relD64IO{f: f, tracks: tracks}

	slot, existed, err := findRelSlot(rw, name, create)
	if err != nil {
		return nil, 0, err
	}

	recLen := byte(requestedRecordLen)
	if existed {
		if (slot.typeByte() & 0x0f) != fileTypeREL {
			return nil, 0, newStatusErr(StatusNotSupported, "file exists and is not a REL file")
		}
		if requestedRecordLen == 0 {
			recLen = slot.recordLen()
		}
	} else {
		if requestedRecordLen == 0 {
			return nil, 0, newStatusErr(StatusBadRequest, "new REL file requires an explicit record length")
		}
		slot.setBlocks(0)
		if err := rw.writeSector(int(slot.dirTrack), int(slot.dirSector), slot.sec); err != nil {
			return nil, 0, newStatusErr(StatusInternal, "failed to write directory entry")
		}
		d64Cache.Delete(imgPath)
	}

	return &RelRecordIO{imgPath: imgPath, name: name, recordLen: recLen}, int(recLen), nil
}

func (h *RelRecordIO) open() (*os.File, *relD64IO, *relSlotD64, []byte, int, error) {
	st, err := os.Stat(h.imgPath)
	if err != nil {
		return nil, nil, nil, nil, 0, newStatusErr(StatusNotFound, "disk image not found")
	}
	_, tracks, err := detectD64Layout(st.Size())
	if err != nil {
		return nil, nil, nil, nil, 0, newStatusErr(StatusBadRequest, "unsupported .d64 size")
	}
	f, err := os.OpenFile(h.imgPath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, nil, 0, newStatusErr(StatusInternal, "failed to open disk image")
	}
	rw := &relD64IO{f: f, tracks: tracks}
	slot, _, err := findRelSlot(rw, h.name, false)
	if err != nil {
		f.Close()
		return nil, nil, nil, nil, 0, err
	}
	bamBuf, err := rw.readSector(18, 0)
	if err != nil {
		f.Close()
		return nil, nil, nil, nil, 0, newStatusErr(StatusInternal, "failed to read BAM")
	}
	return f, rw, slot, bamBuf, tracks, nil
}

func (h *RelRecordIO) engine(rw *relD64IO, bamBuf []byte, tracks int) *relEngine {
	return &relEngine{io: rw, geom: d64Geometry(&d64Bam{buf: bamBuf}, tracks)}
}

// ReadRecord returns the raw recordLen-byte record, which may span a
// data-block boundary; bytes past end-of-file within the record are
// returned as-is (0x00, matching a freshly expanded block's padding).
func (h *RelRecordIO) ReadRecord(recordNo uint32) ([]byte, error) {
	f, rw, slot, bamBuf, tracks, err := h.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	eng := h.engine(rw, bamBuf, tracks)
	dt, ds, byteOff, err := eng.relPosition(slot.ssTrack(), slot.ssSector(), h.recordLen, recordNo)
	if err != nil {
		return nil, err
	}
	return readRelSpan(rw, dt, ds, byteOff, int(h.recordLen))
}

// WriteRecord expands the file (allocating data/side/super sectors as
// needed) until recordNo exists, then writes data into it, padded with
// zero bytes to the full record length.
func (h *RelRecordIO) WriteRecord(recordNo uint32, data []byte) error {
	if len(data) > int(h.recordLen) {
		return newStatusErr(StatusRecordOverflow, "record longer than the file's record length")
	}
	f, rw, slot, bamBuf, tracks, err := h.open()
	if err != nil {
		return err
	}
	defer f.Close()

	eng := h.engine(rw, bamBuf, tracks)
	wasNew := slot.startTrack() == 0
	ssTrack, ssSector := slot.ssTrack(), slot.ssSector()
	_, blocks, err := eng.navigate(&ssTrack, &ssSector, nil, nil, h.recordLen, uint32(recordNo)+1)
	if err != nil {
		return err
	}

	if err := rw.writeSector(18, 0, bamBuf); err != nil {
		return newStatusErr(StatusInternal, "failed to write BAM")
	}

	dt, ds, byteOff, err := eng.relPosition(ssTrack, ssSector, h.recordLen, recordNo)
	if err != nil {
		return err
	}
	if err := writeRelSpan(rw, dt, ds, byteOff, data, int(h.recordLen)); err != nil {
		return err
	}

	slot.sec[slot.entOff+19] = ssTrack
	slot.sec[slot.entOff+20] = ssSector
	slot.sec[slot.entOff+21] = h.recordLen
	if wasNew {
		// The side-sector group head's first data-block pointer is the
		// file's very first allocated block, regardless of how many
		// expansion rounds navigate() needed to reach recordNo.
		headTrack, headSector := ssTrack, ssSector
		if eng.hasSSB {
			super, serr := rw.readSector(int(ssTrack), int(ssSector))
			if serr == nil {
				headTrack, headSector = super[sideOffNextTrack], super[sideOffNextSect]
			}
		}
		if head, herr := rw.readSector(int(headTrack), int(headSector)); herr == nil {
			slot.sec[slot.entOff+1] = head[sideOffData]
			slot.sec[slot.entOff+2] = head[sideOffData+1]
		}
	}
	slot.setBlocks(uint16(blocks))
	if err := rw.writeSector(int(slot.dirTrack), int(slot.dirSector), slot.sec); err != nil {
		return newStatusErr(StatusInternal, "failed to write directory entry")
	}
	if err := f.Sync(); err != nil {
		return newStatusErr(StatusInternal, "failed to sync image")
	}
	d64Cache.Delete(h.imgPath)
	return nil
}

func readRelSpan(rw *relD64IO, track, sector byte, byteOff, n int) ([]byte, error) {
	buf, err := rw.readSector(int(track), int(sector))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	avail := dataBytesPerSector - byteOff
	if avail > n {
		avail = n
	}
	copy(out[:avail], buf[2+byteOff:2+byteOff+avail])
	if avail < n {
		nextT, nextS := buf[0], buf[1]
		if nextT == 0 {
			return out, nil
		}
		buf2, err := rw.readSector(int(nextT), int(nextS))
		if err != nil {
			return nil, err
		}
		copy(out[avail:], buf2[2:2+(n-avail)])
	}
	return out, nil
}

func writeRelSpan(rw *relD64IO, track, sector byte, byteOff int, data []byte, recordLen int) error {
	buf, err := rw.readSector(int(track), int(sector))
	if err != nil {
		return err
	}
	padded := make([]byte, recordLen)
	copy(padded, data)

	avail := dataBytesPerSector - byteOff
	if avail > recordLen {
		avail = recordLen
	}
	copy(buf[2+byteOff:2+byteOff+avail], padded[:avail])
	if err := rw.writeSector(int(track), int(sector), buf); err != nil {
		return err
	}
	if avail < recordLen {
		nextT, nextS := buf[0], buf[1]
		if nextT == 0 {
			return newStatusErr(StatusInternal, "record spans past end of allocated chain")
		}
		buf2, err := rw.readSector(int(nextT), int(nextS))
		if err != nil {
			return err
		}
		copy(buf2[2:2+(recordLen-avail)], padded[avail:])
		if err := rw.writeSector(int(nextT), int(nextS), buf2); err != nil {
			return err
		}
	}
	return nil
}
