package diskimage

// REL file support for the D81 (1581) engine. Unlike D64/D71, a 1581
// image keeps a super side sector (HasSSB, spec.md's D81/D82 flag) on
// top of the ordinary side-sector group, so a file's directory-slot
// side-sector field names the super sector rather than a side sector
// directly. Reuses the d81BAM bookkeeping and directory-slot layout from
// d81_write.go, and the shared navigate()/relPosition() engine in
// relchain.go.

import (
	"fmt"
	"os"
	"strings"
)

type relD81IO struct{ img []byte }

func (rw *relD81IO) readSector(track, sector int) ([]byte, error) {
	off := d81SectorOffset(track, sector)
	if off < 0 || off+256 > len(rw.img) {
		return nil, fmt.Errorf("sector %d/%d out of range", track, sector)
	}
	buf := make([]byte, 256)
	copy(buf, rw.img[off:off+256])
	return buf, nil
}

func (rw *relD81IO) writeSector(track, sector int, buf []byte) error {
	off := d81SectorOffset(track, sector)
	if off < 0 || off+256 > len(rw.img) {
		return fmt.Errorf("sector %d/%d out of range", track, sector)
	}
	copy(rw.img[off:off+256], buf)
	return nil
}

func d81Geometry(bam *d81BAM) *dosGeometry {
	return &dosGeometry{
		lastTrack:      d81Tracks,
		dirTrack:       bam.sysTrack,
		sectorsOnTrack: func(int) int { return d81SectorsPerTrack },
		bamFreeCount: func(track int) int {
			n, _ := bam.trackFreeCount(track)
			return n
		},
		bamIsFree: func(track, sector int) bool {
			free, _ := bam.isFree(track, sector)
			return free
		},
		bamAlloc: func(track, sector int) {
			_ = bam.markUsed(track, sector)
		},
	}
}

// relSlotD81 mirrors relSlotD64 over the flat in-memory image buffer
// d81_write.go already operates on, using the same absolute-sector-offset
// field numbering (type at the slot's byte 2, first T/S at 3-4, name at
// 5-20, side-sector T/S at 21-22, record length at 23).
type relSlotD81 struct {
	off int // absolute byte offset of the 32-byte slot within img
	img []byte
}

func (s *relSlotD81) typeByte() byte    { return s.img[s.off+2] }
func (s *relSlotD81) startTrack() byte  { return s.img[s.off+3] }
func (s *relSlotD81) startSector() byte { return s.img[s.off+4] }
func (s *relSlotD81) ssTrack() byte     { return s.img[s.off+21] }
func (s *relSlotD81) ssSector() byte    { return s.img[s.off+22] }
func (s *relSlotD81) recordLen() byte   { return s.img[s.off+23] }
func (s *relSlotD81) blocks() uint16    { return uint16(s.img[s.off+30]) | uint16(s.img[s.off+31])<<8 }
func (s *relSlotD81) setBlocks(n uint16) {
	s.img[s.off+30] = byte(n)
	s.img[s.off+31] = byte(n >> 8)
}

func findRelSlotD81(img []byte, ctx d81FSContext, name string, create bool) (*relSlotD81, bool, error) {
	loc, freeLoc, _, err := findD81DirSlot(img, ctx, name)
	if err != nil {
		return nil, false, err
	}
	if loc.found {
		return &relSlotD81{off: loc.slotOff, img: img}, true, nil
	}
	if !create {
		return nil, false, newStatusErr(StatusNotFound, "file not found")
	}
	if !freeLoc.found {
		return nil, false, newStatusErr(StatusTooLarge, "directory full")
	}
	slot := &relSlotD81{off: freeLoc.slotOff, img: img}
	for i := 0; i < 32; i++ {
		img[slot.off+i] = 0
	}
	for i := 0; i < 16; i++ {
		img[slot.off+5+i] = 0xA0
	}
	nb := []byte(strings.ToUpper(strings.TrimSpace(name)))
	if len(nb) > 16 {
		nb = nb[:16]
	}
	copy(img[slot.off+5:slot.off+21], nb)
	img[slot.off+2] = FileTypeByte("REL")
	return slot, false, nil
}

// RelRecordIOD81 is the D81 analogue of RelRecordIO, threading the
// super side sector in addition to the side-sector group.
type RelRecordIOD81 struct {
	imgPath   string
	name      string
	ctx       d81FSContext
	recordLen byte
}

func OpenRelD81(imgPath, name string, requestedRecordLen int, create bool) (*RelRecordIOD81, int, error) {
	img, err := os.ReadFile(imgPath)
	if err != nil {
		return nil, 0, newStatusErr(StatusNotFound, "disk image not found")
	}
	if int64(len(img)) < d81BytesNoErrorInfo {
		return nil, 0, newStatusErr(StatusBadRequest, "invalid d81 image")
	}
	ctx := d81FSContext{sysTrack: d81DirTrack, dirStartT: d81DirTrack, dirStartS: d81DirSector}

	slot, existed, err := findRelSlotD81(img, ctx, name, create)
	if err != nil {
		return nil, 0, err
	}
	recLen := byte(requestedRecordLen)
	if existed {
		if (slot.typeByte() & 0x07) != fileTypeREL {
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
		if err := atomicWriteFile(imgPath, img, 0o644); err != nil {
			return nil, 0, newStatusErr(StatusInternal, "failed to write directory entry")
		}
		d81Cache.Delete(imgPath)
	}
	return &RelRecordIOD81{imgPath: imgPath, name: name, ctx: ctx, recordLen: recLen}, int(recLen), nil
}

func (h *RelRecordIOD81) load() ([]byte, *relD81IO, *d81BAM, *relSlotD81, error) {
	img, err := os.ReadFile(h.imgPath)
	if err != nil {
		return nil, nil, nil, nil, newStatusErr(StatusNotFound, "disk image not found")
	}
	bam, err := newD81BAMAt(img, h.ctx.sysTrack)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	slot, _, err := findRelSlotD81(img, h.ctx, h.name, false)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return img, &relD81IO{img: img}, bam, slot, nil
}

func (h *RelRecordIOD81) engine(rw *relD81IO, bam *d81BAM) *relEngine {
	return &relEngine{io: rw, geom: d81Geometry(bam), hasSSB: true}
}

func (h *RelRecordIOD81) ReadRecord(recordNo uint32) ([]byte, error) {
	_, rw, bam, slot, err := h.load()
	if err != nil {
		return nil, err
	}
	eng := h.engine(rw, bam)
	dt, ds, byteOff, err := eng.relPosition(slot.ssTrack(), slot.ssSector(), h.recordLen, recordNo)
	if err != nil {
		return nil, err
	}
	return readRelSpanImg(rw, dt, ds, byteOff, int(h.recordLen))
}

func (h *RelRecordIOD81) WriteRecord(recordNo uint32, data []byte) error {
	if len(data) > int(h.recordLen) {
		return newStatusErr(StatusRecordOverflow, "record longer than the file's record length")
	}
	img, rw, bam, slot, err := h.load()
	if err != nil {
		return err
	}
	eng := h.engine(rw, bam)
	wasNew := slot.startTrack() == 0
	ssTrack, ssSector := slot.ssTrack(), slot.ssSector()
	_, blocks, err := eng.navigate(&ssTrack, &ssSector, nil, nil, h.recordLen, recordNo+1)
	if err != nil {
		return err
	}

	dt, ds, byteOff, err := eng.relPosition(ssTrack, ssSector, h.recordLen, recordNo)
	if err != nil {
		return err
	}
	if err := writeRelSpanImg(rw, dt, ds, byteOff, data, int(h.recordLen)); err != nil {
		return err
	}

	slot.img[slot.off+21] = ssTrack
	slot.img[slot.off+22] = ssSector
	slot.img[slot.off+23] = h.recordLen
	if wasNew {
		super, serr := rw.readSector(int(ssTrack), int(ssSector))
		if serr == nil {
			headTrack, headSector := super[sideOffNextTrack], super[sideOffNextSect]
			if head, herr := rw.readSector(int(headTrack), int(headSector)); herr == nil {
				slot.img[slot.off+3] = head[sideOffData]
				slot.img[slot.off+4] = head[sideOffData+1]
			}
		}
	}
	slot.setBlocks(uint16(blocks))

	if err := atomicWriteFile(h.imgPath, img, 0o644); err != nil {
		return newStatusErr(StatusInternal, "failed to write image")
	}
	d81Cache.Delete(h.imgPath)
	return nil
}

func readRelSpanImg(rw *relD81IO, track, sector byte, byteOff, n int) ([]byte, error) {
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

func writeRelSpanImg(rw *relD81IO, track, sector byte, byteOff int, data []byte, recordLen int) error {
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
