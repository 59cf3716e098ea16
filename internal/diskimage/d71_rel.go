package diskimage

// REL file support for the D71 (1571) engine. A 1571 is a double-sided
// 1541: same side-sector-group layout as D64 (no super side sector), just
// with 70 linearly-numbered tracks and a BAM split across track 18 (side
// 1 counts/bitmaps plus the free-count table for side 2) and track 53
// (side 2 bitmaps). Reuses relchain.go's navigate()/relPosition() with
// hasSSB false, same as D64.

import (
	"fmt"
	"os"
	"strings"
)

type relD71IO struct {
	rw *d71RW
	f  *os.File
}

func (rw *relD71IO) readSector(track, sector int) ([]byte, error) {
	off := rw.rw.sectorOff(track, sector)
	if off < 0 {
		return nil, fmt.Errorf("sector %d/%d out of range", track, sector)
	}
	buf := make([]byte, 256)
	if _, err := rw.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func (rw *relD71IO) writeSector(track, sector int, buf []byte) error {
	off := rw.rw.sectorOff(track, sector)
	if off < 0 {
		return fmt.Errorf("sector %d/%d out of range", track, sector)
	}
	_, err := rw.f.WriteAt(buf, off)
	return err
}

// d71Bam mirrors d71_write.go's bamMeta split: track 18 sector 0 holds
// the BAM for tracks 1-35 plus the free-count table for 36-70, track 53
// sector 0 holds the allocation bitmaps for 36-70.
type d71Bam struct {
	bam0, bam1  []byte
	doubleSided bool
}

func (b *d71Bam) meta(track int) (*byte, []byte, error) {
	if track <= 35 {
		off := 4 + (track-1)*4
		return &b.bam0[off], b.bam0[off+1 : off+4], nil
	}
	idx := track - 36
	fcOff := 0xDD + idx
	bmOff := idx * 3
	if fcOff >= len(b.bam0) || bmOff+3 > len(b.bam1) {
		return nil, nil, fmt.Errorf("bam layout out of range for track %d", track)
	}
	return &b.bam0[fcOff], b.bam1[bmOff : bmOff+3], nil
}

func (b *d71Bam) freeCount(track int) int {
	if !b.doubleSided && track > 35 {
		return 0
	}
	fc, _, err := b.meta(track)
	if err != nil {
		return 0
	}
	return int(*fc)
}

func (b *d71Bam) isFree(track, sector int) bool {
	if !b.doubleSided && track > 35 {
		return false
	}
	_, bm, err := b.meta(track)
	if err != nil || sector < 0 || sector >= 24 {
		return false
	}
	return (bm[sector/8] & (1 << uint(sector%8))) != 0
}

func (b *d71Bam) alloc(track, sector int) {
	if !b.doubleSided && track > 35 {
		return
	}
	fc, bm, err := b.meta(track)
	if err != nil || sector < 0 || sector >= 24 {
		return
	}
	mask := byte(1 << uint(sector%8))
	if bm[sector/8]&mask != 0 {
		bm[sector/8] &^= mask
		if *fc > 0 {
			*fc--
		}
	}
}

func d71Geometry(bam *d71Bam, tracks int) *dosGeometry {
	maxT := tracks
	if !bam.doubleSided {
		maxT = 35
	}
	return &dosGeometry{
		lastTrack:      maxT,
		dirTrack:       18,
		sectorsOnTrack: sectorsOnD71Track,
		bamFreeCount:   bam.freeCount,
		bamIsFree:      bam.isFree,
		bamAlloc:       bam.alloc,
	}
}

func sectorsOnD71Track(t int) int {
	if t > 35 {
		t -= 35
	}
	return sectorsOnD64Track(t)
}

type relSlotD71 struct {
	dirTrack, dirSector byte
	entOff              int
	sec                 []byte
}

func (s *relSlotD71) typeByte() byte    { return s.sec[s.entOff+0] }
func (s *relSlotD71) startTrack() byte  { return s.sec[s.entOff+1] }
func (s *relSlotD71) startSector() byte { return s.sec[s.entOff+2] }
func (s *relSlotD71) ssTrack() byte     { return s.sec[s.entOff+19] }
func (s *relSlotD71) ssSector() byte    { return s.sec[s.entOff+20] }
func (s *relSlotD71) recordLen() byte   { return s.sec[s.entOff+21] }
func (s *relSlotD71) blocks() uint16 {
	return uint16(s.sec[s.entOff+28]) | uint16(s.sec[s.entOff+29])<<8
}
func (s *relSlotD71) setBlocks(n uint16) {
	s.sec[s.entOff+28] = byte(n)
	s.sec[s.entOff+29] = byte(n >> 8)
}

func findRelSlotD71(rw *relD71IO, name string, create bool) (*relSlotD71, bool, error) {
	normName, err := sanitizeD64Name(name)
	if err != nil {
		return nil, false, err
	}
	dirT, dirS := 18, 1
	var free *relSlotD71
	for {
		sec, err := rw.readSector(dirT, dirS)
		if err != nil {
			return nil, false, newStatusErr(StatusInternal, "failed to read directory sector")
		}
		nextT, nextS := sec[0], sec[1]
		for i := 0; i < 8; i++ {
			off := 2 + i*32
			ft := sec[off]
			if ft == 0 {
				if free == nil {
					free = &relSlotD71{dirTrack: byte(dirT), dirSector: byte(dirS), entOff: off, sec: sec}
				}
				continue
			}
			nm := strings.TrimRight(petsciiToASCIIName(sec[off+3:off+19]), " ")
			if strings.EqualFold(nm, normName) {
				return &relSlotD71{dirTrack: byte(dirT), dirSector: byte(dirS), entOff: off, sec: sec}, true, nil
			}
		}
		if nextT == 0 {
			break
		}
		dirT, dirS = int(nextT), int(nextS)
	}
	if !create {
		return nil, false, newStatusErr(StatusNotFound, "file not found")
	}
	if free == nil {
		return nil, false, newStatusErr(StatusTooLarge, "directory full")
	}
	for i := 0; i < 30; i++ {
		free.sec[free.entOff+i] = 0
	}
	copy(free.sec[free.entOff+3:free.entOff+19], encodeD64Name16(normName))
	free.sec[free.entOff+0] = FileTypeByte("REL")
	if err := rw.writeSector(int(free.dirTrack), int(free.dirSector), free.sec); err != nil {
		return nil, false, newStatusErr(StatusInternal, "failed to write directory entry")
	}
	return free, false, nil
}

// RelRecordIOD71 is the D71 analogue of RelRecordIO.
type RelRecordIOD71 struct {
	imgPath   string
	name      string
	recordLen byte
}

func OpenRelD71(imgPath, name string, requestedRecordLen int, create bool) (*RelRecordIOD71, int, error) {
	base, err := NewD71(imgPath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(imgPath, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, newStatusErr(StatusInternal, "failed to open disk image for writing")
	}
	defer f.Close()

	rw := &relD71IO{rw: base, f: f}
	slot, existed, err := findRelSlotD71(rw, name, create)
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
	} else if requestedRecordLen == 0 {
		return nil, 0, newStatusErr(StatusBadRequest, "new REL file requires an explicit record length")
	}
	d71Cache.Delete(imgPath)
	return &RelRecordIOD71{imgPath: imgPath, name: name, recordLen: recLen}, int(recLen), nil
}

func (h *RelRecordIOD71) open() (*os.File, *relD71IO, *relSlotD71, *d71Bam, error) {
	base, err := NewD71(h.imgPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	f, err := os.OpenFile(h.imgPath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, nil, newStatusErr(StatusInternal, "failed to open disk image for writing")
	}
	rw := &relD71IO{rw: base, f: f}
	slot, _, err := findRelSlotD71(rw, h.name, false)
	if err != nil {
		f.Close()
		return nil, nil, nil, nil, err
	}
	bam0, err := rw.readSector(18, 0)
	if err != nil {
		f.Close()
		return nil, nil, nil, nil, newStatusErr(StatusInternal, "failed to read BAM")
	}
	bam1, err := rw.readSector(53, 0)
	if err != nil {
		f.Close()
		return nil, nil, nil, nil, newStatusErr(StatusInternal, "failed to read BAM")
	}
	bam := &d71Bam{bam0: bam0, bam1: bam1, doubleSided: (bam0[3] & 0x80) != 0}
	return f, rw, slot, bam, nil
}

func (h *RelRecordIOD71) engine(rw *relD71IO, bam *d71Bam, tracks int) *relEngine {
	return &relEngine{io: rw, geom: d71Geometry(bam, tracks)}
}

func (h *RelRecordIOD71) ReadRecord(recordNo uint32) ([]byte, error) {
	f, rw, slot, bam, err := h.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	eng := h.engine(rw, bam, rw.rw.Tracks)
	dt, ds, byteOff, err := eng.relPosition(slot.ssTrack(), slot.ssSector(), h.recordLen, recordNo)
	if err != nil {
		return nil, err
	}
	return readRelSpanD71(rw, dt, ds, byteOff, int(h.recordLen))
}

func (h *RelRecordIOD71) WriteRecord(recordNo uint32, data []byte) error {
	if len(data) > int(h.recordLen) {
		return newStatusErr(StatusRecordOverflow, "record longer than the file's record length")
	}
	f, rw, slot, bam, err := h.open()
	if err != nil {
		return err
	}
	defer f.Close()

	eng := h.engine(rw, bam, rw.rw.Tracks)
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
	if err := writeRelSpanD71(rw, dt, ds, byteOff, data, int(h.recordLen)); err != nil {
		return err
	}

	slot.sec[slot.entOff+19] = ssTrack
	slot.sec[slot.entOff+20] = ssSector
	slot.sec[slot.entOff+21] = h.recordLen
	if wasNew {
		if head, herr := rw.readSector(int(ssTrack), int(ssSector)); herr == nil {
			slot.sec[slot.entOff+1] = head[sideOffData]
			slot.sec[slot.entOff+2] = head[sideOffData+1]
		}
	}
	slot.setBlocks(uint16(blocks))

	if err := rw.writeSector(int(slot.dirTrack), int(slot.dirSector), slot.sec); err != nil {
		return newStatusErr(StatusInternal, "failed to write directory entry")
	}
	if err := rw.writeSector(18, 0, bam.bam0); err != nil {
		return newStatusErr(StatusInternal, "failed to write BAM")
	}
	if err := rw.writeSector(53, 0, bam.bam1); err != nil {
		return newStatusErr(StatusInternal, "failed to write BAM")
	}
	if err := f.Sync(); err != nil {
		return newStatusErr(StatusInternal, "failed to sync image")
	}
	d71Cache.Delete(h.imgPath)
	return nil
}

func readRelSpanD71(rw *relD71IO, track, sector byte, byteOff, n int) ([]byte, error) {
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

func writeRelSpanD71(rw *relD71IO, track, sector byte, byteOff int, data []byte, recordLen int) error {
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
