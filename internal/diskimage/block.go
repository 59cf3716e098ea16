package diskimage

import (
	"fmt"
	"os"
)

// d64SectorsOnTrack mirrors the table in FormatD64; kept alongside the
// other D64 geometry helpers rather than factored out, matching the
// teacher's own preference for small local closures over a shared table.
func d64SectorsOnTrack(t int) int {
	switch {
	case t >= 1 && t <= 17:
		return 21
	case t >= 18 && t <= 24:
		return 19
	case t >= 25 && t <= 30:
		return 18
	default:
		return 17
	}
}

func d64TrackOffset(t int) (int, error) {
	if t < 1 || t > 35 {
		return 0, fmt.Errorf("track %d out of range", t)
	}
	off := 0
	for i := 1; i < t; i++ {
		off += d64SectorsOnTrack(i) * sectorSize
	}
	return off, nil
}

// ReadSectorD64 returns the 256 raw bytes at (track, sector), the
// low-level block access the U1/UA ("block read") command needs beyond
// what the file-oriented engine exposes (spec.md §4.5.8).
func ReadSectorD64(imgPath string, track, sector int) ([]byte, error) {
	off, err := d64TrackOffset(track)
	if err != nil {
		return nil, err
	}
	if sector < 0 || sector >= d64SectorsOnTrack(track) {
		return nil, fmt.Errorf("sector %d out of range on track %d", sector, track)
	}
	img, err := os.ReadFile(imgPath)
	if err != nil {
		return nil, err
	}
	start := off + sector*sectorSize
	if start+sectorSize > len(img) {
		return nil, fmt.Errorf("sector %d/%d beyond image size", track, sector)
	}
	out := make([]byte, sectorSize)
	copy(out, img[start:start+sectorSize])
	return out, nil
}

// WriteSectorD64 overwrites the 256 raw bytes at (track, sector) in
// place, for U2/UB ("block write").
func WriteSectorD64(imgPath string, track, sector int, data []byte) error {
	off, err := d64TrackOffset(track)
	if err != nil {
		return err
	}
	if sector < 0 || sector >= d64SectorsOnTrack(track) {
		return fmt.Errorf("sector %d out of range on track %d", sector, track)
	}
	img, err := os.ReadFile(imgPath)
	if err != nil {
		return err
	}
	start := off + sector*sectorSize
	if start+sectorSize > len(img) {
		return fmt.Errorf("sector %d/%d beyond image size", track, sector)
	}
	n := copy(img[start:start+sectorSize], data)
	for ; n < sectorSize; n++ {
		img[start+n] = 0
	}
	return writeFileAtomic(imgPath, img, 0o644)
}

// SetSectorAllocatedD64 flips the free/used bit for (track, sector) in
// the track-18 BAM sector, for B-A/B-F (block allocate/free).
func SetSectorAllocatedD64(imgPath string, track, sector int, allocated bool) error {
	if track < 1 || track > 35 || track == 18 {
		return fmt.Errorf("track %d has no allocatable BAM entry", track)
	}
	bamOff, err := d64TrackOffset(18)
	if err != nil {
		return err
	}
	img, err := os.ReadFile(imgPath)
	if err != nil {
		return err
	}
	base := bamOff + 4 + (track-1)*4
	if base+4 > len(img) {
		return fmt.Errorf("image too small for BAM")
	}
	byteIdx := base + 1 + sector/8
	bit := byte(1 << uint(sector%8))
	free := img[byteIdx]&bit != 0
	if allocated && free {
		img[byteIdx] &^= bit
		img[base]--
	} else if !allocated && !free {
		img[byteIdx] |= bit
		img[base]++
	}
	return writeFileAtomic(imgPath, img, 0o644)
}
