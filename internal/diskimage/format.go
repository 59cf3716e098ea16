package diskimage

import (
	"fmt"
)

// FormatD64 writes a blank, standard 35-track (683 sector) D64 image to
// path: every sector zeroed, BAM sector (18/0) initialised with all data
// sectors marked free and the directory header slot carrying name/id, and
// the first directory sector (18/1) linked with an end-of-chain marker and
// no entries.
//
// Grounded on spec.md §4.5.9 and original_source/pcserver/di_provider.c's
// format handling (BAM initialised full-free, directory emptied, disk
// name/id written into the BAM header sector).
func FormatD64(path, name, id string) error {
	const tracks = 35
	sectorsOnTrack := func(t int) int {
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

	total := 0
	for t := 1; t <= tracks; t++ {
		total += sectorsOnTrack(t)
	}
	img := make([]byte, total*sectorSize)

	trackOffset := make([]int, tracks+1)
	off := 0
	for t := 1; t <= tracks; t++ {
		trackOffset[t] = off
		off += sectorsOnTrack(t) * sectorSize
	}

	bam := img[trackOffset[18] : trackOffset[18]+sectorSize]
	bam[0] = 18 // link to first directory sector
	bam[1] = 1
	bam[2] = 0x41 // DOS version 'A'

	for t := 1; t <= tracks; t++ {
		if t == 18 {
			// Track 18 holds BAM+dir; mark all sectors used so file
			// allocation never collides with them.
			base := 4 + (t-1)*4
			bam[base] = 0
			bam[base+1] = 0
			bam[base+2] = 0
			bam[base+3] = 0
			continue
		}
		n := sectorsOnTrack(t)
		base := 4 + (t-1)*4
		bam[base] = byte(n)
		// Bitmap: bit i set means sector i is free. n <= 21 bits fit in
		// 3 bytes.
		var bits [3]byte
		for s := 0; s < n; s++ {
			bits[s/8] |= 1 << uint(s%8)
		}
		bam[base+1], bam[base+2], bam[base+3] = bits[0], bits[1], bits[2]
	}

	nameBytes := encodeD64Name16(name)
	copy(bam[0x90:0x90+16], nameBytes)
	idBytes := []byte(id)
	if len(idBytes) > 5 {
		idBytes = idBytes[:5]
	}
	for i := range bam[0xA2 : 0xA2+5] {
		bam[0xA2+i] = 0xA0
	}
	copy(bam[0xA2:0xA2+5], idBytes)

	// First directory sector: end of chain, no entries.
	dir := img[trackOffset[18]+sectorSize : trackOffset[18]+2*sectorSize]
	dir[0] = 0
	dir[1] = 0xFF

	return writeFileAtomic(path, img, 0o644)
}

// FormatD71 writes a blank, double-sided 70-track D71 image: every sector
// zeroed, the side-1 BAM (18/0) and side-2 BAM (53/0) initialised all-free
// per track, track 18 itself marked fully used, and the disk-name header
// written into 18/0 the same way a 1571 does it (name/id share the block
// with the side-1 BAM, unlike the 1581's separate header sector).
//
// Grounded on spec.md §4.5.9 and original_source/pcserver/di_provider.c's
// di_format (disk-header fields, per-track BAM bitmap reset, double-sided
// marker byte).
func FormatD71(path, name, id string) error {
	const tracks = 70
	total := 0
	for t := 1; t <= tracks; t++ {
		total += sectorsOnD64Track(d71Side1Track(t))
	}
	img := make([]byte, total*sectorSize)

	trackOffset := make([]int, tracks+1)
	off := 0
	for t := 1; t <= tracks; t++ {
		trackOffset[t] = off
		off += sectorsOnD64Track(d71Side1Track(t)) * sectorSize
	}

	bam0 := img[trackOffset[18] : trackOffset[18]+sectorSize]
	bam1 := img[trackOffset[53] : trackOffset[53]+sectorSize]

	bam0[0] = 18
	bam0[1] = 1
	bam0[2] = 0x41 // DOS version 'A'
	bam0[3] = 0x80 // double-sided marker

	for t := 1; t <= 35; t++ {
		base := 4 + (t-1)*4
		if t == 18 {
			bam0[base], bam0[base+1], bam0[base+2], bam0[base+3] = 0, 0, 0, 0
			continue
		}
		n := sectorsOnD64Track(t)
		bam0[base] = byte(n)
		var bits [3]byte
		for s := 0; s < n; s++ {
			bits[s/8] |= 1 << uint(s%8)
		}
		bam0[base+1], bam0[base+2], bam0[base+3] = bits[0], bits[1], bits[2]
	}
	for t := 36; t <= 70; t++ {
		idx := t - 36
		n := sectorsOnD64Track(d71Side1Track(t))
		bam0[0xDD+idx] = byte(n)
		bmOff := idx * 3
		var bits [3]byte
		for s := 0; s < n; s++ {
			bits[s/8] |= 1 << uint(s%8)
		}
		bam1[bmOff], bam1[bmOff+1], bam1[bmOff+2] = bits[0], bits[1], bits[2]
	}

	nameBytes := encodeD64Name16(name)
	copy(bam0[0x90:0x90+16], nameBytes)
	idBytes := []byte(id)
	if len(idBytes) > 5 {
		idBytes = idBytes[:5]
	}
	for i := range bam0[0xA2 : 0xA2+5] {
		bam0[0xA2+i] = 0xA0
	}
	copy(bam0[0xA2:0xA2+5], idBytes)
	bam1[0] = 0xA0 // unused link byte on the side-2 BAM sector, matches a freshly-formatted 1571

	dir := img[trackOffset[18]+sectorSize : trackOffset[18]+2*sectorSize]
	dir[0] = 0
	dir[1] = 0xFF

	return writeFileAtomic(path, img, 0o644)
}

// FormatD81 writes a blank 80-track D81 image: every sector zeroed, the
// two BAM sectors (40/1, 40/2) initialised all-free per track except the
// system track itself, the header sector (40/0) carrying the disk name/id
// and DOS type "3D", and the directory sectors 40/3..40/39 left empty and
// linked in order into one chain. Only the last of them (40/39) carries
// the end-of-chain link (0, 0xFF); the first directory sector 40/3 links
// on to 40/4.
//
// Grounded on spec.md §4.5.9 and original_source/pcserver/di_provider.c's
// di_format (HdrOffset==4 header layout, 0xa0-padded name/id fields).
func FormatD81(path, name, id string) error {
	img := make([]byte, d81Size)

	hdr := d81ReadSector(img, int(d81DirTrack), 0)
	hdr[0] = uint8(d81DirTrack)
	hdr[1] = d81DirSector
	hdr[2] = 'D'
	for i := 4; i < 4+25; i++ {
		hdr[i] = 0xA0
	}
	nameBytes := encodeD64Name16(name)
	copy(hdr[4:4+16], nameBytes)
	idBytes := []byte(id)
	if len(idBytes) > 2 {
		idBytes = idBytes[:2]
	}
	copy(hdr[4+18:4+20], idBytes)
	copy(hdr[4+21:4+23], []byte{'3', 'D'})

	for s := 3; s < d81SectorsPerTrack; s++ {
		sec := d81ReadSector(img, int(d81DirTrack), s)
		if s < d81SectorsPerTrack-1 {
			sec[0] = uint8(d81DirTrack)
			sec[1] = uint8(s + 1)
		} else {
			sec[0] = 0
			sec[1] = 0xFF
		}
	}

	b, err := newD81BAMAt(img, int(d81DirTrack))
	if err != nil {
		return err
	}
	b.bam1[0] = 0
	b.bam1[1] = 0xFF
	b.bam1[2] = 'D'
	b.bam1[3] = 0x81
	b.bam1[4] = 0x00
	b.bam1[5] = 0x00
	copy(b.bam1[6:6+2], idBytes)
	b.bam1[8] = 0xA0
	b.bam1[9] = '3'
	b.bam1[10] = 'D'
	copy(b.bam1[11:11+4], []byte{0xA0, 0xA0, 0xA0, 0xA0})
	b.bam2[0] = 0
	b.bam2[1] = 0xFF
	b.bam2[2] = 'D'
	b.bam2[3] = 0x81

	for t := 1; t <= d81Tracks; t++ {
		if t == int(d81DirTrack) {
			if err := b.setTrackAllUsed(t); err != nil {
				return err
			}
			continue
		}
		if err := b.setTrackAllFree(t); err != nil {
			return err
		}
	}

	return writeFileAtomic(path, img, 0o644)
}

// FreeBlocksD64 reports free blocks as 664 (the 683 sectors of a 35-track
// image minus the 19 on track 18) minus the sectors of every parsed file's
// data chain. It does not read the BAM, so sectors allocated outside a
// file's data chain (REL side sectors, for instance) count as free.
func FreeBlocksD64(img *D64) (int, error) {
	if img == nil {
		return 0, fmt.Errorf("nil image")
	}
	// The parser does not retain the raw BAM bytes, so free space is
	// computed from the directory instead: total allocatable sectors
	// minus sectors claimed by every live file chain.
	used := 0
	for _, fe := range img.Files {
		used += len(fe.Sectors)
	}
	total := 664 // 683 sectors - 19 on track 18
	free := total - used
	if free < 0 {
		free = 0
	}
	return free, nil
}
