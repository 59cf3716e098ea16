package diskimage

// This file implements the REL file side-sector / super side-sector
// machinery and the CBM DOS block allocation order (INTTS/NXTTS/GETSEC),
// shared by the D64, D71 and D81 write paths. Grounded on
// original_source/pcserver/di_provider.c's di_rel_navigate,
// di_find_free_block_INTTS/NXTTS and di_scan_BAM_GETSEC, which describe
// exactly how a 1541/1571/1581 drive lays out a REL file's side sectors
// and in what order it hands out free blocks.

import "fmt"

// Side sector layout (one 256-byte sector per group member, up to
// sideSectorsMax per group):
//
//	0    next track (0 on the last side sector of the file)
//	1    next sector, or (on the last side sector) the high-water byte:
//	     sideOffData + 2*n - 1 for n blocks recorded
//	2    index of this side sector within its group (0..5)
//	3    record length
//	4-15 track/sector of every side sector in the group (6 entries,
//	     redundant copies kept in sync across all members)
//	16-255 track/sector of up to 120 data blocks
const (
	sideSectorsMax = 6
	sideDataMax    = 120

	sideOffNextTrack = 0
	sideOffNextSect  = 1
	sideOffIndex     = 2
	sideOffRecLen    = 3
	sideOffGroup     = 4
	sideOffData      = 16
)

// Super side sector layout (D81/D82 only, one per file):
//
//	0-1  track/sector of the first side sector
//	2    marker byte, always 254
//	3    reserved
//	4-255 track/sector of up to 126 side-sector-group heads
const (
	superGroupsMax = 126
	superOffMarker = 2
	superMarker    = 254
	superOffGroup  = 4
)

const (
	dirInterleave = 3  // DOS interleave when allocating on the directory track
	datInterleave = 10 // DOS interleave when allocating on any other track
)

// dosGeometry is what INTTS/NXTTS/GETSEC need to know about one image's
// physical layout and current BAM state. track numbers run 1..lastTrack
// over the whole image, including both sides of a double-sided D71.
type dosGeometry struct {
	lastTrack      int
	dirTrack       int
	sectorsOnTrack func(track int) int
	bamFreeCount   func(track int) int
	bamIsFree      func(track, sector int) bool
	bamAlloc       func(track, sector int)
}

func (g *dosGeometry) lastSector(track int) int {
	return g.sectorsOnTrack(track) - 1
}

// scanGetSec mimics GETSEC (8250 DOS at $FA35): a linear scan for a free
// sector starting at firstSector and only ever moving forward. This is
// also the origin of a well known DOS quirk: a free sector that sorts
// before firstSector on the same track is never found by this call alone.
func scanGetSec(g *dosGeometry, track, firstSector int) int {
	last := g.lastSector(track)
	for s := firstSector; s <= last; s++ {
		if g.bamIsFree(track, s) {
			return s
		}
	}
	return -1
}

// allocINTTS picks the first data sector of a brand new file: it walks
// outward from the directory track, alternating below/above, until it
// finds a track with at least one free block, then takes the first free
// sector on it via scanGetSec(...,0).
func allocINTTS(g *dosGeometry) (int, int, error) {
	track := 0
	for counter := 1; ; counter++ {
		below := g.dirTrack - counter
		if below > 0 && g.bamFreeCount(below) > 0 {
			track = below
			break
		}
		above := g.dirTrack + counter
		if above <= g.lastTrack && g.bamFreeCount(above) > 0 {
			track = above
			break
		}
		if below <= 0 && above > g.lastTrack {
			return 0, 0, fmt.Errorf("disk full")
		}
	}
	sector := scanGetSec(g, track, 0)
	if sector < 0 {
		return 0, 0, fmt.Errorf("disk full")
	}
	g.bamAlloc(track, sector)
	return track, sector, nil
}

// allocNXTTS picks the next sector of a file chain that already has at
// least one block at (track,sector): it interleaves by dirInterleave on
// the directory track or datInterleave elsewhere, falling back to the
// start of the track, and when the starting track itself is full it
// walks outward away from the directory track before giving up with
// DISK_FULL.
func allocNXTTS(g *dosGeometry, track, sector int) (int, int, error) {
	dirTrack := g.dirTrack
	var interleave, counter int
	if track == dirTrack {
		interleave = dirInterleave
		counter = 1
	} else {
		interleave = datInterleave
		counter = 3
	}

	for counter > 0 {
		if g.bamFreeCount(track) > 0 {
			break
		}
		if track == dirTrack {
			counter = 0
			break
		}
		if track < dirTrack {
			track--
			if track == 0 {
				sector = 0
				track = dirTrack + 1
				counter--
				continue
			}
		} else {
			track++
			if track > g.lastTrack {
				sector = 0
				track = dirTrack - 1
				counter--
				continue
			}
		}
	}
	if counter <= 0 {
		return 0, 0, fmt.Errorf("disk full")
	}

	sector += interleave
	last := g.lastSector(track)
	if sector > last {
		sector -= last
		if sector > 0 {
			sector--
		}
	}
	got := scanGetSec(g, track, sector)
	if got < 0 {
		got = scanGetSec(g, track, 0)
	}
	if got < 0 {
		return 0, 0, fmt.Errorf("disk full")
	}
	g.bamAlloc(track, got)
	return track, got, nil
}

// relSectorIO is the minimal sector read/write surface navigate needs;
// each geometry's write path supplies one backed by its own readSector/
// writeSector closures.
type relSectorIO interface {
	readSector(track, sector int) ([]byte, error)
	writeSector(track, sector int, buf []byte) error
}

// relBugs holds flags for the two documented DOS allocation quirks for REL
// file expansion; navigate consults only newSideSector, and newRelSize is
// not read anywhere. Both default false: original_source ships with
// BUG_NEW_REL_SIZE and BUG_NEW_SIDE_SECTOR #undef'd, i.e. disabled, and
// this engine follows that shipped configuration rather than the
// (also real, but rarer) buggy behavior. Exposed as fields, not build
// tags, so a caller wanting bug-for-bug emulation of a physical drive can
// still ask for it.
type relBugs struct {
	newRelSize      bool // zero the directory slot's block count on initial REL creation
	newSideSector   bool // leak an extra data block when a REL file ends exactly at a side-sector boundary
}

// relEngine carries everything navigate needs for one file: sector
// access, the allocator geometry, and whether this image keeps a super
// side sector (D81/D82) or a single side-sector group (D64/D71).
type relEngine struct {
	io     relSectorIO
	geom   *dosGeometry
	hasSSB bool
	bugs   relBugs
}

func zeroSector() []byte { return make([]byte, 256) }

// navigate walks a REL file's side-sector structure starting from the
// directory slot's side-sector field (ssTrack/ssSector): for an HasSSB
// image this is the super side sector, otherwise it is directly the
// first side sector of the file's only group. ssTrack==0 means the file
// has no side-sector structure yet.
//
// It reports how many records currently exist, and if targetRecord is
// larger it expands the file (allocating data blocks, side sectors, and
// - for HasSSB images - a super side sector) until that many records fit,
// writing the updated side-sector entry point back into ssTrack/ssSector.
// If dtTrack/dtSector are non-nil they receive the file's first data
// block track/sector (used when creating a brand new file's directory
// slot).
func (e *relEngine) navigate(ssTrack, ssSector *byte, dtTrack, dtSector *byte, recordLen byte, targetRecord uint32) (numRecords uint32, blocks int, err error) {
	var (
		side, sidePos           int
		superTrack, superSector byte
		superPos                int
		sideTrack, sideSector   byte
		dataTrack, dataSector   byte
		lastTrack, lastSector   byte
	)

	var superBuf, sideBuf, dataBuf []byte

	if *ssTrack != 0 {
		if e.hasSSB {
			superTrack, superSector = *ssTrack, *ssSector
			superBuf, err = e.io.readSector(int(superTrack), int(superSector))
			if err != nil {
				return 0, 0, err
			}
			o := superOffGroup
			for superPos = 0; superPos < superGroupsMax && superBuf[o] != 0; superPos++ {
				o += 2
			}
			if superPos > 0 {
				sideTrack = superBuf[superOffGroup+(superPos-1)*2]
				sideSector = superBuf[superOffGroup+(superPos-1)*2+1]
				sideBuf, err = e.io.readSector(int(sideTrack), int(sideSector))
				if err != nil {
					return 0, 0, err
				}
			}
		} else {
			superPos = 1
			sideTrack, sideSector = *ssTrack, *ssSector
			sideBuf, err = e.io.readSector(int(sideTrack), int(sideSector))
			if err != nil {
				return 0, 0, err
			}
		}

		if sideBuf != nil {
			o := sideOffGroup
			for side = 0; side < sideSectorsMax && sideBuf[o] != 0; side++ {
				o += 2
			}
			if side > 1 {
				sideTrack = sideBuf[sideOffGroup+(side-1)*2]
				sideSector = sideBuf[sideOffGroup+(side-1)*2+1]
				sideBuf, err = e.io.readSector(int(sideTrack), int(sideSector))
				if err != nil {
					return 0, 0, err
				}
			}
			sidePos = (int(sideBuf[sideOffNextSect]) + 1 - sideOffData) / 2
			o = sideOffData + 2*(sidePos-1)
			dataTrack = sideBuf[o]
			dataSector = sideBuf[o+1]
			dataBuf, err = e.io.readSector(int(dataTrack), int(dataSector))
			if err != nil {
				return 0, 0, err
			}
		}
	}

	var dataBlocks, sideBlocks int
	if e.hasSSB && superTrack != 0 {
		sideBlocks++
		if superPos > 0 {
			sideBlocks += (superPos - 1) * sideSectorsMax
			dataBlocks += (superPos - 1) * sideSectorsMax * sideDataMax
		}
	}
	if side > 0 {
		dataBlocks += (side - 1) * sideDataMax
		sideBlocks += side - 1 + 1
		dataBlocks += sidePos
	}
	blocks = sideBlocks + dataBlocks

	var dataPos int
	if dataBuf != nil {
		if dataBuf[sideOffNextTrack] != 0 {
			// The chain carries a followup pointer past what the side
			// sector records ("bug2" in a real drive); discard it the
			// way DOS does, rather than reproduce it.
			dataPos = 254 - (dataBlocks*254)%int(recordLen)
			dataBuf[sideOffNextTrack] = 0
			dataBuf[sideOffNextSect] = byte(dataPos + 1)
		} else {
			dataPos = int(dataBuf[sideOffNextSect]) - 1
		}
	}

	fileSize := 0
	if superPos > 0 {
		fileSize = superPos - 1
	}
	fileSize *= sideSectorsMax
	if side > 0 {
		fileSize += side - 1
	}
	fileSize *= sideDataMax
	if sidePos > 0 {
		fileSize += sidePos - 1
	}
	fileSize *= 254
	fileSize += dataPos

	numRecords = uint32(fileSize / int(recordLen))
	lastTrack, lastSector = dataTrack, dataSector

	bugNewSideSector := false
	for numRecords < targetRecord {
		if side == sideSectorsMax && sidePos == sideDataMax {
			if superPos == superGroupsMax || !e.hasSSB {
				return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full: REL side-sector space exhausted")
			}
		}

		var data2Track, data2Sector byte
		needNewData := numRecords == 0 || (int(targetRecord-numRecords)*int(recordLen))+dataPos > 254
		if needNewData {
			var at, as int
			if sideTrack == 0 {
				at, as, err = allocINTTS(e.geom)
			} else {
				at, as, err = allocNXTTS(e.geom, int(dataTrack), int(dataSector))
			}
			if err != nil {
				return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full")
			}
			dataTrack, dataSector = byte(at), byte(as)
			blocks++

			if sideTrack == 0 {
				side = 0
				sidePos = 0
				st, ss := int(dataTrack), int(dataSector)
				st, ss, err = allocNXTTS(e.geom, st, ss)
				if err != nil {
					return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full")
				}
				sideTrack, sideSector = byte(st), byte(ss)
				blocks++

				sideBuf = zeroSector()
				sideBuf[sideOffNextSect] = sideOffData - 1
				sideBuf[sideOffRecLen] = recordLen
				sideBuf[sideOffGroup] = sideTrack
				sideBuf[sideOffGroup+1] = sideSector
			}

			if e.hasSSB && superTrack == 0 {
				st, ss := int(dataTrack), int(dataSector)
				st, ss, err = allocNXTTS(e.geom, st, ss)
				if err != nil {
					return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full")
				}
				superTrack, superSector = byte(st), byte(ss)
				blocks++

				superBuf = zeroSector()
				superBuf[superOffMarker] = superMarker
				superBuf[sideOffNextTrack] = sideBuf[sideOffGroup]
				superBuf[sideOffNextSect] = sideBuf[sideOffGroup+1]
				superBuf[superOffGroup] = sideBuf[sideOffGroup]
				superBuf[superOffGroup+1] = sideBuf[sideOffGroup+1]
			}

			if sidePos == sideDataMax {
				if e.bugs.newSideSector && (int(targetRecord-numRecords)*int(recordLen))+dataPos <= 508 {
					bugNewSideSector = true
				}
				if !bugNewSideSector {
					data2Track, data2Sector = dataTrack, dataSector
					dt, ds := int(data2Track), int(data2Sector)
					dt, ds, err = allocNXTTS(e.geom, dt, ds)
					if err != nil {
						return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full")
					}
					data2Track, data2Sector = byte(dt), byte(ds)
					blocks++
				}

				newSideTrack, newSideSector := int(dataTrack), int(dataSector)
				newSideTrack, newSideSector, err = allocNXTTS(e.geom, newSideTrack, newSideSector)
				if err != nil {
					return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full")
				}
				blocks++

				if err := e.io.writeSector(int(sideTrack), int(sideSector), sideBuf); err != nil {
					return numRecords, blocks, err
				}
				sideBuf[sideOffNextTrack] = byte(newSideTrack)
				sideBuf[sideOffNextSect] = byte(newSideSector)

				var groupCopy [sideSectorsMax * 2]byte
				if e.hasSSB && side == sideSectorsMax {
					side = 0
					superBuf[superOffGroup+superPos*2] = byte(newSideTrack)
					superBuf[superOffGroup+superPos*2+1] = byte(newSideSector)
				} else if side < sideSectorsMax {
					sideBuf[sideOffGroup+side*2] = byte(newSideTrack)
					sideBuf[sideOffGroup+side*2+1] = byte(newSideSector)
					copy(groupCopy[:], sideBuf[sideOffGroup:sideOffGroup+sideSectorsMax*2])
					for o := 0; o+1 < side; o++ {
						mt, ms := int(groupCopy[o*2]), int(groupCopy[o*2+1])
						prev, rerr := e.io.readSector(mt, ms)
						if rerr != nil {
							return numRecords, blocks, rerr
						}
						prev[sideOffGroup+side*2] = byte(newSideTrack)
						prev[sideOffGroup+side*2+1] = byte(newSideSector)
						if werr := e.io.writeSector(mt, ms, prev); werr != nil {
							return numRecords, blocks, werr
						}
					}
				} else {
					return numRecords, blocks, newStatusErr(StatusTooLarge, "disk full")
				}

				sideTrack, sideSector = byte(newSideTrack), byte(newSideSector)
				sideBuf = zeroSector()
				sideBuf[sideOffIndex] = byte(side)
				sideBuf[sideOffRecLen] = recordLen
				copy(sideBuf[sideOffGroup:sideOffGroup+sideSectorsMax*2], groupCopy[:])
				sideBuf[sideOffGroup+side*2] = byte(newSideTrack)
				sideBuf[sideOffGroup+side*2+1] = byte(newSideSector)

				sidePos = 0
				side++
			}

			sideBuf[sideOffData+sidePos*2] = dataTrack
			sideBuf[sideOffData+sidePos*2+1] = dataSector
			sideBuf[sideOffNextSect] = byte(sideOffData + sidePos*2 + 1)
			sidePos++

			if data2Track != 0 {
				sideBuf[sideOffData+sidePos*2] = data2Track
				sideBuf[sideOffData+sidePos*2+1] = data2Sector
				sideBuf[sideOffNextSect] = byte(sideOffData + sidePos*2 + 1)
				sidePos++
			}
		}

		if dtTrack != nil {
			*dtTrack = dataTrack
		}
		if dtSector != nil {
			*dtSector = dataSector
		}

		var recPos int
		nextTrack, nextSector := lastTrack, lastSector
		for {
			if nextTrack != 0 {
				if dataBuf == nil {
					dataBuf, err = e.io.readSector(int(nextTrack), int(nextSector))
					if err != nil {
						return numRecords, blocks, err
					}
				}
				o := int(dataBuf[sideOffNextSect]) + 1
				for o != 256 {
					if recPos == 0 {
						dataBuf[o] = 0xFF
					} else {
						dataBuf[o] = 0x00
					}
					recPos = (recPos + 1) % int(recordLen)
					if recPos == 0 {
						numRecords++
					}
					o++
				}
				if dataTrack == 0 {
					dataBuf[sideOffNextTrack] = 0
					dataBuf[sideOffNextSect] = byte(255 - recPos)
					recPos = 0
					lastTrack, lastSector = nextTrack, nextSector
					dataPos = int(dataBuf[sideOffNextSect]) - 1
				} else {
					dataBuf[sideOffNextTrack] = dataTrack
					dataBuf[sideOffNextSect] = dataSector
				}
				if err := e.io.writeSector(int(nextTrack), int(nextSector), dataBuf); err != nil {
					return numRecords, blocks, err
				}
			}

			nextTrack, nextSector = dataTrack, dataSector
			dataTrack, dataSector = data2Track, data2Sector
			data2Track, data2Sector = 0, 0

			if nextTrack != 0 {
				dataBuf = zeroSector()
				dataBuf[sideOffNextSect] = 1
			} else {
				dataBuf = nil
			}
			if nextTrack == 0 {
				break
			}
		}

		dataTrack, dataSector = lastTrack, lastSector
	}

	if err := e.io.writeSector(int(sideTrack), int(sideSector), sideBuf); err != nil && sideTrack != 0 {
		return numRecords, blocks, err
	}
	if e.hasSSB && superTrack != 0 {
		if err := e.io.writeSector(int(superTrack), int(superSector), superBuf); err != nil {
			return numRecords, blocks, err
		}
		*ssTrack, *ssSector = superTrack, superSector
	} else if sideBuf != nil {
		*ssTrack, *ssSector = sideBuf[sideOffGroup], sideBuf[sideOffGroup+1]
	}

	return numRecords, blocks, nil
}

// relPosition decomposes a 0-based record number into the data block
// that holds it and the byte offset of the record within that block,
// walking the side-sector (and, for HasSSB images, super side-sector)
// chain read-only. It never allocates; navigate is what grows a file.
func (e *relEngine) relPosition(ssTrack, ssSector byte, recordLen byte, recordNo uint32) (dataTrack, dataSector byte, byteOff int, err error) {
	if ssTrack == 0 {
		return 0, 0, 0, newStatusErr(StatusNotSupported, "not a REL file")
	}

	recordsPerSide := sideDataMax * 254 / int(recordLen)
	sideIdx := int(recordNo) / recordsPerSide
	recInSide := int(recordNo) % recordsPerSide
	dataIdx := recInSide * int(recordLen) / 254
	byteOff = recInSide*int(recordLen) - dataIdx*254

	groupIdx := sideIdx / sideSectorsMax
	sideInGroup := sideIdx % sideSectorsMax

	curTrack, curSector := ssTrack, ssSector
	if e.hasSSB {
		superBuf, rerr := e.io.readSector(int(ssTrack), int(ssSector))
		if rerr != nil {
			return 0, 0, 0, rerr
		}
		if groupIdx >= superGroupsMax {
			return 0, 0, 0, newStatusErr(StatusRecordNotPresent, "record beyond super side sector capacity")
		}
		gt, gs := superBuf[superOffGroup+groupIdx*2], superBuf[superOffGroup+groupIdx*2+1]
		if gt == 0 {
			return 0, 0, 0, newStatusErr(StatusRecordNotPresent, "record not present")
		}
		curTrack, curSector = gt, gs
	} else if groupIdx > 0 {
		return 0, 0, 0, newStatusErr(StatusRecordNotPresent, "record beyond single side-sector group capacity")
	}

	sideBuf, rerr := e.io.readSector(int(curTrack), int(curSector))
	if rerr != nil {
		return 0, 0, 0, rerr
	}
	if sideInGroup > 0 {
		st, ss := sideBuf[sideOffGroup+sideInGroup*2], sideBuf[sideOffGroup+sideInGroup*2+1]
		if st == 0 {
			return 0, 0, 0, newStatusErr(StatusRecordNotPresent, "record not present")
		}
		sideBuf, rerr = e.io.readSector(int(st), int(ss))
		if rerr != nil {
			return 0, 0, 0, rerr
		}
	}

	dt, ds := sideBuf[sideOffData+dataIdx*2], sideBuf[sideOffData+dataIdx*2+1]
	if dt == 0 {
		return 0, 0, 0, newStatusErr(StatusRecordNotPresent, "record not present")
	}
	dataBuf, rerr := e.io.readSector(int(dt), int(ds))
	if rerr != nil {
		return 0, 0, 0, rerr
	}
	if dataBuf[sideOffNextTrack] == 0 {
		lastByte := int(dataBuf[sideOffNextSect])
		if byteOff+int(recordLen) > lastByte {
			return 0, 0, 0, newStatusErr(StatusRecordNotPresent, "record not present")
		}
	}
	return dt, ds, byteOff, nil
}
