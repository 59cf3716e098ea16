package diskimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// D71 represents a parsed Commodore 1571 disk image (.d71).
//
// A D71 is a double-sided 1541: 70 tracks, where side 2 (tracks 36..70)
// repeats side 1's per-track sector counts. The directory still lives on
// track 18 as on a 1541, but a file's chain can cross onto side 2.
//
// Notes:
//   - The namespace is flat, same as D64 (no subdirectories).
//   - Error-information bytes, when present, are stripped before parsing.
//   - REL entries carry their side-sector group location (FileEntry.Side-
//     SectorTrack/SideSectorSector) and record length; OpenRelD71 is the
//     record-level entry point, not ReadFileRange.
type D71 struct {
	Path    string
	ModTime time.Time
	Size    int64 // byte size without error bytes

	Tracks int // 70

	Files  []*FileEntry
	byName map[string]*FileEntry
}

const (
	d71Tracks       = 70
	d71TotalSectors = 1366 // 2 * 683 (standard D64 sectors)
)

type cacheEntryD71 struct {
	modTime time.Time
	size    int64
	img     *D71
	err     error
}

var d71Cache sync.Map // map[string]cacheEntryD71

// LoadD71 parses a .d71 image and caches the parsed directory for faster repeat access.
func LoadD71(path string) (*D71, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	mt, sz := st.ModTime(), st.Size()

	if v, ok := d71Cache.Load(path); ok {
		ce := v.(cacheEntryD71)
		if ce.modTime.Equal(mt) && ce.size == sz {
			return ce.img, ce.err
		}
	}

	img, err := parseD71(path, st)
	d71Cache.Store(path, cacheEntryD71{modTime: mt, size: sz, img: img, err: err})
	return img, err
}

func detectD71Layout(fileSize int64) (sizeBytes int64, tracks int, err error) {
	if fileSize <= 0 {
		return 0, 0, errors.New("empty image")
	}

	var sectors int64
	switch {
	case fileSize%257 == 0:
		// with per-sector error bytes
		sectors = fileSize / 257
		sizeBytes = sectors * sectorSize
	case fileSize%256 == 0:
		sectors = fileSize / 256
		sizeBytes = fileSize
	default:
		return 0, 0, fmt.Errorf("unsupported image size %d (not divisible by 256/257)", fileSize)
	}

	if sectors != d71TotalSectors {
		return 0, 0, fmt.Errorf("unsupported D71 sector count %d (expected %d)", sectors, d71TotalSectors)
	}
	return sizeBytes, d71Tracks, nil
}

// sectorsOnD64Track is the per-track sector count shared by D64 and each
// side of a D71 (tracks 1..35 on either side follow the 1541 table).
func sectorsOnD64Track(track int) int {
	switch {
	case track >= 1 && track <= 17:
		return 21
	case track >= 18 && track <= 24:
		return 19
	case track >= 25 && track <= 30:
		return 18
	case track >= 31 && track <= 35:
		return 17
	default:
		return 0
	}
}

// d71Side1Track folds a 1..70 D71 track number down to its 1..35 1541
// equivalent, since side 2 repeats side 1's geometry.
func d71Side1Track(track int) int {
	if track > 35 {
		return track - 35
	}
	return track
}

func parseD71(path string, st os.FileInfo) (*D71, error) {
	sizeBytes, tracks, err := detectD71Layout(st.Size())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	trackOffsets := make([]int64, tracks+1) // 1-based
	var cum int64
	for t := 1; t <= tracks; t++ {
		trackOffsets[t] = cum
		sec := sectorsOnD64Track(d71Side1Track(t))
		if sec == 0 {
			return nil, fmt.Errorf("invalid track %d", t)
		}
		cum += int64(sec) * sectorSize
	}
	if cum != sizeBytes {
		return nil, fmt.Errorf("layout mismatch: computed %d bytes but expected %d", cum, sizeBytes)
	}

	sectorOff := func(track int, sector int) (int64, error) {
		if track <= 0 || track > tracks {
			return 0, fmt.Errorf("track out of range: %d", track)
		}
		maxSec := sectorsOnD64Track(d71Side1Track(track))
		if maxSec == 0 {
			return 0, fmt.Errorf("invalid track: %d", track)
		}
		if sector < 0 || sector >= maxSec {
			return 0, fmt.Errorf("sector out of range: t=%d s=%d (max=%d)", track, sector, maxSec)
		}
		return trackOffsets[track] + int64(sector)*sectorSize, nil
	}

	readSector := func(track int, sector int) ([]byte, error) {
		off, err := sectorOff(track, sector)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, sectorSize)
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, err
		}
		return buf, nil
	}

	files := make([]*FileEntry, 0, 64)
	byName := make(map[string]*FileEntry, 128)

	// Directory chain starts at track 18 sector 1, same as D64.
	dirT, dirS := 18, 1
	seen := make(map[uint16]struct{}, 256)
	for dirT != 0 {
		key := (uint16(dirT) << 8) | uint16(dirS)
		if _, ok := seen[key]; ok {
			break
		}
		seen[key] = struct{}{}

		buf, err := readSector(dirT, dirS)
		if err != nil {
			return nil, err
		}
		nextT, nextS := int(buf[0]), int(buf[1])

		for i := 0; i < 8; i++ {
			slot := buf[i*32 : (i+1)*32]
			ft := slot[2]
			typeCode := ft & 0x07
			if ft == 0x00 || typeCode == fileTypeDEL {
				continue
			}

			startT, startS := int(slot[3]), int(slot[4])
			name := petsciiToASCIIName(slot[5:21])
			blocks := binary.LittleEndian.Uint16(slot[30:32])

			chain, size, starts, err := parseFileChain(f, sectorOff, tracks, startT, startS, blocks)
			if err != nil {
				// Tolerant: a broken entry shouldn't sink the whole directory.
				continue
			}

			fe := &FileEntry{
				Name:        name,
				Type:        typeCode,
				Size:        size,
				Blocks:      blocks,
				StartTrack:  byte(startT),
				StartSector: byte(startS),
				Sectors:     chain,
				starts:      starts,
			}
			if typeCode == fileTypeREL {
				fe.SideSectorTrack = slot[21]
				fe.SideSectorSector = slot[22]
				fe.RecordLen = slot[23]
			}

			keyName := dedupeD71Name(byName, fe)
			byName[keyName] = fe
			files = append(files, fe)
		}

		dirT, dirS = nextT, nextS
	}

	return &D71{
		Path:    path,
		ModTime: st.ModTime(),
		Size:    sizeBytes,
		Tracks:  tracks,
		Files:   files,
		byName:  byName,
	}, nil
}

func dedupeD71Name(byName map[string]*FileEntry, fe *FileEntry) string {
	key := strings.ToUpper(fe.Name)
	if _, exists := byName[key]; !exists {
		return key
	}
	for n := 2; n < 100; n++ {
		alt := fmt.Sprintf("%s~%d", key, n)
		if _, exists := byName[alt]; !exists {
			fe.Name = alt
			return alt
		}
	}
	return key
}

func (img *D71) Lookup(name string) (*FileEntry, bool) {
	if img == nil {
		return nil, false
	}
	fe, ok := img.byName[strings.ToUpper(name)]
	return fe, ok
}

func (img *D71) SortedEntries() []*FileEntry {
	if img == nil {
		return nil
	}
	out := append([]*FileEntry(nil), img.Files...)
	sort.Slice(out, func(i, j int) bool {
		return strings.ToUpper(out[i].Name) < strings.ToUpper(out[j].Name)
	})
	return out
}
