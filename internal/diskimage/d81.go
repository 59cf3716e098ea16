package diskimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	d81Tracks           = 80
	d81SectorsPerTrack  = 40
	d81TotalSectors     = d81Tracks * d81SectorsPerTrack // 3200
	d81BytesNoErrorInfo = int64(d81TotalSectors * sectorSize)
	d81BytesWithErrors  = d81BytesNoErrorInfo + int64(d81TotalSectors)
	d81Size             = d81TotalSectors * sectorSize

	d81DirTrack  = 40
	d81DirSector = 3

	// Directory-slot type codes that aren't ordinary files: 1581
	// partitions act as subdirectories and are walked via Dir/readDir
	// rather than treated as a byte stream.
	d81EntryCBM uint8 = 5
	d81EntryDIR uint8 = 6
)

// D81 represents a parsed Commodore 1581 disk image (.d81): 80 tracks,
// 40 sectors/track, directory chained from track 40 sector 3 like other
// CBM DOS directories. 1581 "subdirectories" are CBM/DIR partition
// entries; Dir/readDir below follow their own chain on demand rather
// than being folded into the root listing.
//
// REL entries carry their side-sector group location (FileEntry.Side-
// SectorTrack/SideSectorSector) and record length; OpenRelD81 is the
// record-level entry point into those, since a 1581 REL file can also
// use a super-side-sector (FileEntry does not need to represent that —
// it is reached by walking from the directory's side-sector pointer).
type D81 struct {
	Path            string
	ModTime         time.Time
	SizeBytes       int64
	Tracks          int
	SectorsPerTrack int

	Files []*FileEntry

	byName map[string]*FileEntry

	// dirCache memoizes parsed partition listings, keyed by "<track>:<sector>".
	// The root directory (track 40/sector 3) is already in Files/byName.
	dirCache sync.Map // map[string]d81DirCacheEntry
}

type d81DirCacheEntry struct {
	entries []*FileEntry
	byName  map[string]*FileEntry
}

type cacheEntryD81 struct {
	modTime time.Time
	size    int64
	img     *D81
}

var d81Cache sync.Map // map[string]cacheEntryD81

func detectD81Layout(fileSize int64) (sizeBytes int64, hasErrorInfo bool, err error) {
	switch fileSize {
	case d81BytesNoErrorInfo:
		return d81BytesNoErrorInfo, false, nil
	case d81BytesWithErrors:
		// Error bytes trail the sector data; the image itself is still
		// the first d81BytesNoErrorInfo bytes.
		return d81BytesNoErrorInfo, true, nil
	default:
		return 0, false, fmt.Errorf("d81: unsupported file size %d (expected %d or %d)", fileSize, d81BytesNoErrorInfo, d81BytesWithErrors)
	}
}

// LoadD81 loads and parses a D81 image, caching the result per path
// fingerprinted by (mtime, size).
func LoadD81(path string) (*D81, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if v, ok := d81Cache.Load(path); ok {
		ce, ok := v.(cacheEntryD81)
		if ok && ce.img != nil && ce.size == st.Size() && ce.modTime.Equal(st.ModTime()) {
			return ce.img, nil
		}
	}

	img, err := parseD81(path, st)
	if err != nil {
		return nil, err
	}

	d81Cache.Store(path, cacheEntryD81{modTime: st.ModTime(), size: st.Size(), img: img})
	return img, nil
}

func d81SectorOff(sizeBytes int64) func(track, sector int) (int64, error) {
	return func(track, sector int) (int64, error) {
		if track <= 0 || track > d81Tracks {
			return 0, errors.New("d81: track out of range")
		}
		if sector < 0 || sector >= d81SectorsPerTrack {
			return 0, errors.New("d81: sector out of range")
		}
		off := int64((track-1)*d81SectorsPerTrack+sector) * sectorSize
		if off < 0 || off+sectorSize > sizeBytes {
			return 0, errors.New("d81: sector offset out of bounds")
		}
		return off, nil
	}
}

// entryFromD81Slot builds a FileEntry from one 32-byte directory slot.
// CBM/DIR partition entries only need their start track/sector recorded
// for later navigation (skipChain); everything else gets its data chain
// resolved immediately so ReadFileRange can seek into it without
// re-walking the disk.
func entryFromD81Slot(slot []byte, f *os.File, sectorOff func(int, int) (int64, error)) (*FileEntry, bool) {
	ft := slot[2]
	typeCode := ft & 0x07
	if ft == 0 || typeCode == fileTypeDEL {
		return nil, false
	}
	startT, startS := slot[3], slot[4]
	if startT == 0 {
		return nil, false
	}
	name := petsciiToASCIIName(slot[5:21])
	if name == "" {
		return nil, false
	}
	blocks := binary.LittleEndian.Uint16(slot[30:32])

	fe := &FileEntry{
		Name:        name,
		Type:        typeCode,
		StartTrack:  startT,
		StartSector: startS,
		Blocks:      blocks,
	}

	if typeCode != d81EntryDIR && typeCode != d81EntryCBM {
		sectors, size, starts, err := parseFileChain(f, sectorOff, d81Tracks, int(startT), int(startS), blocks)
		if err != nil {
			return nil, false
		}
		fe.Sectors, fe.Size, fe.starts = sectors, size, starts
	}
	if typeCode == fileTypeREL {
		fe.SideSectorTrack = slot[21]
		fe.SideSectorSector = slot[22]
		fe.RecordLen = slot[23]
	}
	return fe, true
}

func parseD81(path string, st os.FileInfo) (*D81, error) {
	sizeBytes, _, err := detectD81Layout(st.Size())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sectorOff := d81SectorOff(sizeBytes)

	files := make([]*FileEntry, 0, 64)
	byName := make(map[string]*FileEntry, 64)

	dirT, dirS := byte(d81DirTrack), byte(d81DirSector)
	visited := make(map[[2]byte]bool)
	buf := make([]byte, sectorSize)

	for dirT != 0 {
		key := [2]byte{dirT, dirS}
		if visited[key] {
			return nil, fmt.Errorf("d81: directory loop detected at t=%d s=%d", dirT, dirS)
		}
		visited[key] = true

		off, err := sectorOff(int(dirT), int(dirS))
		if err != nil {
			return nil, err
		}
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, err
		}
		nextT, nextS := buf[0], buf[1]

		for i := 0; i < 8; i++ {
			fe, ok := entryFromD81Slot(buf[i*32:(i+1)*32], f, sectorOff)
			if !ok {
				continue
			}
			files = append(files, fe)
			upper := strings.ToUpper(strings.TrimSpace(fe.Name))
			if _, exists := byName[upper]; !exists {
				byName[upper] = fe
			}
		}

		dirT, dirS = nextT, nextS
	}

	return &D81{
		Path:            path,
		ModTime:         st.ModTime(),
		SizeBytes:       sizeBytes,
		Tracks:          d81Tracks,
		SectorsPerTrack: d81SectorsPerTrack,
		Files:           files,
		byName:          byName,
	}, nil
}

// Lookup returns a file entry by name (case-insensitive).
func (img *D81) Lookup(name string) (*FileEntry, bool) {
	if img == nil {
		return nil, false
	}
	fe, ok := img.byName[strings.ToUpper(strings.TrimSpace(name))]
	return fe, ok
}

// SortedEntries returns the directory entries sorted by name.
func (img *D81) SortedEntries() []*FileEntry {
	if img == nil || len(img.Files) == 0 {
		return nil
	}
	out := make([]*FileEntry, len(img.Files))
	copy(out, img.Files)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToUpper(out[i].Name) < strings.ToUpper(out[j].Name)
	})
	return out
}

// Dir returns the directory listing rooted at (startTrack, startSector).
// The root directory (d81DirTrack, d81DirSector) is already available via
// Files/byName; everything else is a CBM/DIR partition, parsed on demand
// and cached.
func (img *D81) Dir(startTrack, startSector byte) ([]*FileEntry, map[string]*FileEntry, error) {
	if img == nil {
		return nil, nil, errors.New("nil image")
	}
	if startTrack == d81DirTrack && startSector == d81DirSector {
		return img.Files, img.byName, nil
	}
	key := fmt.Sprintf("%d:%d", startTrack, startSector)
	if v, ok := img.dirCache.Load(key); ok {
		ce := v.(d81DirCacheEntry)
		return ce.entries, ce.byName, nil
	}
	entries, byName, err := img.readDir(startTrack, startSector)
	if err != nil {
		return nil, nil, err
	}
	img.dirCache.Store(key, d81DirCacheEntry{entries: entries, byName: byName})
	return entries, byName, nil
}

// SortedDirEntries returns a name-sorted copy of entries.
func (img *D81) SortedDirEntries(entries []*FileEntry) []*FileEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]*FileEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToUpper(out[i].Name) < strings.ToUpper(out[j].Name)
	})
	return out
}

func (img *D81) readDir(startTrack, startSector byte) ([]*FileEntry, map[string]*FileEntry, error) {
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sectorOff := d81SectorOff(img.SizeBytes)

	files := make([]*FileEntry, 0, 64)
	byName := make(map[string]*FileEntry)
	visited := make(map[string]struct{})

	dirT, dirS := startTrack, startSector
	buf := make([]byte, sectorSize)
	firstSector := true

	for {
		key := fmt.Sprintf("%d:%d", dirT, dirS)
		if _, ok := visited[key]; ok {
			return nil, nil, errors.New("directory chain loop")
		}
		visited[key] = struct{}{}

		off, err := sectorOff(int(dirT), int(dirS))
		if err != nil {
			return nil, nil, err
		}
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, nil, err
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, nil, err
		}
		nextT, nextS := buf[0], buf[1]

		// A partition's first sector is a header block ('D' at offset 2,
		// with bytes 0..1 pointing at the actual first directory sector),
		// not a slot of directory entries; skip straight to its target.
		if firstSector && buf[2] == 'D' {
			firstSector = false
			if nextT == 0 {
				break
			}
			dirT, dirS = nextT, nextS
			continue
		}
		firstSector = false

		for i := 0; i < 8; i++ {
			fe, ok := entryFromD81Slot(buf[i*32:(i+1)*32], f, sectorOff)
			if !ok {
				continue
			}
			files = append(files, fe)
			upper := strings.ToUpper(strings.TrimSpace(fe.Name))
			if _, exists := byName[upper]; !exists {
				byName[upper] = fe
			}
		}

		if nextT == 0 {
			break
		}
		dirT, dirS = nextT, nextS
	}

	return files, byName, nil
}
