package diskimage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/diskimage"
	"fsserver/internal/provider"
)

type dirListFile struct {
	lines []string
	pos   int
	cur   []byte
}

func (d *dirListFile) Read(p []byte) (int, error) {
	for len(d.cur) == 0 {
		if d.pos >= len(d.lines) {
			return 0, io.EOF
		}
		d.cur = []byte(d.lines[d.pos] + "\n")
		d.pos++
	}
	n := copy(p, d.cur)
	d.cur = d.cur[n:]
	return n, nil
}

func (d *dirListFile) Write(p []byte) (int, error) {
	return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "directory not writable")
}
func (d *dirListFile) Close() error { return nil }
func (d *dirListFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "position not supported on directory listing")
}

func typeLetter(t byte) string {
	switch t & 0x07 {
	case 1:
		return "SEQ"
	case 2:
		return "PRG"
	case 3:
		return "USR"
	case 4:
		return "REL"
	default:
		return "DEL"
	}
}

func (e *Endpoint) entries() ([]*diskimage.FileEntry, error) {
	switch e.kind {
	case kindD64:
		img, err := diskimage.LoadD64(e.path)
		if err != nil {
			return nil, cbmerr.As(err)
		}
		return img.SortedEntries(), nil
	case kindD71:
		img, err := diskimage.LoadD71(e.path)
		if err != nil {
			return nil, cbmerr.As(err)
		}
		return img.SortedEntries(), nil
	case kindD81:
		img, err := diskimage.LoadD81(e.path)
		if err != nil {
			return nil, cbmerr.As(err)
		}
		return img.SortedEntries(), nil
	}
	return nil, cbmerr.New(cbmerr.FAULT, "unknown image kind")
}

func (e *Endpoint) OpenDir(ctx context.Context, channel int, pattern string) (provider.File, error) {
	entries, err := e.entries()
	if err != nil {
		return nil, err
	}
	pat := charset.ConvertString(charset.PETSCII, charset.ASCII, pattern)
	lines := make([]string, 0, len(entries)+2)
	lines = append(lines, fmt.Sprintf("0 \"%-16s\" %s", strings.ToUpper(e.diskName()), "2A"))
	for _, fe := range entries {
		if pat != "" && pat != "*" {
			if !charset.MatchPattern(pat, fe.Name, true) {
				continue
			}
		}
		lines = append(lines, fmt.Sprintf("%-5d\"%s\"%s%s", fe.Blocks, fe.Name, strings.Repeat(" ", maxInt(0, 18-len(fe.Name))), typeLetter(fe.Type)))
	}
	free, _ := e.freeBlocks()
	lines = append(lines, fmt.Sprintf("%d BLOCKS FREE.", free))
	return &dirListFile{lines: lines}, nil
}

func (e *Endpoint) diskName() string {
	return strings.ToUpper(trimExt(basename(e.path)))
}

func basename(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return p
	}
	return p[i+1:]
}

func trimExt(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return p
	}
	return p[:i]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Endpoint) freeBlocks() (int, error) {
	switch e.kind {
	case kindD64:
		img, err := diskimage.LoadD64(e.path)
		if err != nil {
			return 0, cbmerr.As(err)
		}
		return diskimage.FreeBlocksD64(img)
	default:
		// D71/D81 free-block accounting is not wired into the teacher's
		// read-mostly engine; report zero rather than a fabricated count.
		return 0, nil
	}
}
