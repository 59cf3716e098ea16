// Package localfs implements the local-filesystem provider (spec.md §4.4):
// a thin mapping from CBM file operations onto a sandboxed OS directory
// tree.
//
// Grounded on the teacher's internal/fsops (ToOSPath containment, Stat,
// CopyFile) and internal/pathutil (Normalize/Canonicalize), generalised
// from WiCOS64's own path convention to CBM filenames and REL expansion
// semantics from original_source/pcserver/dir.c.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/fsops"
	"fsserver/internal/handler"
	"fsserver/internal/pathutil"
	"fsserver/internal/provider"
)

const (
	maxPath = 1024
	maxName = 255
)

func init() {
	provider.DefaultRegistrations = append(provider.DefaultRegistrations, register)
}

func register(r *provider.Registry) {
	r.Register("fs", func(ctx context.Context, location string) (provider.Endpoint, error) {
		return New(location)
	})
}

// Endpoint is a localfs-backed provider.Endpoint.
type Endpoint struct {
	root     string // absolute OS path, cleaned
	cwd      string // normalized CBM-style path beneath root, always "/"-prefixed
	handlers handler.Chain
}

func New(rootPath string) (*Endpoint, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "localfs: resolve root")
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return nil, errors.Errorf("localfs: root %q is not a directory", abs)
	}
	return &Endpoint{root: filepath.Clean(abs), cwd: "/", handlers: handler.DefaultChain()}, nil
}

// storageName maps a host-exposed name (what the directory listing
// shows, e.g. "FOO" with implied type PRG) to the actual file name on
// disk, via e.handlers. On a bare directory with no leading path
// component, the name is returned unchanged so plain ambient files
// (including the endpoint's own metadata-free entries) still resolve.
func (e *Endpoint) storageName(name string, fileType string) string {
	dir, leaf := splitLast(name)
	if fileType == "" {
		if stored, ok := e.findStorageName(leaf); ok {
			return joinLast(dir, stored)
		}
		return name
	}
	return joinLast(dir, e.handlers.Unwrap(strings.ToUpper(leaf), fileType))
}

// findStorageName scans the current directory for a file whose exposed
// (handler-wrapped) name matches leaf, returning its real on-disk name.
func (e *Endpoint) findStorageName(leaf string) (string, bool) {
	dirOS, err := fsops.ToOSPath(e.root, e.cwd)
	if err != nil {
		return "", false
	}
	osEntries, err := os.ReadDir(dirOS)
	if err != nil {
		return "", false
	}
	upper := strings.ToUpper(leaf)
	for _, de := range osEntries {
		if de.IsDir() {
			continue
		}
		exposed, _, ok := e.handlers.Wrap(strings.ToUpper(de.Name()), "PRG")
		if ok && exposed == upper {
			return de.Name(), true
		}
	}
	return "", false
}

func splitLast(path string) (dir, leaf string) {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i+1], path[i+1:]
	}
	return "", path
}

func joinLast(dir, leaf string) string { return dir + leaf }

// leafSuffix returns the last dot-extension of leaf (e.g. ".PRG" from
// "FOO.PRG"), or "" if leaf has none.
func leafSuffix(leaf string) string {
	if i := strings.LastIndexByte(leaf, '.'); i >= 0 {
		return leaf[i:]
	}
	return ""
}

// resolve turns a raw CBM filename into a sandboxed OS path. A name with
// no leading separator is resolved relative to the endpoint's current
// directory (set by Chdir); Normalize always hands back an absolute,
// "/"-prefixed path, so a relative name is rejoined under cwd first.
func (e *Endpoint) resolve(name string) (string, error) {
	rel := name
	if strings.HasPrefix(rel, "/") {
		rel = strings.TrimPrefix(rel, "/")
	}
	norm, err := pathutil.Normalize(e.cwd+"/"+rel, maxPath, maxName)
	if err != nil {
		return "", cbmerr.New(cbmerr.SYNTAX_INVAL, err.Error())
	}
	osPath, err := fsops.ToOSPath(e.root, norm)
	if err != nil {
		return "", cbmerr.New(cbmerr.NO_PERMISSION, "path escapes root")
	}
	return osPath, nil
}

func (e *Endpoint) Open(ctx context.Context, channel int, name string, mode charset.AccessMode, fileType string, recordLen int) (provider.File, error) {
	// A write creating a new file applies the handler chain using the
	// type the host supplied; any other open resolves whatever exposed
	// name the host already saw in a directory listing back to its real
	// on-disk name (spec.md §4.2 step 3 / internal/handler).
	if mode == charset.AccessWrite && fileType != "" {
		name = e.storageName(name, fileType)
	} else {
		name = e.storageName(name, "")
	}

	osPath, err := e.resolve(name)
	if err != nil {
		return nil, err
	}

	switch mode {
	case charset.AccessRead:
		f, err := os.Open(osPath)
		if err != nil {
			return nil, mapOSErr(err)
		}
		if recordLen > 0 {
			return &relFile{f: f, recordLen: recordLen}, nil
		}
		return &seqFile{f: f}, nil
	case charset.AccessWrite:
		if err := fsops.EnsureParents(osPath); err != nil {
			return nil, mapOSErr(err)
		}
		f, err := os.OpenFile(osPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			return nil, mapOSErr(err)
		}
		if recordLen > 0 {
			return &relFile{f: f, recordLen: recordLen}, nil
		}
		return &seqFile{f: f}, nil
	case charset.AccessApp:
		f, err := os.OpenFile(osPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, mapOSErr(err)
		}
		return &seqFile{f: f}, nil
	case charset.AccessMod:
		f, err := os.OpenFile(osPath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, mapOSErr(err)
		}
		return &relFile{f: f, recordLen: recordLen}, nil
	default:
		f, err := os.OpenFile(osPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, mapOSErr(err)
		}
		return &seqFile{f: f}, nil
	}
}

// dirListFile serves the text lines of a directory listing to sequential
// FS_READ calls, matching the DI back-end's "directory is itself readable
// like a file" behaviour (spec.md §4.5.4).
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

func (d *dirListFile) Write(p []byte) (int, error) { return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "directory not writable") }
func (d *dirListFile) Close() error                { return nil }
func (d *dirListFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "position not supported on directory listing")
}

func (e *Endpoint) OpenDir(ctx context.Context, channel int, pattern string) (provider.File, error) {
	entries, err := e.list(pattern)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(entries)+2)
	lines = append(lines, "\"LOCALFS\" FS 2A")
	for _, en := range entries {
		kind := en.FileType
		if en.IsDir {
			kind = "DIR"
		}
		lines = append(lines, formatDirLine(en.Blocks, en.Name, kind))
	}
	free, _ := e.freeBlocks()
	lines = append(lines, formatFreeLine(free))
	return &dirListFile{lines: lines}, nil
}

func formatDirLine(blocks int, name, kind string) string {
	return fitBlocks(blocks) + " \"" + name + "\"" + strings.Repeat(" ", maxInt(0, 18-len(name))) + kind
}

func formatFreeLine(free int) string {
	return fitBlocks(free) + " BLOCKS FREE."
}

func fitBlocks(n int) string {
	s := itoa(n)
	if len(s) < 4 {
		s = strings.Repeat(" ", 4-len(s)) + s
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Endpoint) list(pattern string) ([]provider.DirEntry, error) {
	dirOS, err := fsops.ToOSPath(e.root, e.cwd)
	if err != nil {
		return nil, cbmerr.New(cbmerr.NO_PERMISSION, "path escapes root")
	}
	osEntries, err := os.ReadDir(dirOS)
	if err != nil {
		return nil, mapOSErr(err)
	}
	pat := charset.ConvertString(charset.PETSCII, charset.ASCII, pattern)
	out := make([]provider.DirEntry, 0, len(osEntries))
	for _, de := range osEntries {
		name := de.Name()
		exposedName, exposedType := strings.ToUpper(name), "PRG"
		if !de.IsDir() {
			if en, et, ok := e.handlers.Wrap(strings.ToUpper(name), "PRG"); ok {
				exposedName, exposedType = en, et
			}
		}
		if pat != "" && pat != "*" {
			if ok := charset.MatchPattern(pat, exposedName, true); !ok {
				continue
			}
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		blocks := int((info.Size() + 253) / 254)
		out = append(out, provider.DirEntry{
			Name:     exposedName,
			IsDir:    de.IsDir(),
			FileType: exposedType,
			Blocks:   blocks,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Endpoint) freeBlocks() (int, error) {
	_, free, err := fsops.DiskUsage(e.root)
	if err != nil {
		return 0, mapOSErr(err)
	}
	blocks := free / 254
	const cap = 65535
	if blocks > cap {
		blocks = cap
	}
	return int(blocks), nil
}

func (e *Endpoint) Scratch(ctx context.Context, pattern string) (int, error) {
	entries, err := e.list(pattern)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, en := range entries {
		if en.IsDir {
			continue
		}
		osPath, err := e.resolve(e.storageName(en.Name, ""))
		if err != nil {
			continue
		}
		if err := os.Remove(osPath); err != nil {
			continue
		}
		deleted++
	}
	if deleted == 0 {
		return 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, pattern)
	}
	return deleted, nil
}

func (e *Endpoint) Rename(ctx context.Context, from, to string) error {
	fromStorage := e.storageName(from, "")
	src, err := e.resolve(fromStorage)
	if err != nil {
		return err
	}
	// A rename doesn't carry an explicit type, so the destination keeps
	// whatever handler-applied suffix the source file already had on
	// disk (e.g. renaming "FOO" to "BAR" when "FOO" is stored as
	// "FOO.PRG" produces "BAR.PRG", not a bare "BAR").
	_, fromLeaf := splitLast(from)
	_, srcLeaf := splitLast(fromStorage)
	toStorage := to
	if ext := leafSuffix(srcLeaf); ext != "" && srcLeaf != strings.ToUpper(fromLeaf) {
		dir, toLeaf := splitLast(to)
		toStorage = joinLast(dir, strings.TrimSuffix(strings.ToUpper(toLeaf), ext)+ext)
	}
	dst, err := e.resolve(toStorage)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return cbmerr.New(cbmerr.FILE_EXISTS, to)
	}
	if err := os.Rename(src, dst); err != nil {
		return mapOSErr(err)
	}
	return nil
}

func (e *Endpoint) Copy(ctx context.Context, dest string, sources []string) error {
	dst, err := e.resolve(e.storageName(dest, "PRG"))
	if err != nil {
		return err
	}
	if err := fsops.EnsureParents(dst); err != nil {
		return mapOSErr(err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return mapOSErr(err)
	}
	defer out.Close()
	for _, src := range sources {
		srcOS, err := e.resolve(e.storageName(src, ""))
		if err != nil {
			return err
		}
		in, err := os.Open(srcOS)
		if err != nil {
			return mapOSErr(err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return mapOSErr(err)
		}
	}
	return nil
}

func (e *Endpoint) Chdir(ctx context.Context, name string) error {
	rel := strings.TrimPrefix(name, "/")
	target, err := pathutil.Normalize(e.cwd+"/"+rel, maxPath, maxName)
	if err != nil {
		return cbmerr.New(cbmerr.SYNTAX_INVAL, err.Error())
	}
	osPath, err := fsops.ToOSPath(e.root, target)
	if err != nil {
		return cbmerr.New(cbmerr.NO_PERMISSION, "path escapes root")
	}
	fi, err := os.Stat(osPath)
	if err != nil || !fi.IsDir() {
		return cbmerr.New(cbmerr.DIR_NOT_FOUND, name)
	}
	e.cwd = pathutil.Canonicalize(target)
	return nil
}

func (e *Endpoint) Mkdir(ctx context.Context, name string) error {
	osPath, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Mkdir(osPath, 0o755); err != nil {
		return mapOSErr(err)
	}
	return nil
}

func (e *Endpoint) Rmdir(ctx context.Context, name string) error {
	osPath, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(osPath); err != nil {
		return mapOSErr(err)
	}
	return nil
}

func (e *Endpoint) Block(ctx context.Context, op provider.BlockOp, channel int, track, sector byte) (*provider.File, []byte, error) {
	return nil, nil, cbmerr.New(cbmerr.FAULT, "localfs has no block addressing")
}

func (e *Endpoint) Info(ctx context.Context) (provider.Info, error) {
	free, err := e.freeBlocks()
	if err != nil {
		return provider.Info{}, err
	}
	return provider.Info{FreeBlocks: free, StatusLine: "LOCALFS " + e.root}, nil
}

func (e *Endpoint) Format(ctx context.Context, name, id string) error {
	return cbmerr.New(cbmerr.FAULT, "localfs does not support FORMAT")
}

func (e *Endpoint) Close() error { return nil }

