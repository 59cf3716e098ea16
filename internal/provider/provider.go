// Package provider defines the back-end contract every storage back-end
// (local filesystem, disk image, network) implements, plus the registry
// that maps a provider scheme name (e.g. "fs", "di", "http", "ftp") to its
// constructor.
//
// Grounded on original_source/pcserver/provider.h (the provider_t vtable:
// newep/freeep/open/opendir/readfile/writefile/scratch/...) and the
// teacher's internal/diskimage cache-by-path idiom.
package provider

import (
	"context"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
)

// DirEntry is one directory listing row: a file or a sub-directory.
type DirEntry struct {
	Name      string
	IsDir     bool
	FileType  string // PRG, SEQ, USR, REL, DEL
	Blocks    int
	RecordLen int // REL files only
	Locked    bool
}

// Info is the reply to an INFO opcode: free blocks and any back-end
// specific status line (e.g. disk name/ID, or host path).
type Info struct {
	FreeBlocks int
	StatusLine string
}

// File is a single open channel bound to one endpoint.
type File interface {
	io.Reader
	io.Writer
	io.Closer

	// Position seeks to the given record number (REL files) or byte
	// offset (sequential files), per spec.md §4.5.7/§4.4.
	Position(ctx context.Context, n uint32) error
}

// Endpoint is one mounted back-end instance: a directory subtree of a
// localfs endpoint, a mounted disk image, or a network connection. One
// endpoint is shared by every file opened beneath it so directory/BAM
// buffers are shared rather than duplicated per file (spec.md §5).
type Endpoint interface {
	// Open opens name for the given access mode ('R','W','A','M') and
	// returns a File bound to channel. fileType ("PRG", "SEQ", "USR",
	// "REL") selects the type of a file the call creates; recordLen only
	// applies to REL creation ("L" in the filename options).
	Open(ctx context.Context, channel int, name string, mode charset.AccessMode, fileType string, recordLen int) (File, error)

	// OpenDir opens a directory listing (possibly wildcarded) for
	// sequential read as a stream of DirEntry-shaped text lines.
	OpenDir(ctx context.Context, channel int, pattern string) (File, error)

	// Scratch deletes one or more files matching pattern, returning the
	// count of files removed.
	Scratch(ctx context.Context, pattern string) (deleted int, err error)

	// Rename renames from to to within this endpoint.
	Rename(ctx context.Context, from, to string) error

	// Copy concatenates the sources into a new destination file.
	Copy(ctx context.Context, dest string, sources []string) error

	// Chdir/Mkdir/Rmdir operate on endpoint sub-directories, where
	// supported; ErrUnsupported if the back-end has no concept of them.
	Chdir(ctx context.Context, name string) error
	Mkdir(ctx context.Context, name string) error
	Rmdir(ctx context.Context, name string) error

	// Block implements U1/U2/B-A/B-F: a raw sector operation addressed by
	// (track, sector) rather than a filename. See internal/diskimage for
	// the only endpoint kind that implements this natively; other
	// back-ends return cbmerr.FAULT.
	Block(ctx context.Context, op BlockOp, channel int, track, sector byte) (*File, []byte, error)

	// Info reports free space and an identifying status line.
	Info(ctx context.Context) (Info, error)

	// Format reinitialises the endpoint's backing store (disk images
	// only; other back-ends return cbmerr.FAULT).
	Format(ctx context.Context, name, id string) error

	// Close releases any resources (file handles, network connections)
	// held by the endpoint itself, independent of any open File.
	Close() error
}

// BlockOp names a U1/U2/B-A/B-F sub-operation.
type BlockOp int

const (
	BlockRead BlockOp = iota
	BlockWrite
	BlockAllocate
	BlockFree
)

// Constructor builds a new Endpoint for a given base location (an OS path
// for localfs, an image file path for diskimage, a URL for net providers).
type Constructor func(ctx context.Context, location string) (Endpoint, error)

// DefaultRegistrations collects provider init() side effects (localfs,
// diskimage, netprov each append a registration function here) so
// cmd/fsserver can wire every built-in provider into a Registry with one
// call, without internal/provider importing any of its back-ends.
var DefaultRegistrations []func(*Registry)

// RegisterDefaults runs every collected registration against r.
func RegisterDefaults(r *Registry) {
	for _, reg := range DefaultRegistrations {
		reg(r)
	}
}

// Registry maps a provider scheme name to its Constructor, and caches the
// live Endpoint instances keyed by (scheme, location) so every drive
// assigned to the same location shares one Endpoint, per spec.md §5
// ("files opened on the same endpoint share bam1, bam2, dir buffers").
//
// Grounded on original_source/pcserver/registry.c's provider table and the
// teacher's internal/diskimage sync.Map image cache.
type Registry struct {
	mu         sync.Mutex
	ctors      map[string]Constructor
	endpoints  map[string]Endpoint
	defaultScm string
}

func NewRegistry() *Registry {
	return &Registry{
		ctors:     make(map[string]Constructor),
		endpoints: make(map[string]Endpoint),
	}
}

// Register adds a provider scheme. The first registered scheme becomes the
// default, used when a path carries no explicit "scheme:" prefix.
func (r *Registry) Register(scheme string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[scheme] = ctor
	if r.defaultScm == "" {
		r.defaultScm = scheme
	}
}

// Resolve returns the shared Endpoint for scheme:location, constructing it
// on first use. scheme may be empty to select the registry default.
func (r *Registry) Resolve(ctx context.Context, scheme, location string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if scheme == "" {
		scheme = r.defaultScm
	}
	ctor, ok := r.ctors[scheme]
	if !ok {
		return nil, errors.Errorf("provider: unknown scheme %q", scheme)
	}
	key := scheme + ":" + location
	if ep, ok := r.endpoints[key]; ok {
		return ep, nil
	}
	ep, err := ctor(ctx, location)
	if err != nil {
		return nil, errors.Wrapf(err, "provider: construct %s", key)
	}
	r.endpoints[key] = ep
	return ep, nil
}

// Release drops and closes a cached endpoint (used when a drive is
// reassigned with a new ASSIGN, per spec.md §4.2).
func (r *Registry) Release(scheme, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := scheme + ":" + location
	ep, ok := r.endpoints[key]
	if !ok {
		return nil
	}
	delete(r.endpoints, key)
	return ep.Close()
}

// CloseAll releases every live endpoint, collecting (rather than
// short-circuiting on) each Close error so one stuck network provider
// doesn't prevent the rest from shutting down cleanly.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result *multierror.Error
	for key, ep := range r.endpoints {
		if err := ep.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "provider: close %s", key))
		}
		delete(r.endpoints, key)
	}
	return result.ErrorOrNil()
}

// ErrUnsupported is returned by endpoint operations a back-end kind has no
// concept of (e.g. Mkdir on a localfs endpoint that disables subdirs).
var ErrUnsupported = cbmerr.New(cbmerr.FAULT, "operation not supported by this provider")
