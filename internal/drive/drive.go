// Package drive maps a CBM drive number (0..15) to the endpoint it is
// currently assigned to, plus the per-drive current-directory cursor
// used by CHDIR.
//
// Grounded on original_source/pcserver/drives.c's drive_t/registry_t
// (drive number -> endpoint + cdpath), replacing its hand-rolled linear
// registry with a Go map guarded by a mutex for the single-threaded
// event loop's occasional concurrent stdin-UI access (spec.md §5/§6).
package drive

import (
	"context"
	"sync"

	"fsserver/internal/cbmerr"
	"fsserver/internal/provider"
)

// Entry is one assigned drive: its endpoint, the scheme/location that
// produced it (so Assign can detect a no-op reassignment), and its
// current-directory cursor.
type Entry struct {
	Drive    int
	Scheme   string
	Location string
	Endpoint provider.Endpoint
	Cwd      string
}

// Table is the live drive-number -> Entry map for one server run.
type Table struct {
	mu       sync.Mutex
	registry *provider.Registry
	entries  map[int]*Entry
}

func NewTable(reg *provider.Registry) *Table {
	return &Table{registry: reg, entries: make(map[int]*Entry)}
}

// Assign binds drive to scheme:location, releasing whatever endpoint it
// was previously assigned to if this is a genuine reassignment (not a
// re-use of the same location by another drive).
func (t *Table) Assign(ctx context.Context, driveNum int, scheme, location string) error {
	if driveNum < 0 || driveNum > 15 {
		return cbmerr.New(cbmerr.SYNTAX_INVAL, "drive number out of range")
	}
	ep, err := t.registry.Resolve(ctx, scheme, location)
	if err != nil {
		return cbmerr.New(cbmerr.DRIVE_NOT_READY, err.Error())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old, had := t.entries[driveNum]
	t.entries[driveNum] = &Entry{Drive: driveNum, Scheme: scheme, Location: location, Endpoint: ep, Cwd: "/"}
	if !had || (old.Scheme == scheme && old.Location == location) {
		return nil
	}
	for _, other := range t.entries {
		if other.Scheme == old.Scheme && other.Location == old.Location {
			return nil
		}
	}
	return t.registry.Release(old.Scheme, old.Location)
}

// Unassign drops drive's entry. The shared endpoint itself is only
// released from the registry once no drive references its
// scheme:location any more (spec.md §3's is_assigned reference count);
// reconciling that is the registry's job via Release, called here only
// when this was the last drive pointing at that location.
func (t *Table) Unassign(driveNum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.entries[driveNum]
	if !ok {
		return cbmerr.New(cbmerr.DRIVE_NOT_READY, "drive not assigned")
	}
	delete(t.entries, driveNum)
	for _, other := range t.entries {
		if other.Scheme == ent.Scheme && other.Location == ent.Location {
			return nil
		}
	}
	return t.registry.Release(ent.Scheme, ent.Location)
}

// Get returns the entry for a drive, or DRIVE_NOT_READY.
func (t *Table) Get(driveNum int) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.entries[driveNum]
	if !ok {
		return nil, cbmerr.New(cbmerr.DRIVE_NOT_READY, "drive not assigned")
	}
	return ent, nil
}

// Dump renders every assigned drive, for the stdin "D" UI command
// (spec.md §6), mirroring drives_dump's log-line shape.
func (t *Table) Dump() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for _, ent := range t.entries {
		out = append(out, ent.Scheme+":"+ent.Location+" -> drive "+itoa(ent.Drive)+" cwd="+ent.Cwd)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
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
