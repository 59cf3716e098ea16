package diskimage

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic replaces path's contents without ever leaving a
// partially-written image on disk: the new bytes land in a sibling temp
// file first, get fsynced, then get renamed over the target. A crash
// between those steps leaves either the old file or the new one, never a
// half-written one, which matters for disk images that have BAM,
// directory and data changes that must land together (spec.md's durable
// write ordering ends with fsync, and a file-level write is the last
// link in that chain for every code path that goes through atomicWriteFile
// rather than writing sectors directly via an already-open *os.File).
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-*", filepath.Base(path)))
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		// A chmod failure here shouldn't block the rename: some
		// filesystems (and most test harnesses) don't honor arbitrary
		// permission bits anyway.
		_ = err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		_ = dirf.Close()
	}
	return nil
}
