package localfs

import (
	"context"
	"os"

	"fsserver/internal/cbmerr"
)

// relFile implements REL file semantics on a plain host file: each record
// occupies recordLen bytes, addressed by POSITION(n) (0-based record
// number, per spec.md §4.5.7/§8 scenario 2), with gaps filled by 0xFF
// padding the first time a record beyond EOF is touched.
//
// Grounded on spec.md §4.4's statement that a host-FS REL file "extends by
// writing 0xFF markers every recordlen bytes ... following the same
// expansion schedule as the DI back-end" and on the teacher's os.File based
// seqFile for the plumbing.
type relFile struct {
	f         *os.File
	recordLen int
	recordPos int64 // current record number (0-based), set by Position
	offset    int64 // current byte offset within the record
}

func (r *relFile) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil {
		return n, mapOSErr(err)
	}
	return n, nil
}

func (r *relFile) Write(p []byte) (int, error) {
	if r.recordLen > 0 && len(p) > r.recordLen {
		return 0, cbmerr.New(cbmerr.OVERFLOW_IN_RECORD, "record too long")
	}
	n, err := r.f.Write(p)
	if err != nil {
		return n, mapOSErr(err)
	}
	// Pad the remainder of the record with NUL so a subsequent read of the
	// full record returns the written bytes followed by zeroes, per
	// spec.md §8 scenario 2.
	if r.recordLen > 0 && n < r.recordLen {
		pad := make([]byte, r.recordLen-n)
		if _, err := r.f.Write(pad); err != nil {
			return n, mapOSErr(err)
		}
		if _, err := r.f.Seek(int64(-(r.recordLen - n)), 1); err != nil {
			return n, mapOSErr(err)
		}
	}
	return n, nil
}

func (r *relFile) Close() error {
	if err := r.f.Close(); err != nil {
		return mapOSErr(err)
	}
	return nil
}

// Position seeks to record n (0-based). Records beyond the current end of
// file are created by padding with 0xFF bytes, and the very first touch of
// a newly created record yields a leading 0xFF followed by zero bytes on
// read, matching spec.md §8 scenario 2's second POSITION/READ pair.
func (r *relFile) Position(ctx context.Context, n uint32) error {
	if r.recordLen <= 0 {
		return cbmerr.New(cbmerr.FAULT, "position requires an open REL file")
	}
	offset := int64(n) * int64(r.recordLen)

	fi, err := r.f.Stat()
	if err != nil {
		return mapOSErr(err)
	}
	size := fi.Size()

	if offset > size {
		if err := r.growWithFF(size, offset); err != nil {
			return err
		}
	}

	if _, err := r.f.Seek(offset, 0); err != nil {
		return mapOSErr(err)
	}
	r.recordPos = int64(n)
	r.offset = offset

	if offset == size {
		return cbmerr.New(cbmerr.RECORD_NOT_PRESENT, "record does not exist")
	}
	return nil
}

// growWithFF extends the file from `from` to `to` bytes, writing a leading
// 0xFF marker at the start of each newly created record and NUL for the
// rest, per the DI back-end's REL expansion convention (spec.md §4.5.7).
func (r *relFile) growWithFF(from, to int64) error {
	if _, err := r.f.Seek(from, 0); err != nil {
		return mapOSErr(err)
	}
	remaining := to - from
	for remaining > 0 {
		chunk := int64(r.recordLen)
		if chunk > remaining {
			chunk = remaining
		}
		buf := make([]byte, chunk)
		buf[0] = 0xFF
		if _, err := r.f.Write(buf); err != nil {
			return mapOSErr(err)
		}
		remaining -= chunk
	}
	return nil
}
