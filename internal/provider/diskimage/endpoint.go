// Package diskimage adapts the byte-level D64/D71/D81 engine in
// internal/diskimage to the provider.Endpoint contract, adding the parts
// spec.md §4.5 requires that the teacher's read-mostly engine did not
// have: REL file positioning, the U1/U2/B-A/B-F block channel, and
// FORMAT.
//
// Grounded on original_source/pcserver/di_provider.c for the semantics
// (BAM free-count, REL record expansion, block channel) layered onto the
// teacher's internal/diskimage parse/write/modify functions, which remain
// the on-disk engine.
package diskimage

import (
	"context"
	"os"
	"strings"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/diskimage"
	"fsserver/internal/provider"
)

func init() {
	provider.DefaultRegistrations = append(provider.DefaultRegistrations, register)
}

func register(r *provider.Registry) {
	r.Register("di", func(ctx context.Context, location string) (provider.Endpoint, error) {
		return New(location)
	})
}

// kind names which geometry/engine a mounted image uses.
type kind int

const (
	kindD64 kind = iota
	kindD71
	kindD81
)

func kindFromPath(path string) (kind, error) {
	switch strings.ToLower(strings.TrimPrefix(extOf(path), ".")) {
	case "d64":
		return kindD64, nil
	case "d71":
		return kindD71, nil
	case "d81":
		return kindD81, nil
	case "d80", "d82":
		// Geometry tables for the 8050/8250 drive family are not wired up
		// in this engine yet; nothing in internal/diskimage parses their
		// BAM layout, so mounting one fails cleanly rather than silently
		// misreading a D64-shaped image.
		return 0, cbmerr.New(cbmerr.FAULT, "d80/d82 images are not supported by this build")
	default:
		return 0, cbmerr.New(cbmerr.FAULT, "unrecognised disk image extension")
	}
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

// Endpoint mounts one disk image file.
type Endpoint struct {
	path string
	kind kind
}

func New(path string) (*Endpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, cbmerr.New(cbmerr.FILE_NOT_FOUND, path)
	}
	k, err := kindFromPath(path)
	if err != nil {
		return nil, err
	}
	return &Endpoint{path: path, kind: k}, nil
}

func (e *Endpoint) Open(ctx context.Context, channel int, name string, mode charset.AccessMode, fileType string, recordLen int) (provider.File, error) {
	if mode == charset.AccessMod || recordLen > 0 {
		return e.openRel(name, fileType, recordLen, mode == charset.AccessMod || mode == charset.AccessWrite)
	}
	switch mode {
	case charset.AccessRead, charset.AccessNone:
		return e.openRead(name)
	case charset.AccessWrite:
		return newWriteFile(e, name, fileType, false), nil
	case charset.AccessApp:
		return e.openAppend(name, fileType)
	default:
		return nil, cbmerr.New(cbmerr.FAULT, "unsupported access mode")
	}
}

func (e *Endpoint) openRead(name string) (provider.File, error) {
	data, size, err := e.readWhole(name)
	if err != nil {
		return nil, err
	}
	return &roFile{data: data, size: size}, nil
}

func (e *Endpoint) openAppend(name, fileType string) (provider.File, error) {
	data, _, err := e.readWhole(name)
	if err != nil {
		if ce := cbmerr.As(err); ce.Code == cbmerr.FILE_NOT_FOUND {
			return newWriteFile(e, name, fileType, true), nil
		}
		return nil, err
	}
	wf := newWriteFile(e, name, fileType, true)
	wf.buf = append(wf.buf, data...)
	return wf, nil
}

// relRecordIO is what the three side-sector-aware engines
// (diskimage.RelRecordIO/RelRecordIOD71/RelRecordIOD81) have in common.
type relRecordIO interface {
	ReadRecord(recordNo uint32) ([]byte, error)
	WriteRecord(recordNo uint32, data []byte) error
}

// openRel opens a REL file through the side-sector/super-side-sector
// engine for the mounted image's geometry (spec.md §4.5.7). create
// permits defining a brand new REL file with an explicit record length.
func (e *Endpoint) openRel(name, fileType string, recordLen int, create bool) (provider.File, error) {
	var rio relRecordIO
	var actualLen int
	var err error
	switch e.kind {
	case kindD64:
		rio, actualLen, err = diskimage.OpenRelD64(e.path, name, recordLen, create)
	case kindD71:
		rio, actualLen, err = diskimage.OpenRelD71(e.path, name, recordLen, create)
	case kindD81:
		rio, actualLen, err = diskimage.OpenRelD81(e.path, name, recordLen, create)
	default:
		return nil, cbmerr.New(cbmerr.FAULT, "unknown image kind")
	}
	if err != nil {
		return nil, wrapRelErr(err)
	}
	return &relFile{rio: rio, recordLen: actualLen}, nil
}

func (e *Endpoint) readWhole(name string) ([]byte, uint64, error) {
	switch e.kind {
	case kindD64:
		img, err := diskimage.LoadD64(e.path)
		if err != nil {
			return nil, 0, cbmerr.As(err)
		}
		fe, ok := img.Lookup(name)
		if !ok {
			return nil, 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, name)
		}
		data, err := diskimage.ReadFileRange(e.path, fe, 0, fe.Size)
		if err != nil {
			return nil, 0, cbmerr.As(err)
		}
		return data, fe.Size, nil
	case kindD71:
		img, err := diskimage.LoadD71(e.path)
		if err != nil {
			return nil, 0, cbmerr.As(err)
		}
		fe, ok := img.Lookup(name)
		if !ok {
			return nil, 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, name)
		}
		data, err := diskimage.ReadFileRange(e.path, fe, 0, fe.Size)
		if err != nil {
			return nil, 0, cbmerr.As(err)
		}
		return data, fe.Size, nil
	case kindD81:
		img, err := diskimage.LoadD81(e.path)
		if err != nil {
			return nil, 0, cbmerr.As(err)
		}
		fe, ok := img.Lookup(name)
		if !ok {
			return nil, 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, name)
		}
		data, err := diskimage.ReadFileRange(e.path, fe, 0, fe.Size)
		if err != nil {
			return nil, 0, cbmerr.As(err)
		}
		return data, fe.Size, nil
	}
	return nil, 0, cbmerr.New(cbmerr.FAULT, "unknown image kind")
}

// writeWhole writes the full buffer for name in one shot via the engine's
// append-only WriteFileRange*, truncating and recreating the file first.
// An empty fileType preserves whatever type the file already had on disk
// (append, or an overwrite without an explicit type); it only falls back
// to PRG for a genuinely new file.
func (e *Endpoint) writeWhole(name, fileType string, data []byte, allowOverwrite bool) error {
	if fileType == "" {
		fileType = e.existingTypeLetter(name)
	}
	switch e.kind {
	case kindD64:
		_ = diskimage.DeleteFileD64(e.path, name)
		_, err := diskimage.WriteFileRangeD64Typed(e.path, name, fileType, 0, data, true, true, allowOverwrite)
		return wrapEngineErr(err)
	case kindD71:
		diskimage.DeleteFileD71(e.path, name)
		_, err := diskimage.WriteFileRangeD71Typed(e.path, name, fileType, 0, data, true, true, allowOverwrite)
		return wrapEngineErr(err)
	case kindD81:
		diskimage.DeleteFileD81(e.path, name)
		_, err := diskimage.WriteFileRangeD81Typed(e.path, name, fileType, 0, data, true, true, allowOverwrite)
		return wrapEngineErr(err)
	}
	return cbmerr.New(cbmerr.FAULT, "unknown image kind")
}

// existingTypeLetter looks up the on-disk type of an already-existing
// file so append/overwrite-without-type opens do not silently relabel a
// SEQ/USR file as PRG.
func (e *Endpoint) existingTypeLetter(name string) string {
	switch e.kind {
	case kindD64:
		img, err := diskimage.LoadD64(e.path)
		if err != nil {
			return ""
		}
		if fe, ok := img.Lookup(name); ok {
			return typeLetter(fe.Type)
		}
	case kindD71:
		img, err := diskimage.LoadD71(e.path)
		if err != nil {
			return ""
		}
		if fe, ok := img.Lookup(name); ok {
			return typeLetter(fe.Type)
		}
	case kindD81:
		img, err := diskimage.LoadD81(e.path)
		if err != nil {
			return ""
		}
		if fe, ok := img.Lookup(name); ok {
			return typeLetter(fe.Type)
		}
	}
	return ""
}

func wrapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	type statusErr interface {
		Status() byte
	}
	if se, ok := err.(statusErr); ok {
		switch se.Status() {
		case diskimage.StatusNotFound:
			return cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
		case diskimage.StatusAlreadyExists:
			return cbmerr.New(cbmerr.FILE_EXISTS, err.Error())
		case diskimage.StatusTooLarge, diskimage.StatusRangeInvalid:
			return cbmerr.New(cbmerr.DISK_FULL, err.Error())
		case diskimage.StatusNotSupported:
			return cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, err.Error())
		case diskimage.StatusBadRequest, diskimage.StatusInvalidPath:
			return cbmerr.New(cbmerr.SYNTAX_INVAL, err.Error())
		}
	}
	return cbmerr.New(cbmerr.FAULT, err.Error())
}

// wrapRelErr is wrapEngineErr plus the two REL-specific status codes
// relchain.go's navigate()/relPosition() use.
func wrapRelErr(err error) error {
	if err == nil {
		return nil
	}
	type statusErr interface {
		Status() byte
	}
	if se, ok := err.(statusErr); ok {
		switch se.Status() {
		case diskimage.StatusRecordNotPresent:
			return cbmerr.New(cbmerr.RECORD_NOT_PRESENT, err.Error())
		case diskimage.StatusRecordOverflow:
			return cbmerr.New(cbmerr.OVERFLOW_IN_RECORD, err.Error())
		case diskimage.StatusNotSupported:
			return cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, err.Error())
		}
	}
	return wrapEngineErr(err)
}
