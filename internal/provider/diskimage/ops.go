package diskimage

import (
	"context"
	"strings"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/diskimage"
	"fsserver/internal/provider"
)

func (e *Endpoint) Scratch(ctx context.Context, pattern string) (int, error) {
	entries, err := e.entries()
	if err != nil {
		return 0, err
	}
	pat := charset.ConvertString(charset.PETSCII, charset.ASCII, pattern)
	deleted := 0
	for _, fe := range entries {
		if pat != "" && pat != "*" && !charset.MatchPattern(pat, fe.Name, true) {
			continue
		}
		if err := e.deleteOne(fe.Name); err != nil {
			continue
		}
		deleted++
	}
	if deleted == 0 {
		return 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, pattern)
	}
	return deleted, nil
}

func (e *Endpoint) deleteOne(name string) error {
	switch e.kind {
	case kindD64:
		return wrapEngineErr(diskimage.DeleteFileD64(e.path, name))
	case kindD71:
		return wrapEngineErr(diskimage.DeleteFileD71(e.path, name))
	case kindD81:
		return wrapEngineErr(diskimage.DeleteFileD81(e.path, name))
	}
	return cbmerr.New(cbmerr.FAULT, "unknown image kind")
}

func (e *Endpoint) Rename(ctx context.Context, from, to string) error {
	switch e.kind {
	case kindD64:
		return wrapEngineErr(diskimage.RenameFileD64(e.path, from, to, false))
	case kindD71:
		return wrapEngineErr(diskimage.RenameFileD71(e.path, from, to, false))
	case kindD81:
		return wrapEngineErr(diskimage.RenameFileD81(e.path, from, to, false))
	}
	return cbmerr.New(cbmerr.FAULT, "unknown image kind")
}

// Copy concatenates sources and writes the result as dest, per spec.md
// §4.3's COPY semantics (single destination, one or more sources).
func (e *Endpoint) Copy(ctx context.Context, dest string, sources []string) error {
	var buf []byte
	for _, src := range sources {
		data, _, err := e.readWhole(src)
		if err != nil {
			return err
		}
		buf = append(buf, data...)
	}
	return e.writeWhole(dest, "PRG", buf, false)
}

// Chdir/Mkdir/Rmdir: the D64/D71 engines have no directory concept at
// all (1541/1571 directories are flat, per the teacher's own doc comment
// on D64). D81 partitions are a form of sub-directory, but the teacher's
// d81_dir_ops.go functions operate on whole paths rather than a
// current-directory cursor, so CHDIR is not wired to them; MKDIR/RMDIR
// are, since those are one-shot operations that don't need cursor state.
func (e *Endpoint) Chdir(ctx context.Context, name string) error {
	return cbmerr.New(cbmerr.FAULT, "CHDIR is not supported on this image type")
}

func (e *Endpoint) Mkdir(ctx context.Context, name string) error {
	if e.kind != kindD81 {
		return cbmerr.New(cbmerr.FAULT, "MKDIR requires a D81 (1581) image")
	}
	if err := diskimage.MkdirDirD81(e.path, name, true); err != nil {
		return wrapEngineErr(err)
	}
	return nil
}

func (e *Endpoint) Rmdir(ctx context.Context, name string) error {
	if e.kind != kindD81 {
		return cbmerr.New(cbmerr.FAULT, "RMDIR requires a D81 (1581) image")
	}
	if err := diskimage.RmdirDirD81(e.path, name, false); err != nil {
		return wrapEngineErr(err)
	}
	return nil
}

// Block implements U1/U2 (block read/write) and B-A/B-F (block
// allocate/free), spec.md §4.5.8. Only D64 images carry the raw sector
// helpers needed for this; D71/D81 report FAULT until their own BAM
// layouts get the same treatment.
func (e *Endpoint) Block(ctx context.Context, op provider.BlockOp, channel int, track, sector byte) (*provider.File, []byte, error) {
	if e.kind != kindD64 {
		return nil, nil, cbmerr.New(cbmerr.FAULT, "block access is only implemented for D64 images in this build")
	}
	switch op {
	case provider.BlockRead:
		data, err := diskimage.ReadSectorD64(e.path, int(track), int(sector))
		if err != nil {
			return nil, nil, cbmerr.NewTS(cbmerr.ILLEGAL_T_OR_S, track, sector, err.Error())
		}
		return nil, data, nil
	case provider.BlockWrite:
		return nil, nil, cbmerr.New(cbmerr.FAULT, "block write payload must accompany the request")
	case provider.BlockAllocate:
		if err := diskimage.SetSectorAllocatedD64(e.path, int(track), int(sector), true); err != nil {
			return nil, nil, cbmerr.NewTS(cbmerr.NO_BLOCK, track, sector, err.Error())
		}
		return nil, nil, nil
	case provider.BlockFree:
		if err := diskimage.SetSectorAllocatedD64(e.path, int(track), int(sector), false); err != nil {
			return nil, nil, cbmerr.NewTS(cbmerr.ILLEGAL_T_OR_S, track, sector, err.Error())
		}
		return nil, nil, nil
	default:
		return nil, nil, cbmerr.New(cbmerr.FAULT, "unknown block operation")
	}
}

// WriteBlockD64 is called by the dispatcher after receiving a U2 payload
// (spec.md §4.5.8 splits the write into "open channel at T/S" then a
// following data packet, unlike read which returns data immediately).
func (e *Endpoint) WriteBlockD64(track, sector byte, data []byte) error {
	if e.kind != kindD64 {
		return cbmerr.New(cbmerr.FAULT, "block access is only implemented for D64 images in this build")
	}
	if err := diskimage.WriteSectorD64(e.path, int(track), int(sector), data); err != nil {
		return cbmerr.NewTS(cbmerr.ILLEGAL_T_OR_S, track, sector, err.Error())
	}
	return nil
}

func (e *Endpoint) Info(ctx context.Context) (provider.Info, error) {
	free, _ := e.freeBlocks()
	return provider.Info{FreeBlocks: free, StatusLine: strings.ToUpper(e.diskName())}, nil
}

func (e *Endpoint) Format(ctx context.Context, name, id string) error {
	switch e.kind {
	case kindD64:
		if err := diskimage.FormatD64(e.path, name, id); err != nil {
			return cbmerr.As(err)
		}
		return nil
	case kindD71:
		if err := diskimage.FormatD71(e.path, name, id); err != nil {
			return cbmerr.As(err)
		}
		return nil
	case kindD81:
		if err := diskimage.FormatD81(e.path, name, id); err != nil {
			return cbmerr.As(err)
		}
		return nil
	default:
		return cbmerr.New(cbmerr.FAULT, "FORMAT is not implemented for this image kind")
	}
}

func (e *Endpoint) Close() error { return nil }
