package localfs

import (
	"errors"
	"io/fs"
	"os"
	"syscall"

	"fsserver/internal/cbmerr"
)

// mapOSErr implements spec.md §7's fixed OS error table: ENOENT ->
// FILE_NOT_FOUND, EACCES -> NO_PERMISSION, ENOSPC -> DISK_FULL,
// EISDIR/ENOTDIR -> FILE_TYPE_MISMATCH, ENOTEMPTY -> DIR_NOT_EMPTY,
// EMFILE -> NO_CHANNEL, EINVAL -> SYNTAX_INVAL, default -> FAULT.
func mapOSErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *os.PathError
	underlying := err
	if errors.As(err, &pe) {
		underlying = pe.Err
	}
	var errno syscall.Errno
	if errors.As(underlying, &errno) {
		switch errno {
		case syscall.ENOENT:
			return cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
		case syscall.EACCES:
			return cbmerr.New(cbmerr.NO_PERMISSION, err.Error())
		case syscall.ENOSPC:
			return cbmerr.New(cbmerr.DISK_FULL, err.Error())
		case syscall.EISDIR, syscall.ENOTDIR:
			return cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, err.Error())
		case syscall.ENOTEMPTY:
			return cbmerr.New(cbmerr.DIR_NOT_EMPTY, err.Error())
		case syscall.EMFILE:
			return cbmerr.New(cbmerr.NO_CHANNEL, err.Error())
		case syscall.EINVAL:
			return cbmerr.New(cbmerr.SYNTAX_INVAL, err.Error())
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
	}
	if errors.Is(err, fs.ErrExist) {
		return cbmerr.New(cbmerr.FILE_EXISTS, err.Error())
	}
	if errors.Is(err, fs.ErrPermission) {
		return cbmerr.New(cbmerr.NO_PERMISSION, err.Error())
	}
	return cbmerr.New(cbmerr.FAULT, err.Error())
}
