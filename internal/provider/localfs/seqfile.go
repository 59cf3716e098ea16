package localfs

import (
	"context"
	"errors"
	"io"
	"os"
)

// seqFile is a plain sequential PRG/SEQ/USR file: reads and writes pass
// straight through to the OS file, except that a read which reaches the
// end of the file returns io.EOF together with its bytes.
type seqFile struct {
	f *os.File
}

func (s *seqFile) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, mapOSErr(err)
	}
	if err == nil && n > 0 {
		pos, serr := s.f.Seek(0, io.SeekCurrent)
		fi, ferr := s.f.Stat()
		if serr == nil && ferr == nil && pos >= fi.Size() {
			err = io.EOF
		}
	}
	return n, err
}

func (s *seqFile) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if err != nil {
		return n, mapOSErr(err)
	}
	return n, nil
}

func (s *seqFile) Close() error {
	if err := s.f.Close(); err != nil {
		return mapOSErr(err)
	}
	return nil
}

// Position on a sequential file seeks to a byte offset, used by RECORD-less
// POSITION calls some hosts issue before a streamed read.
func (s *seqFile) Position(ctx context.Context, n uint32) error {
	if _, err := s.f.Seek(int64(n), 0); err != nil {
		return mapOSErr(err)
	}
	return nil
}
