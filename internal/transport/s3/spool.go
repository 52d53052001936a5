package s3

import (
	"bytes"
	"io"
	"os"
)

// spool stages an upload locally so it can be sent with a known length and
// replayed by the fallback path. It starts in memory and moves to a temp
// file once it grows past limit.
type spool struct {
	limit int64
	mem   bytes.Buffer
	file  *os.File
	size  int64
}

func newSpool(limit, hint int64) (*spool, error) {
	s := &spool{limit: limit}
	if hint > limit {
		if err := s.spill(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *spool) spill() error {
	f, err := os.CreateTemp("", "sharepool-upload-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	s.mem = bytes.Buffer{}
	s.file = f
	return nil
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}
	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

// reader returns the staged bytes from the start. Each call rewinds.
func (s *spool) reader() (io.ReadSeeker, error) {
	if s.file == nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.file, nil
}

func (s *spool) release() {
	if s.file != nil {
		_ = s.file.Close()
		_ = os.Remove(s.file.Name())
		s.file = nil
	}
	s.mem = bytes.Buffer{}
}
