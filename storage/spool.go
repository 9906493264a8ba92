package storage

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	raft "github.com/Konstantsiy/raft-replication"
)

const DefaultSpoolThreshold = 1024 * 1024

// SpoolFactory creates spools that keep up to Threshold bytes in memory and
// spill the rest into a temporary file in Dir.
type SpoolFactory struct {
	Dir       string // empty means os.TempDir()
	Threshold int
}

func (f SpoolFactory) NewSpool() (raft.Spool, error) {
	var threshold = f.Threshold
	if threshold <= 0 {
		threshold = DefaultSpoolThreshold
	}

	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0755); err != nil {
			return nil, errors.Wrap(err, "cannot create spool directory")
		}
	}

	return &FileBackedSpool{dir: f.Dir, threshold: threshold}, nil
}

type FileBackedSpool struct {
	dir       string
	threshold int

	buf  bytes.Buffer
	file *os.File
	path string
	size int64

	sealed bool
	closed bool
}

func (s *FileBackedSpool) Write(p []byte) (int, error) {
	if s.sealed || s.closed {
		return 0, errors.New("spool is no longer writable")
	}

	if s.file == nil && s.buf.Len()+len(p) > s.threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}

	s.size += int64(n)
	return n, err
}

// spill moves the buffered bytes into a temp file, later writes go there directly
func (s *FileBackedSpool) spill() error {
	f, err := os.CreateTemp(s.dir, "snapshot-*.spool")
	if err != nil {
		return errors.Wrap(err, "cannot create spool file")
	}

	if _, err = f.Write(s.buf.Bytes()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return errors.Wrap(err, "cannot spill spool to file")
	}

	s.file = f
	s.path = f.Name()
	s.buf.Reset()

	return nil
}

func (s *FileBackedSpool) Seal() (raft.ByteSource, error) {
	if s.closed {
		return nil, errors.New("spool is closed")
	}

	if !s.sealed && s.file != nil {
		if err := s.file.Close(); err != nil {
			return nil, errors.Wrap(err, "cannot close spool file")
		}
		s.file = nil
	}
	s.sealed = true

	if s.path != "" {
		return &fileSource{spool: s}, nil
	}

	return &memorySource{spool: s}, nil
}

func (s *FileBackedSpool) IsOnDisk() bool {
	return s.path != ""
}

// Close discards the spooled bytes.
func (s *FileBackedSpool) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	s.buf = bytes.Buffer{}

	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "cannot remove spool file")
		}
	}

	return nil
}

type memorySource struct {
	spool *FileBackedSpool
}

func (m *memorySource) Size() int64 {
	return m.spool.size
}

func (m *memorySource) Open() (io.ReadCloser, error) {
	if m.spool.closed {
		return nil, errors.New("spool is closed")
	}
	return io.NopCloser(bytes.NewReader(m.spool.buf.Bytes())), nil
}

func (m *memorySource) Close() error {
	return m.spool.Close()
}

type fileSource struct {
	spool *FileBackedSpool
}

func (f *fileSource) Size() int64 {
	return f.spool.size
}

func (f *fileSource) Open() (io.ReadCloser, error) {
	if f.spool.closed {
		return nil, errors.New("spool is closed")
	}
	return os.Open(f.spool.path)
}

func (f *fileSource) Close() error {
	return f.spool.Close()
}
