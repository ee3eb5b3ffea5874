package transfer

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSource exposes the file being offered: metadata plus random access
// reads. Supplied by the uploading caller.
type FileSource interface {
	Name() string
	Size() int64
	MimeType() string
	io.ReaderAt
}

type osFileSource struct {
	file *os.File
	name string
	size int64
	mime string
}

// OpenFileSource wraps a file on disk as a FileSource.
func OpenFileSource(path string) (FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening source: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("transfer: stat source: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("transfer: source %s is a directory", path)
	}

	name := filepath.Base(path)
	return &osFileSource{
		file: file,
		name: name,
		size: info.Size(),
		mime: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
	}, nil
}

func (s *osFileSource) Name() string     { return s.name }
func (s *osFileSource) Size() int64      { return s.size }
func (s *osFileSource) MimeType() string { return s.mime }

func (s *osFileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// BytesSource serves a file held in memory. Used in tests and for small
// ad hoc payloads.
type BytesSource struct {
	FileName string
	Mime     string
	Data     []byte
}

func (s *BytesSource) Name() string     { return s.FileName }
func (s *BytesSource) Size() int64      { return int64(len(s.Data)) }
func (s *BytesSource) MimeType() string { return s.Mime }

func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.Data)) {
		return 0, io.EOF
	}
	n := copy(p, s.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Sink receives committed chunk bytes on the downloader side.
type Sink interface {
	io.WriterAt
	// Finalize runs once after the final chunk commits.
	Finalize() error
}

type fileSink struct {
	file *os.File
}

// CreateFileSink opens (or creates) the destination file. An existing
// partial file is kept so a resumed transfer continues in place.
func CreateFileSink(path string) (Sink, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening sink: %w", err)
	}
	return &fileSink{file: file}, nil
}

func (s *fileSink) WriteAt(p []byte, off int64) (int, error) {
	return s.file.WriteAt(p, off)
}

func (s *fileSink) Finalize() error {
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// BytesSink assembles the download in memory.
type BytesSink struct {
	mu  sync.Mutex
	buf []byte
}

func (s *BytesSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := off + int64(len(p))
	if int64(len(s.buf)) < end {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	return len(p), nil
}

func (s *BytesSink) Finalize() error { return nil }

func (s *BytesSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}
