package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives captured images in order.
type Sink interface {
	WriteFrame(seq int, jpeg []byte) error
	Close() error
	// Location describes where the frames went, e.g. a directory.
	Location() string
}

// DirSink writes each image unchanged to frame_NNNNNN.jpg in a directory,
// numbered from 1. It does not encode a video.
type DirSink struct {
	dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) WriteFrame(seq int, jpeg []byte) error {
	return os.WriteFile(filepath.Join(s.dir, FrameName(seq)), jpeg, 0o644)
}

func (s *DirSink) Close() error {
	return nil
}

func (s *DirSink) Location() string {
	return s.dir
}

func FrameName(seq int) string {
	return fmt.Sprintf("frame_%06d.jpg", seq)
}

// MemorySink keeps images in memory.
type MemorySink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *MemorySink) WriteFrame(seq int, jpeg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, jpeg)
	return nil
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Location() string {
	return "memory"
}

// Frames returns a copy of the images received so far.
func (s *MemorySink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
