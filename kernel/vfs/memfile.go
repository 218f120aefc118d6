package vfs

import (
	"rvkern/kernel"
	"rvkern/kernel/sync"
)

// MemFile is a RAM-backed File. The boot stage uses it for images loaded
// by the embedder and the test suites use it wherever a File is required.
type MemFile struct {
	mu     sync.Spinlock
	name   string
	data   []byte
	closed bool
}

// NewMemFile returns a MemFile holding a copy of data.
func NewMemFile(name string, data []byte) *MemFile {
	f := &MemFile{name: name}
	f.data = append(f.data, data...)
	return f
}

// ReadAt implements File.
func (f *MemFile) ReadAt(p []byte, off int64) (int, *kernel.Error) {
	if off < 0 {
		return 0, ErrBadOffset
	}

	f.mu.Acquire()
	defer f.mu.Release()

	if f.closed {
		return 0, ErrClosed
	}

	if off >= int64(len(f.data)) {
		return 0, nil
	}

	return copy(p, f.data[off:]), nil
}

// WriteAt implements File. Writes past the current end grow the file; any
// gap between the old end and off reads back as zeroes.
func (f *MemFile) WriteAt(p []byte, off int64) (int, *kernel.Error) {
	if off < 0 {
		return 0, ErrBadOffset
	}

	f.mu.Acquire()
	defer f.mu.Release()

	if f.closed {
		return 0, ErrClosed
	}

	if end := off + int64(len(p)); end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}

	return copy(f.data[off:], p), nil
}

// Stat implements File.
func (f *MemFile) Stat() (FileInfo, *kernel.Error) {
	f.mu.Acquire()
	defer f.mu.Release()

	if f.closed {
		return FileInfo{}, ErrClosed
	}

	return FileInfo{Name: f.name, Size: int64(len(f.data))}, nil
}

// Close implements File. Closing twice is an error.
func (f *MemFile) Close() *kernel.Error {
	f.mu.Acquire()
	defer f.mu.Release()

	if f.closed {
		return ErrClosed
	}

	f.closed = true
	return nil
}
