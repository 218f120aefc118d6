// Package vfs defines the file capability consumed by the kernel core. The
// memory manager uses it to fill file-backed pages and the process layer
// uses it to populate descriptor tables. Concrete filesystems live behind
// this interface; the core never depends on a particular backend.
package vfs

import "rvkern/kernel"

// ErrClosed is returned when operating on a file after Close.
var ErrClosed = &kernel.Error{Module: "vfs", Message: "file is closed"}

// ErrBadOffset is returned when a read or write specifies a negative offset.
var ErrBadOffset = &kernel.Error{Module: "vfs", Message: "offset is negative"}

// FileInfo describes a file.
type FileInfo struct {
	Name string
	Size int64
}

// File is the minimal set of operations the kernel core requires from an
// open filesystem object. Offsets are explicit so one File can safely back
// several descriptors and memory regions at once; per-descriptor cursors
// are maintained by the descriptor table, not here.
//
// ReadAt copies up to len(p) bytes from the file starting at off and
// returns the number of bytes copied. Reads that extend past the end of
// the file return the available prefix; reads entirely past the end return
// zero. A short read is not an error.
type File interface {
	ReadAt(p []byte, off int64) (int, *kernel.Error)
	WriteAt(p []byte, off int64) (int, *kernel.Error)
	Stat() (FileInfo, *kernel.Error)
	Close() *kernel.Error
}
