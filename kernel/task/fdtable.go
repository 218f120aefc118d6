package task

import (
	"io"

	"rvkern/kernel"
	"rvkern/kernel/idalloc"
	"rvkern/kernel/sync"
	"rvkern/kernel/vfs"
)

var (
	// ErrBadFD is returned when a descriptor does not name an open file.
	ErrBadFD = &kernel.Error{Module: "task", Message: "bad file descriptor"}

	// ErrTooManyFiles is returned when a descriptor table is full.
	ErrTooManyFiles = &kernel.Error{Module: "task", Message: "too many open files"}

	errBadWhence = &kernel.Error{Module: "task", Message: "bad seek whence"}
)

// DefaultMaxFiles is the descriptor table capacity given to new processes.
const DefaultMaxFiles = 64

// FD indexes a process's descriptor table.
type FD uint32

type fdEntry struct {
	file vfs.File
	off  int64
}

// FDTable maps small integer descriptors to open files. Descriptors are
// recycled smallest-free-first so a fresh install reuses the lowest closed
// slot. The cursor lives in the table entry, not the file: files expose
// explicit-offset I/O only, and the table layers sequential reads, writes
// and seeks on top of it.
type FDTable struct {
	mu    sync.Spinlock
	ids   *idalloc.Allocator
	slots []fdEntry
}

// NewFDTable returns an empty descriptor table holding up to capacity
// open files.
func NewFDTable(capacity uint32) *FDTable {
	return &FDTable{
		ids:   idalloc.New(capacity),
		slots: make([]fdEntry, capacity),
	}
}

// Install assigns the lowest free descriptor to f with the cursor at
// offset zero.
func (ft *FDTable) Install(f vfs.File) (FD, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	id, err := ft.ids.Alloc()
	if err != nil {
		return 0, ErrTooManyFiles
	}

	ft.slots[id] = fdEntry{file: f}
	return FD(id), nil
}

// Get returns the open file named by fd.
func (ft *FDTable) Get(fd FD) (vfs.File, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if !ft.ids.IsUsed(uint32(fd)) {
		return nil, ErrBadFD
	}
	return ft.slots[fd].file, nil
}

// Read copies up to len(p) bytes from fd's cursor position into p and
// advances the cursor by the amount read.
func (ft *FDTable) Read(fd FD, p []byte) (int, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if !ft.ids.IsUsed(uint32(fd)) {
		return 0, ErrBadFD
	}

	ent := &ft.slots[fd]
	n, err := ent.file.ReadAt(p, ent.off)
	ent.off += int64(n)
	return n, err
}

// Write copies p to fd's cursor position and advances the cursor by the
// amount written.
func (ft *FDTable) Write(fd FD, p []byte) (int, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if !ft.ids.IsUsed(uint32(fd)) {
		return 0, ErrBadFD
	}

	ent := &ft.slots[fd]
	n, err := ent.file.WriteAt(p, ent.off)
	ent.off += int64(n)
	return n, err
}

// Seek repositions fd's cursor according to whence, which follows the
// io.Seek* constants, and returns the new cursor position. Seeking before
// the start of the file is rejected; seeking past the end is allowed.
func (ft *FDTable) Seek(fd FD, off int64, whence int) (int64, *kernel.Error) {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if !ft.ids.IsUsed(uint32(fd)) {
		return 0, ErrBadFD
	}

	ent := &ft.slots[fd]

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = ent.off
	case io.SeekEnd:
		fi, err := ent.file.Stat()
		if err != nil {
			return 0, err
		}
		base = fi.Size
	default:
		return 0, errBadWhence
	}

	pos := base + off
	if pos < 0 {
		return 0, vfs.ErrBadOffset
	}

	ent.off = pos
	return pos, nil
}

// Close releases fd and closes the underlying file. The descriptor is
// freed even if the file reports an error on close.
func (ft *FDTable) Close(fd FD) *kernel.Error {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if !ft.ids.IsUsed(uint32(fd)) {
		return ErrBadFD
	}

	f := ft.slots[fd].file
	ft.slots[fd] = fdEntry{}
	ft.ids.Free(uint32(fd))
	return f.Close()
}

// CloseAll closes every open descriptor. It is called when a process is
// reaped; close errors are discarded since the owner is already gone.
func (ft *FDTable) CloseAll() {
	ft.mu.Acquire()
	defer ft.mu.Release()

	for id := uint32(0); id < ft.ids.Cap(); id++ {
		if !ft.ids.IsUsed(id) {
			continue
		}
		ft.slots[id].file.Close()
		ft.slots[id] = fdEntry{}
		ft.ids.Free(id)
	}
}

// Clone returns a copy of the table for a forked child. Descriptor numbers
// and cursor positions are copied; the open files themselves are shared
// with the parent.
func (ft *FDTable) Clone(capacity uint32) *FDTable {
	ft.mu.Acquire()
	defer ft.mu.Release()

	if capacity < ft.ids.Cap() {
		capacity = ft.ids.Cap()
	}

	child := NewFDTable(capacity)
	for id := uint32(0); id < ft.ids.Cap(); id++ {
		if !ft.ids.IsUsed(id) {
			continue
		}
		child.ids.AllocAt(id)
		child.slots[id] = ft.slots[id]
	}
	return child
}
