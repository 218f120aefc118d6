package vmm

import (
	"rvkern/kernel/mm"
	"rvkern/kernel/vfs"
)

// BackingKind enumerates the ways a region can obtain physical frames.
type BackingKind uint8

const (
	// BackAnon regions materialize zero-filled frames owned by the
	// address space.
	BackAnon BackingKind = iota

	// BackFile regions fill their frames from a file source on first
	// access. The frames are private copies owned by the address space;
	// stores never write back to the file.
	BackFile

	// BackPhys regions window a fixed physical range (device registers,
	// DMA buffers, the kernel image). The frames are never owned and
	// never freed by the address space.
	BackPhys
)

// Backing describes where a region's memory comes from.
type Backing struct {
	Kind BackingKind

	// Lazy defers frame materialization to the first page fault instead
	// of installing every leaf at Map time. BackFile regions are always
	// lazy; BackPhys windows never are.
	Lazy bool

	// File and Off locate the region's contents when Kind is BackFile.
	File vfs.File
	Off  int64

	// Frame is the first physical frame of a BackPhys window.
	Frame mm.Frame
}

// Anon returns a zero-fill backing whose frames are all allocated and
// mapped by the Map call itself.
func Anon() Backing {
	return Backing{Kind: BackAnon}
}

// AnonOnDemand returns a zero-fill backing whose frames are allocated one
// at a time by the page fault handler, so untouched pages cost nothing.
func AnonOnDemand() Backing {
	return Backing{Kind: BackAnon, Lazy: true}
}

// FileAt returns a backing that reads each page from f starting at byte
// offset off. Pages are materialized on first access.
func FileAt(f vfs.File, off int64) Backing {
	return Backing{Kind: BackFile, Lazy: true, File: f, Off: off}
}

// PhysWindow returns a backing that maps the fixed physical range starting
// at frame.
func PhysWindow(frame mm.Frame) Backing {
	return Backing{Kind: BackPhys, Frame: frame}
}

// owns reports whether frames mapped under this backing belong to the
// address space and must be released on unmap.
func (b Backing) owns() bool {
	return b.Kind != BackPhys
}

// region is a contiguous span of virtual pages with uniform permissions
// and backing. An address space keeps its regions sorted by start page and
// non-overlapping.
type region struct {
	start   mm.Page
	pages   uint64
	flags   EntryFlag
	backing Backing
}

func (r region) end() mm.Page {
	return r.start + mm.Page(r.pages)
}

// slice returns the sub-region [from, to) with the backing displaced so
// the surviving pages keep their original contents.
func (r region) slice(from, to mm.Page) region {
	nr := r
	nr.start = from
	nr.pages = uint64(to - from)

	delta := uint64(from - r.start)
	switch r.backing.Kind {
	case BackFile:
		nr.backing.Off += int64(delta) << mm.PageShift
	case BackPhys:
		nr.backing.Frame += mm.Frame(delta)
	}
	return nr
}
