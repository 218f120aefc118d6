// Package vmm implements virtual address spaces over the Sv39 three-level
// translation mode. An AddressSpace owns a root page table frame and an
// ordered list of mapped regions; it extends the table lazily with frames
// from a FrameSource, resolves demand and copy-on-write page faults and
// clones itself for process forks. Table frames live inside the physical
// window managed by the frame allocator, so every entry this package
// writes is exactly what a hardware table walker would read.
package vmm

import (
	"sort"

	"rvkern/kernel"
	"rvkern/kernel/mm"
	"rvkern/kernel/sync"
)

var (
	// ErrOverlap is returned by Map when the requested range intersects
	// an existing region.
	ErrOverlap = &kernel.Error{Module: "vmm", Message: "virtual range overlaps a mapped region"}

	// ErrUnmapped is returned when a virtual address does not resolve to
	// a mapped physical page.
	ErrUnmapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrPermission reports an access that the containing region does
	// not allow.
	ErrPermission = &kernel.Error{Module: "vmm", Message: "access violates region permissions"}

	errBadRange       = &kernel.Error{Module: "vmm", Message: "virtual range is empty or extends past the 39-bit address space"}
	errBadPermissions = &kernel.Error{Module: "vmm", Message: "region permissions must include an access type and may not be write-only"}
)

// AddressSpace is one process's virtual memory mapping rooted at a single
// Sv39 page table. All methods are safe for concurrent use.
type AddressSpace struct {
	mu     sync.Spinlock
	frames FrameSource

	root    mm.Frame
	regions []region
}

// NewAddressSpace returns an empty address space whose table frames are
// drawn from src.
func NewAddressSpace(src FrameSource) (*AddressSpace, *kernel.Error) {
	root, err := src.AllocTableFrame()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{frames: src, root: root}, nil
}

// RootFrame returns the frame holding the root page table. Embedders point
// the translation hardware of a hart at it when the space becomes active.
func (a *AddressSpace) RootFrame() mm.Frame {
	return a.root
}

// Map establishes a region of pages starting at start with the given
// permissions and backing. Permission bits outside PermMask are ignored.
// Map is all-or-nothing: when frame or table allocation fails partway, the
// leaves already installed by this call are removed again and the address
// space is left exactly as it was.
func (a *AddressSpace) Map(start mm.Page, pages uint64, flags EntryFlag, backing Backing) *kernel.Error {
	if pages == 0 || start >= maxPage || pages > uint64(maxPage-start) {
		return errBadRange
	}

	flags &= PermMask
	if acc := flags & (FlagRead | FlagWrite | FlagExec); acc == 0 || (acc&FlagWrite != 0 && acc&FlagRead == 0) {
		return errBadPermissions
	}

	a.mu.Acquire()
	defer a.mu.Release()

	if a.overlaps(start, pages) {
		return ErrOverlap
	}

	r := region{start: start, pages: pages, flags: flags, backing: backing}

	switch {
	case backing.Kind == BackPhys:
		for i := uint64(0); i < pages; i++ {
			if err := a.mapPage(start+mm.Page(i), backing.Frame+mm.Frame(i), flags|FlagValid); err != nil {
				a.backout(start, i, false)
				return err
			}
		}
	case backing.Kind == BackAnon && !backing.Lazy:
		for i := uint64(0); i < pages; i++ {
			frame, err := a.frames.AllocFrame()
			if err != nil {
				a.backout(start, i, true)
				return err
			}
			if err = a.mapPage(start+mm.Page(i), frame, flags|FlagValid); err != nil {
				a.frames.FreeFrame(frame)
				a.backout(start, i, true)
				return err
			}
		}
	}

	a.insert(r)
	return nil
}

// Unmap removes the pages in [start, start+pages) from the address space.
// Frames owned by the affected regions are released, emptied page tables
// are reclaimed and region records are trimmed or split around the range.
// Unmapping a range that touches no region returns ErrUnmapped.
func (a *AddressSpace) Unmap(start mm.Page, pages uint64) *kernel.Error {
	if pages == 0 || start >= maxPage || pages > uint64(maxPage-start) {
		return errBadRange
	}

	a.mu.Acquire()
	defer a.mu.Release()

	var (
		end     = start + mm.Page(pages)
		touched bool
	)

	for i := 0; i < len(a.regions); {
		r := a.regions[i]
		if r.start >= end {
			break
		}
		if r.end() <= start {
			i++
			continue
		}

		touched = true
		lo, hi := max(start, r.start), min(end, r.end())
		for p := lo; p < hi; p++ {
			if old, ok := a.unmapPage(p); ok && r.backing.owns() {
				a.frames.FreeFrame(old.Frame())
			}
		}

		switch {
		case lo == r.start && hi == r.end():
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
		case lo == r.start:
			a.regions[i] = r.slice(hi, r.end())
			i++
		case hi == r.end():
			a.regions[i] = r.slice(r.start, lo)
			i++
		default:
			// The range punches a hole in the middle of the region.
			tail := r.slice(hi, r.end())
			a.regions[i] = r.slice(r.start, lo)
			a.regions = append(a.regions[:i+1], append([]region{tail}, a.regions[i+1:]...)...)
			i += 2
		}
	}

	if !touched {
		return ErrUnmapped
	}
	return nil
}

// Translate resolves virt to the physical address it is currently mapped
// at, together with the permission bits installed in the leaf entry. Pages
// of a lazy region that have not been materialized yet report ErrUnmapped
// just like addresses outside every region.
func (a *AddressSpace) Translate(virt uintptr) (uintptr, EntryFlag, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	page := mm.PageFromAddress(virt)
	if page >= maxPage {
		return 0, 0, ErrUnmapped
	}

	pte, ok := a.leafEntry(page)
	if !ok {
		return 0, 0, ErrUnmapped
	}

	return pte.Frame().Address() + PageOffset(virt), EntryFlag(pte) & PermMask, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virt uintptr) uintptr {
	return virt & (mm.PageSize - 1)
}

// Release unmaps every region and frees the page table frames including
// the root. The address space must not be used afterwards.
func (a *AddressSpace) Release() {
	a.mu.Acquire()
	defer a.mu.Release()

	for _, r := range a.regions {
		for p := r.start; p < r.end(); p++ {
			if old, ok := a.unmapPage(p); ok && r.backing.owns() {
				a.frames.FreeFrame(old.Frame())
			}
		}
	}

	a.regions = nil
	a.frames.FreeTableFrame(a.root)
	a.root = mm.InvalidFrame
}

// CloneCOW returns a copy of the address space for a forked process. Both
// spaces keep the same region list; every materialized owned frame is
// shared rather than copied, with the leaf in both spaces demoted to
// read-only and tagged copy-on-write so the first store in either space
// copies the frame (see HandleFault). Physical windows are duplicated
// as-is and remain unowned.
func (a *AddressSpace) CloneCOW() (*AddressSpace, *kernel.Error) {
	child, err := NewAddressSpace(a.frames)
	if err != nil {
		return nil, err
	}

	a.mu.Acquire()
	defer a.mu.Release()

	child.regions = append([]region(nil), a.regions...)

	for _, r := range a.regions {
		for p := r.start; p < r.end(); p++ {
			pte, ok := a.leafEntry(p)
			if !ok {
				continue
			}

			if !r.backing.owns() {
				if err = child.installEntry(p, pte); err != nil {
					child.Release()
					return nil, err
				}
				continue
			}

			if r.flags&FlagWrite != 0 && !pte.HasFlags(FlagCopyOnWrite) {
				pte.ClearFlags(FlagWrite)
				pte.SetFlags(FlagCopyOnWrite)
				if err = a.installEntry(p, pte); err != nil {
					child.Release()
					return nil, err
				}
			}

			if err = child.installEntry(p, pte); err != nil {
				child.Release()
				return nil, err
			}
			a.frames.RefFrame(pte.Frame())
		}
	}

	return child, nil
}

// CloneCopy returns a deep copy of the address space: every materialized
// owned frame is duplicated eagerly and the copies are installed with the
// full region permissions. Lazy pages that were never touched stay lazy in
// the copy.
func (a *AddressSpace) CloneCopy() (*AddressSpace, *kernel.Error) {
	child, err := NewAddressSpace(a.frames)
	if err != nil {
		return nil, err
	}

	a.mu.Acquire()
	defer a.mu.Release()

	child.regions = append([]region(nil), a.regions...)

	for _, r := range a.regions {
		for p := r.start; p < r.end(); p++ {
			pte, ok := a.leafEntry(p)
			if !ok {
				continue
			}

			if !r.backing.owns() {
				if err = child.installEntry(p, pte); err != nil {
					child.Release()
					return nil, err
				}
				continue
			}

			frame, ferr := a.frames.AllocFrame()
			if ferr != nil {
				child.Release()
				return nil, ferr
			}
			copy(a.frames.FrameBytes(frame), a.frames.FrameBytes(pte.Frame()))

			if err = child.mapPage(p, frame, r.flags|FlagValid); err != nil {
				a.frames.FreeFrame(frame)
				child.Release()
				return nil, err
			}
		}
	}

	return child, nil
}

// overlaps reports whether [start, start+pages) intersects any region.
// Callers must hold the space lock.
func (a *AddressSpace) overlaps(start mm.Page, pages uint64) bool {
	end := start + mm.Page(pages)
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].end() > start })
	return i < len(a.regions) && a.regions[i].start < end
}

// insert splices r into the sorted region list. Callers must hold the
// space lock and have checked for overlaps.
func (a *AddressSpace) insert(r region) {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].start > r.start })
	a.regions = append(a.regions[:i], append([]region{r}, a.regions[i:]...)...)
}

// regionIndex returns the index of the region containing page, or -1.
// Callers must hold the space lock.
func (a *AddressSpace) regionIndex(page mm.Page) int {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].start > page }) - 1
	if i >= 0 && page < a.regions[i].end() {
		return i
	}
	return -1
}

// leafEntry returns the leaf page table entry for page. The second return
// value is false when any level on the way down is missing or the leaf is
// not valid. Callers must hold the space lock.
func (a *AddressSpace) leafEntry(page mm.Page) (Entry, bool) {
	var pte Entry

	walk(a.frames, a.root, page.Address(), func(level int, tb []byte, idx int) bool {
		if level == pageLevels-1 {
			pte = readEntry(tb, idx)
		}
		return true
	})

	return pte, pte.HasFlags(FlagValid)
}

// installEntry writes pte as the leaf entry for page, allocating missing
// intermediate tables on the way down. A walk that fails partway leaves
// nothing behind: tables it chained in above the failure point are swept
// back out before the error is returned. Callers must hold the space lock.
func (a *AddressSpace) installEntry(page mm.Page, pte Entry) *kernel.Error {
	var (
		path [pageLevels]struct {
			tb  []byte
			idx int
		}
		depth int
		err   *kernel.Error
	)

	walk(a.frames, a.root, page.Address(), func(level int, tb []byte, idx int) bool {
		path[level].tb, path[level].idx = tb, idx
		depth = level

		if level == pageLevels-1 {
			writeEntry(tb, idx, pte)
			return true
		}

		// Intermediate level with no table yet; chain in a fresh one.
		if !readEntry(tb, idx).HasFlags(FlagValid) {
			var tableFrame mm.Frame
			if tableFrame, err = a.frames.AllocTableFrame(); err != nil {
				return false
			}

			var next Entry
			next.SetFrame(tableFrame)
			next.SetFlags(FlagValid)
			writeEntry(tb, idx, next)
		}

		return true
	})
	if err == nil {
		return nil
	}

	// The table for the level below depth could not be allocated. Any
	// table reaching down to the failure point that is left empty was
	// chained in by this walk; release the chain the way unmapPage
	// reclaims after a leaf removal. The root is kept.
	for level := depth; level > 0; level-- {
		if !tableEmpty(path[level].tb) {
			break
		}

		parent := path[level-1]
		a.frames.FreeTableFrame(readEntry(parent.tb, parent.idx).Frame())
		writeEntry(parent.tb, parent.idx, 0)
	}
	return err
}

// mapPage installs a leaf mapping page -> frame with the given flags.
// Callers must hold the space lock.
func (a *AddressSpace) mapPage(page mm.Page, frame mm.Frame, flags EntryFlag) *kernel.Error {
	var pte Entry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return a.installEntry(page, pte)
}

// unmapPage clears the leaf entry for page and reclaims any page tables
// the removal emptied. It returns the previous entry and whether a valid
// leaf was present. Callers must hold the space lock.
func (a *AddressSpace) unmapPage(page mm.Page) (Entry, bool) {
	var (
		path [pageLevels]struct {
			tb  []byte
			idx int
		}
		old   Entry
		found bool
	)

	walk(a.frames, a.root, page.Address(), func(level int, tb []byte, idx int) bool {
		path[level].tb, path[level].idx = tb, idx
		if level == pageLevels-1 {
			if old = readEntry(tb, idx); old.HasFlags(FlagValid) {
				found = true
				writeEntry(tb, idx, 0)
			}
		}
		return true
	})

	if !found {
		return 0, false
	}

	// Walk back up releasing tables the removal emptied. The root table
	// is kept for the lifetime of the address space.
	for level := pageLevels - 1; level > 0; level-- {
		if !tableEmpty(path[level].tb) {
			break
		}

		parent := path[level-1]
		a.frames.FreeTableFrame(readEntry(parent.tb, parent.idx).Frame())
		writeEntry(parent.tb, parent.idx, 0)
	}

	return old, true
}

// backout removes the first installed leaves of a partially failed Map
// call so the operation stays all-or-nothing. Callers must hold the space
// lock.
func (a *AddressSpace) backout(start mm.Page, installed uint64, owned bool) {
	for i := uint64(0); i < installed; i++ {
		if old, ok := a.unmapPage(start + mm.Page(i)); ok && owned {
			a.frames.FreeFrame(old.Frame())
		}
	}
}
