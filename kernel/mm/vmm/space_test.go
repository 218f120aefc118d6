package vmm

import (
	"encoding/binary"
	"testing"

	"rvkern/kernel"
	"rvkern/kernel/mm"
	"rvkern/kernel/mm/pmm"
)

const testPhysBase = uintptr(0x80000000)

func newTestAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()

	alloc, err := pmm.New(testPhysBase, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}
	return alloc
}

func newTestSpace(t *testing.T) (*AddressSpace, *pmm.Allocator) {
	t.Helper()

	alloc := newTestAllocator(t)
	space, err := NewAddressSpace(alloc)
	if err != nil {
		t.Fatal(err)
	}
	return space, alloc
}

// failingSource wraps a real allocator and starts failing once its
// allocation budgets are used up. A negative budget never fails.
type failingSource struct {
	*pmm.Allocator
	dataLeft  int
	tableLeft int
	err       *kernel.Error
}

func (s *failingSource) AllocFrame() (mm.Frame, *kernel.Error) {
	if s.dataLeft == 0 {
		return mm.InvalidFrame, s.err
	}
	if s.dataLeft > 0 {
		s.dataLeft--
	}
	return s.Allocator.AllocFrame()
}

func (s *failingSource) AllocTableFrame() (mm.Frame, *kernel.Error) {
	if s.tableLeft == 0 {
		return mm.InvalidFrame, s.err
	}
	if s.tableLeft > 0 {
		s.tableLeft--
	}
	return s.Allocator.AllocTableFrame()
}

func TestAddressSpaceMapTranslate(t *testing.T) {
	space, _ := newTestSpace(t)

	var (
		base  = uintptr(0x40000000)
		start = mm.PageFromAddress(base)
	)

	if err := space.Map(start, 4, FlagRead|FlagWrite, Anon()); err != nil {
		t.Fatal(err)
	}

	seen := make(map[uintptr]bool)
	for i := uintptr(0); i < 4; i++ {
		virt := base + i<<mm.PageShift + 123
		pa, flags, err := space.Translate(virt)
		if err != nil {
			t.Fatalf("translate(0x%x): %v", virt, err)
		}

		if flags != FlagRead|FlagWrite {
			t.Errorf("expected page %d to carry flags R|W; got 0x%x", i, uint64(flags))
		}
		if pa&(mm.PageSize-1) != 123 {
			t.Errorf("expected page offset to be preserved; got physical address 0x%x", pa)
		}

		frameAddr := pa &^ (mm.PageSize - 1)
		if seen[frameAddr] {
			t.Errorf("page %d shares a frame with an earlier page", i)
		}
		seen[frameAddr] = true
	}

	if _, _, err := space.Translate(base + 4<<mm.PageShift); err != ErrUnmapped {
		t.Fatalf("expected ErrUnmapped past the region end; got %v", err)
	}
	if _, _, err := space.Translate(uintptr(1) << 40); err != ErrUnmapped {
		t.Fatalf("expected ErrUnmapped outside the 39-bit space; got %v", err)
	}
}

// The table tree built by Map must be readable by a hardware walker:
// little-endian 64-bit entries, intermediate levels valid-only, leaves
// carrying the frame number at bits 10 to 53 and the permission bits below.
func TestPageTableWiring(t *testing.T) {
	space, alloc := newTestSpace(t)

	virt := uintptr(0x40201000) // table indices 1/1/1
	if err := space.Map(mm.PageFromAddress(virt), 1, FlagRead|FlagWrite, Anon()); err != nil {
		t.Fatal(err)
	}

	pa, _, err := space.Translate(virt)
	if err != nil {
		t.Fatal(err)
	}
	leafFrame := mm.FrameFromAddress(pa)

	rootWord := binary.LittleEndian.Uint64(alloc.FrameBytes(space.RootFrame())[1*8:])
	if rootWord&^ppnMask != uint64(FlagValid) {
		t.Fatalf("expected a valid-only intermediate entry at the root; got 0x%x", rootWord)
	}

	midWord := binary.LittleEndian.Uint64(alloc.FrameBytes(Entry(rootWord).Frame())[1*8:])
	if midWord&^ppnMask != uint64(FlagValid) {
		t.Fatalf("expected a valid-only intermediate entry at level 1; got 0x%x", midWord)
	}

	leafWord := binary.LittleEndian.Uint64(alloc.FrameBytes(Entry(midWord).Frame())[1*8:])
	expWord := uint64(leafFrame)<<ppnShift | uint64(FlagValid|FlagRead|FlagWrite)
	if leafWord != expWord {
		t.Fatalf("expected leaf entry word 0x%x; got 0x%x", expWord, leafWord)
	}
}

func TestMapValidation(t *testing.T) {
	space, _ := newTestSpace(t)

	if err := space.Map(8, 8, FlagRead, Anon()); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr  string
		start  mm.Page
		pages  uint64
		flags  EntryFlag
		expErr *kernel.Error
	}{
		{"empty range", 100, 0, FlagRead, errBadRange},
		{"start past the address space", maxPage, 1, FlagRead, errBadRange},
		{"end past the address space", maxPage - 1, 2, FlagRead, errBadRange},
		{"no access bits", 100, 1, 0, errBadPermissions},
		{"write-only", 100, 1, FlagWrite, errBadPermissions},
		{"write and exec without read", 100, 1, FlagWrite | FlagExec, errBadPermissions},
		{"overlap at the head", 4, 5, FlagRead, ErrOverlap},
		{"overlap at the tail", 15, 4, FlagRead, ErrOverlap},
		{"contained", 10, 2, FlagRead, ErrOverlap},
		{"surrounding", 4, 20, FlagRead, ErrOverlap},
	}

	for specIndex, spec := range specs {
		if err := space.Map(spec.start, spec.pages, spec.flags, AnonOnDemand()); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}

	// Ranges that merely touch the existing region are fine.
	if err := space.Map(16, 4, FlagRead, AnonOnDemand()); err != nil {
		t.Fatalf("expected an adjacent mapping to succeed; got %v", err)
	}
	if err := space.Map(0, 8, FlagRead, AnonOnDemand()); err != nil {
		t.Fatalf("expected an adjacent mapping to succeed; got %v", err)
	}
}

func TestMapBackout(t *testing.T) {
	errBoom := &kernel.Error{Module: "test", Message: "frame budget exceeded"}

	alloc := newTestAllocator(t)
	src := &failingSource{Allocator: alloc, dataLeft: 2, tableLeft: -1, err: errBoom}

	space, err := NewAddressSpace(src)
	if err != nil {
		t.Fatal(err)
	}

	pre := alloc.Stats()
	if err = space.Map(mm.PageFromAddress(0x40000000), 4, FlagRead|FlagWrite, Anon()); err != errBoom {
		t.Fatalf("expected the injected allocation error; got %v", err)
	}

	if post := alloc.Stats(); post != pre {
		t.Fatalf("expected a failed Map to leave the allocator untouched; got %+v, want %+v", post, pre)
	}

	if _, _, err := space.Translate(0x40000000); err != ErrUnmapped {
		t.Fatalf("expected no leaves to survive the backout; got %v", err)
	}
}

func TestMapBackoutReclaimsTables(t *testing.T) {
	errBoom := &kernel.Error{Module: "test", Message: "table budget exceeded"}

	alloc := newTestAllocator(t)
	pristine := alloc.Stats()

	// The table budget covers the root and the first intermediate level;
	// chaining in the second fails before any leaf is written.
	src := &failingSource{Allocator: alloc, dataLeft: -1, tableLeft: 2, err: errBoom}
	space, err := NewAddressSpace(src)
	if err != nil {
		t.Fatal(err)
	}

	pre := alloc.Stats()
	if err = space.Map(mm.PageFromAddress(0x40000000), 1, FlagRead|FlagWrite, Anon()); err != errBoom {
		t.Fatalf("expected the injected allocation error; got %v", err)
	}
	if post := alloc.Stats(); post != pre {
		t.Fatalf("expected the failed walk to release the tables it chained in; got %+v, want %+v", post, pre)
	}

	// With no orphaned chain left behind, teardown returns the allocator
	// to its boot state.
	space.Release()
	if post := alloc.Stats(); post != pristine {
		t.Fatalf("expected Release to free every table frame; got %+v, want %+v", post, pristine)
	}
}

func TestUnmap(t *testing.T) {
	space, alloc := newTestSpace(t)
	pre := alloc.Stats()

	start := mm.PageFromAddress(0x40000000)
	if err := space.Map(start, 8, FlagRead|FlagWrite, Anon()); err != nil {
		t.Fatal(err)
	}

	// Punch a hole in the middle; the region splits in two.
	if err := space.Unmap(start+2, 2); err != nil {
		t.Fatal(err)
	}

	for i := mm.Page(0); i < 8; i++ {
		_, _, err := space.Translate((start + i).Address())
		inHole := i >= 2 && i < 4
		if inHole && err != ErrUnmapped {
			t.Errorf("expected page %d to be unmapped; got %v", i, err)
		}
		if !inHole && err != nil {
			t.Errorf("expected page %d to remain mapped; got %v", i, err)
		}
	}

	// The hole can be remapped without an overlap error.
	if err := space.Map(start+2, 2, FlagRead, AnonOnDemand()); err != nil {
		t.Fatalf("expected remapping the hole to succeed; got %v", err)
	}

	if err := space.Unmap(start+100, 4); err != ErrUnmapped {
		t.Fatalf("expected ErrUnmapped for a range outside every region; got %v", err)
	}

	// Removing everything returns the allocator to its pre-map state:
	// data frames freed and emptied tables reclaimed.
	if err := space.Unmap(start, 8); err != nil {
		t.Fatal(err)
	}
	if post := alloc.Stats(); post != pre {
		t.Fatalf("expected all frames to be reclaimed; got %+v, want %+v", post, pre)
	}
}

func TestUnmapTrimsBacking(t *testing.T) {
	space, alloc := newTestSpace(t)

	// A physical window split by an unmap must keep the surviving pages
	// anchored to their original frames.
	window := mm.Frame(0x10000)
	start := mm.PageFromAddress(0x20000000)
	if err := space.Map(start, 4, FlagRead|FlagWrite, PhysWindow(window)); err != nil {
		t.Fatal(err)
	}

	pre := alloc.Stats()
	if err := space.Unmap(start, 2); err != nil {
		t.Fatal(err)
	}
	if post := alloc.Stats(); post.FreeFrames != pre.FreeFrames {
		t.Fatal("expected unmapping a physical window not to free any data frames")
	}

	for i := mm.Page(2); i < 4; i++ {
		pa, _, err := space.Translate((start + i).Address())
		if err != nil {
			t.Fatal(err)
		}
		if exp := (window + mm.Frame(i)).Address(); pa != exp {
			t.Fatalf("expected surviving window page at 0x%x; got 0x%x", exp, pa)
		}
	}

	if _, _, err := space.Translate(start.Address()); err != ErrUnmapped {
		t.Fatalf("expected the unmapped head to report ErrUnmapped; got %v", err)
	}
}

func TestPhysWindowTranslate(t *testing.T) {
	space, _ := newTestSpace(t)

	// Map a device window that lies outside the RAM managed by the
	// allocator; only table frames may come from the pool.
	const uartFrame = mm.Frame(0x10000)
	start := mm.PageFromAddress(0x3f000000)

	if err := space.Map(start, 2, FlagRead|FlagWrite, PhysWindow(uartFrame)); err != nil {
		t.Fatal(err)
	}

	pa, flags, err := space.Translate(start.Address() + mm.PageSize + 0x40)
	if err != nil {
		t.Fatal(err)
	}
	if exp := (uartFrame + 1).Address() + 0x40; pa != exp {
		t.Fatalf("expected physical address 0x%x; got 0x%x", exp, pa)
	}
	if flags != FlagRead|FlagWrite {
		t.Fatalf("expected window flags R|W; got 0x%x", uint64(flags))
	}
}

func TestRelease(t *testing.T) {
	alloc := newTestAllocator(t)
	pre := alloc.Stats()

	space, err := NewAddressSpace(alloc)
	if err != nil {
		t.Fatal(err)
	}

	if err = space.Map(mm.PageFromAddress(0x40000000), 8, FlagRead|FlagWrite, Anon()); err != nil {
		t.Fatal(err)
	}
	if err = space.Map(mm.PageFromAddress(0x50000000), 8, FlagRead, AnonOnDemand()); err != nil {
		t.Fatal(err)
	}
	if outcome, ferr := space.HandleFault(0x50000000, AccessLoad); outcome != FaultResolved || ferr != nil {
		t.Fatalf("expected the fault to resolve; got outcome %d, err %v", outcome, ferr)
	}

	space.Release()

	if post := alloc.Stats(); post != pre {
		t.Fatalf("expected Release to return every frame; got %+v, want %+v", post, pre)
	}
}
