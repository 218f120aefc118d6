package pmm

import (
	"testing"

	"rvkern/kernel"
	"rvkern/kernel/mm"
)

func mockFatal(t *testing.T) *bool {
	t.Helper()

	var called bool
	fatalFn = func(_ interface{}) {
		called = true
	}
	t.Cleanup(func() {
		fatalFn = kernel.Fatal
	})

	return &called
}

func TestNewAllocator(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	stats := a.Stats()
	if stats.TotalFrames != 1024 {
		t.Fatalf("expected a 4MB window to contain 1024 frames; got %d", stats.TotalFrames)
	}
	if stats.FreeFrames != 1024 {
		t.Fatalf("expected all frames to start free; got %d", stats.FreeFrames)
	}
	if stats.MetaTotalFrames != 32 {
		t.Fatalf("expected 1/32 of the window (32 frames) as metadata pool; got %d", stats.MetaTotalFrames)
	}

	if exp := mm.FrameFromAddress(0x80000000); a.baseFrame != exp {
		t.Fatalf("expected the window base frame to be %d; got %d", exp, a.baseFrame)
	}
}

func TestNewAllocatorRejectsTinyWindows(t *testing.T) {
	if _, err := New(0x80000000, 16*mm.Kb); err != errPoolTooSmall {
		t.Fatalf("expected errPoolTooSmall for a 16KB window; got %v", err)
	}

	if _, err := New(0x80000000, 0); err != errPoolTooSmall {
		t.Fatalf("expected errPoolTooSmall for an empty window; got %v", err)
	}
}

func TestAllocFrameZeroesAndReusesLowestFrame(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != a.buddyStart {
		t.Fatalf("expected the first data frame to be the lowest general-pool frame %d; got %d", a.buddyStart, frame)
	}

	// Dirty the frame, release it and allocate again: the allocator must
	// hand back the same (lowest) frame with its contents cleared.
	for i := range a.FrameBytes(frame) {
		a.FrameBytes(frame)[i] = 0xAA
	}
	if err = a.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	again, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if again != frame {
		t.Fatalf("expected the freed frame %d to be reused; got %d", frame, again)
	}

	for i, b := range a.FrameBytes(again) {
		if b != 0 {
			t.Fatalf("expected reallocated frame to be zeroed; byte %d is 0x%x", i, b)
		}
	}
}

func TestFrameReferenceCounting(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	a.RefFrame(frame)
	if got := a.FrameRefs(frame); got != 2 {
		t.Fatalf("expected 2 references after RefFrame; got %d", got)
	}

	if err = a.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}
	if got := a.FrameRefs(frame); got != 1 {
		t.Fatalf("expected the frame to stay reserved while references remain; got %d refs", got)
	}

	if err = a.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}
	if got := a.FrameRefs(frame); got != 0 {
		t.Fatalf("expected no references after the final release; got %d", got)
	}

	fatalCalled := mockFatal(t)
	if err = a.FreeFrame(frame); err != errFrameNoRefs {
		t.Fatalf("expected releasing an unreferenced frame to return errFrameNoRefs; got %v", err)
	}
	if !*fatalCalled {
		t.Fatal("expected releasing an unreferenced frame to be fatal")
	}
}

func TestTableFrames(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := a.AllocTableFrame()
	if err != nil {
		t.Fatal(err)
	}

	if frame != a.baseFrame {
		t.Fatalf("expected the first table frame to be the lowest metadata frame %d; got %d", a.baseFrame, frame)
	}
	if frame >= a.buddyStart {
		t.Fatal("expected table frames to come from the metadata pool")
	}

	if err = a.FreeTableFrame(frame); err != nil {
		t.Fatal(err)
	}

	fatalCalled := mockFatal(t)
	if err = a.FreeTableFrame(frame); err != errBitmapAllocDoubleFree {
		t.Fatalf("expected a table frame double free to return errBitmapAllocDoubleFree; got %v", err)
	}
	if !*fatalCalled {
		t.Fatal("expected a table frame double free to be fatal")
	}
}

func TestAllocBlock(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := a.AllocBlock(2)
	if err != nil {
		t.Fatal(err)
	}
	if frame != a.buddyStart {
		t.Fatalf("expected the block to start at the lowest general-pool frame %d; got %d", a.buddyStart, frame)
	}

	for i := mm.Frame(0); i < 4; i++ {
		if a.FrameBytes(frame+i) == nil {
			t.Fatalf("expected frame %d of the block to be backed by the window", frame+i)
		}
	}

	if err = a.FreeBlock(frame, 2); err != nil {
		t.Fatal(err)
	}

	fatalCalled := mockFatal(t)
	if err = a.FreeBlock(frame, 2); err != errBuddyDoubleFree {
		t.Fatalf("expected a block double free to return errBuddyDoubleFree; got %v", err)
	}
	if !*fatalCalled {
		t.Fatal("expected a block double free to be fatal")
	}
}

func TestFrameBytesBounds(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	if got := a.FrameBytes(a.baseFrame - 1); got != nil {
		t.Fatal("expected FrameBytes below the window to return nil")
	}
	if got := a.FrameBytes(a.baseFrame + mm.Frame(a.pageCount)); got != nil {
		t.Fatal("expected FrameBytes past the window to return nil")
	}
	if got := a.FrameBytes(a.baseFrame); len(got) != int(mm.PageSize) {
		t.Fatalf("expected FrameBytes to return a %d byte slice; got %d", mm.PageSize, len(got))
	}
}

func TestStatsAccounting(t *testing.T) {
	a, err := New(0x80000000, 4*mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = a.AllocFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err = a.AllocTableFrame(); err != nil {
		t.Fatal(err)
	}

	stats := a.Stats()
	if exp := uint64(1022); stats.FreeFrames != exp {
		t.Fatalf("expected %d free frames after two single-frame reservations; got %d", exp, stats.FreeFrames)
	}
	if exp := uint64(31); stats.MetaFreeFrames != exp {
		t.Fatalf("expected %d free metadata frames; got %d", exp, stats.MetaFreeFrames)
	}
}
