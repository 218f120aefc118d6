package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// PageOrder represents a power-of-two multiple of the base page size and is
// used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a block with size PageSize
// PageOrder(1) refers to a block with size PageSize * 2
// ...
// PageOrder(MaxPageOrder) refers to a block with size PageSize * 2^MaxPageOrder
type PageOrder uint8

// MaxPageOrder defines the maximum block order that can be requested from a
// page-based allocator.
const MaxPageOrder = PageOrder(9)

// Order returns the smallest PageOrder that is suitable for storing a block
// of this size. Depending on the size, Order may return a page order that is
// greater than MaxPageOrder.
func (s Size) Order() PageOrder {
	var order PageOrder
	for ; Size(PageSize)<<order < s; order++ {
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := Size(PageSize) - 1
	return uint32(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}
