package dtb

import "encoding/binary"

// Builder assembles a flattened device tree blob. Embedders that start the
// kernel without a firmware-provided tree use it to describe the hosted
// machine; the package tests build both well-formed and corrupt blobs with
// it. Calls are not validated against the devicetree grammar: an
// unbalanced BeginNode/EndNode pair produces a blob Parse rejects, which
// is occasionally the point.
type Builder struct {
	strukt  []byte
	strings []byte
	strOffs map[string]uint32
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{strOffs: make(map[string]uint32)}
}

// BeginNode opens a node. The root node's name is the empty string.
func (b *Builder) BeginNode(name string) {
	b.word(tokBeginNode)
	b.strukt = append(b.strukt, name...)
	b.strukt = append(b.strukt, 0)
	b.pad()
}

// EndNode closes the most recently opened node.
func (b *Builder) EndNode() {
	b.word(tokEndNode)
}

// Prop adds a property with a raw value to the open node.
func (b *Builder) Prop(name string, val []byte) {
	b.word(tokProp)
	b.word(uint32(len(val)))
	b.word(b.internString(name))
	b.strukt = append(b.strukt, val...)
	b.pad()
}

// PropString adds a NUL-terminated string property.
func (b *Builder) PropString(name, val string) {
	b.Prop(name, append([]byte(val), 0))
}

// PropU32 adds a property of big-endian 32-bit cells.
func (b *Builder) PropU32(name string, vals ...uint32) {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(buf[4*i:], v)
	}
	b.Prop(name, buf)
}

// PropU64 adds a property of big-endian 64-bit values, each spanning two
// cells.
func (b *Builder) PropU64(name string, vals ...uint64) {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[8*i:], v)
	}
	b.Prop(name, buf)
}

// Blob assembles the header, an empty memory reservation map, the
// structure block and the strings block into a version 17 flattened
// device tree. The Builder stays usable afterwards.
func (b *Builder) Blob() []byte {
	// Struct block plus the END token that terminates the stream.
	strukt := make([]byte, len(b.strukt), len(b.strukt)+4)
	copy(strukt, b.strukt)
	var end [4]byte
	binary.BigEndian.PutUint32(end[:], tokEnd)
	strukt = append(strukt, end[:]...)

	const rsvmapSize = 16 // one terminating (0, 0) entry
	var (
		offStruct  = headerSize + rsvmapSize
		offStrings = offStruct + len(strukt)
		total      = offStrings + len(b.strings)
	)

	blob := make([]byte, total)
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], uint32(total))
	binary.BigEndian.PutUint32(blob[8:], uint32(offStruct))
	binary.BigEndian.PutUint32(blob[12:], uint32(offStrings))
	binary.BigEndian.PutUint32(blob[16:], headerSize)
	binary.BigEndian.PutUint32(blob[20:], 17) // version
	binary.BigEndian.PutUint32(blob[24:], 16) // last compatible version
	binary.BigEndian.PutUint32(blob[28:], 0)  // boot hart
	binary.BigEndian.PutUint32(blob[32:], uint32(len(b.strings)))
	binary.BigEndian.PutUint32(blob[36:], uint32(len(strukt)))

	copy(blob[offStruct:], strukt)
	copy(blob[offStrings:], b.strings)
	return blob
}

// internString stores a property name in the strings block once and
// returns its offset.
func (b *Builder) internString(s string) uint32 {
	if off, ok := b.strOffs[s]; ok {
		return off
	}

	off := uint32(len(b.strings))
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	b.strOffs[s] = off
	return off
}

func (b *Builder) word(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.strukt = append(b.strukt, buf[:]...)
}

func (b *Builder) pad() {
	for len(b.strukt)%4 != 0 {
		b.strukt = append(b.strukt, 0)
	}
}
