// Package dtb reads the flattened device tree blob the boot environment
// hands over and extracts the machine description the kernel needs: the
// model name, the hart count, the RAM window and the mmio ranges and
// interrupt lines of the uart, plic, clint and rtc nodes. It is not a
// general devicetree library; everything beyond those nodes is skipped.
package dtb

import (
	"bytes"
	"encoding/binary"
	"strings"

	"rvkern/kernel"
)

var (
	// ErrBadMagic is returned when the blob does not start with the
	// flattened device tree magic value.
	ErrBadMagic = &kernel.Error{Module: "dtb", Message: "blob does not start with the device tree magic"}

	// ErrTruncated is returned when the blob is shorter than its header
	// claims or a block offset points past its end.
	ErrTruncated = &kernel.Error{Module: "dtb", Message: "blob is shorter than its header claims"}

	// ErrUnsupportedVersion is returned for blobs older than version 16.
	ErrUnsupportedVersion = &kernel.Error{Module: "dtb", Message: "unsupported device tree version"}

	// ErrMalformed is returned when the structure block does not follow
	// the token grammar.
	ErrMalformed = &kernel.Error{Module: "dtb", Message: "malformed structure block"}
)

const (
	magic      = 0xd00dfeed
	headerSize = 40
	minVersion = 16
)

// Structure block tokens.
const (
	tokBeginNode = 1
	tokEndNode   = 2
	tokProp      = 3
	tokNop       = 4
	tokEnd       = 9
)

// Range is a physical address window described by a node's reg property.
type Range struct {
	Start uintptr
	Size  uint64
}

// End returns the first address past the window.
func (r Range) End() uintptr {
	return r.Start + uintptr(r.Size)
}

// UARTInfo describes one serial port node.
type UARTInfo struct {
	Reg Range
	IRQ uint32
}

// RTCInfo describes the real-time clock node.
type RTCInfo struct {
	Reg Range
	IRQ uint32
}

// MachineInfo is the machine description assembled from the tree.
type MachineInfo struct {
	// Model is the root node's model string.
	Model string

	// Harts is the number of cpu nodes.
	Harts int

	// Memory is the RAM window of the first memory node.
	Memory Range

	// UARTs lists the serial port nodes in tree order.
	UARTs []UARTInfo

	// PLIC and CLINT are the interrupt controller and timer mmio windows.
	PLIC  Range
	CLINT Range

	// RTC is the real-time clock node.
	RTC RTCInfo
}

// Node kinds the walk commits into MachineInfo.
const (
	kindOther = iota
	kindMemory
	kindUART
	kindPLIC
	kindCLINT
	kindRTC
)

// cells holds the #address-cells/#size-cells values a node establishes for
// its children. Nodes that do not set them get the devicetree defaults.
type cells struct {
	addr int
	size int
}

// frame is the walk state of one open node: the cells it passes to its
// children plus the properties collected for it so far. reg and interrupts
// may arrive in either order, so the node commits only when it closes.
type frame struct {
	name   string
	cells  cells
	kind   int
	reg    Range
	hasReg bool
	irq    uint32
}

// Parse extracts the machine description from a flattened device tree
// blob.
func Parse(blob []byte) (*MachineInfo, *kernel.Error) {
	if len(blob) < headerSize {
		return nil, ErrTruncated
	}
	if binary.BigEndian.Uint32(blob[0:]) != magic {
		return nil, ErrBadMagic
	}

	var (
		total       = binary.BigEndian.Uint32(blob[4:])
		offStruct   = binary.BigEndian.Uint32(blob[8:])
		offStrings  = binary.BigEndian.Uint32(blob[12:])
		version     = binary.BigEndian.Uint32(blob[20:])
		sizeStrings = binary.BigEndian.Uint32(blob[32:])
		sizeStruct  = binary.BigEndian.Uint32(blob[36:])
	)

	if uint64(total) > uint64(len(blob)) {
		return nil, ErrTruncated
	}
	if version < minVersion {
		return nil, ErrUnsupportedVersion
	}
	if uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return nil, ErrTruncated
	}

	p := &parser{
		strukt:  blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	return p.walk()
}

// parser tracks the read position inside the structure block.
type parser struct {
	strukt  []byte
	strings []byte
	off     int
}

// walk runs the token stream to FDT_END, collecting the nodes of interest.
func (p *parser) walk() (*MachineInfo, *kernel.Error) {
	info := &MachineInfo{}
	var open []frame

	for {
		tok, ok := p.u32()
		if !ok {
			return nil, ErrMalformed
		}

		switch tok {
		case tokBeginNode:
			name, ok := p.nodeName()
			if !ok {
				return nil, ErrMalformed
			}

			parent := ""
			if len(open) > 0 {
				parent = open[len(open)-1].name
			}
			open = append(open, newFrame(info, parent, name))

		case tokProp:
			if len(open) == 0 {
				return nil, ErrMalformed
			}
			name, val, ok := p.prop()
			if !ok {
				return nil, ErrMalformed
			}
			p.handleProp(info, open, name, val)

		case tokEndNode:
			if len(open) == 0 {
				return nil, ErrMalformed
			}
			commit(info, open[len(open)-1])
			open = open[:len(open)-1]

		case tokNop:

		case tokEnd:
			if len(open) != 0 {
				return nil, ErrMalformed
			}
			return info, nil

		default:
			return nil, ErrMalformed
		}
	}
}

// newFrame classifies a node by name the way the boot path expects qemu
// virt class trees to be laid out: unit addresses vary, prefixes do not.
// Harts are counted immediately since cpu nodes carry nothing else we
// need.
func newFrame(info *MachineInfo, parent, name string) frame {
	f := frame{name: name, cells: cells{addr: 2, size: 1}}

	switch {
	case parent == "cpus" && (name == "cpu" || strings.HasPrefix(name, "cpu@")):
		info.Harts++
	case strings.HasPrefix(name, "memory"):
		f.kind = kindMemory
	case strings.HasPrefix(name, "serial") || strings.HasPrefix(name, "uart"):
		f.kind = kindUART
	case strings.HasPrefix(name, "plic"):
		f.kind = kindPLIC
	case strings.HasPrefix(name, "clint"):
		f.kind = kindCLINT
	case strings.HasPrefix(name, "rtc"):
		f.kind = kindRTC
	}
	return f
}

// handleProp records the properties the walk cares about. A node's reg is
// decoded with the cells its parent establishes; its own cell props apply
// to children only.
func (p *parser) handleProp(info *MachineInfo, open []frame, name string, val []byte) {
	cur := &open[len(open)-1]

	switch name {
	case "model":
		if len(open) == 1 {
			info.Model = cstring(val)
		}
	case "#address-cells":
		if len(val) >= 4 {
			cur.cells.addr = int(binary.BigEndian.Uint32(val))
		}
	case "#size-cells":
		if len(val) >= 4 {
			cur.cells.size = int(binary.BigEndian.Uint32(val))
		}
	case "reg":
		if cur.kind != kindOther && len(open) >= 2 {
			if r, ok := decodeReg(val, open[len(open)-2].cells); ok {
				cur.reg, cur.hasReg = r, true
			}
		}
	case "interrupts":
		if len(val) >= 4 {
			cur.irq = binary.BigEndian.Uint32(val)
		}
	}
}

// commit folds a closing node into the machine description. Nodes without
// a reg window are skipped.
func commit(info *MachineInfo, f frame) {
	if !f.hasReg {
		return
	}

	switch f.kind {
	case kindMemory:
		if info.Memory.Size == 0 {
			info.Memory = f.reg
		}
	case kindUART:
		info.UARTs = append(info.UARTs, UARTInfo{Reg: f.reg, IRQ: f.irq})
	case kindPLIC:
		info.PLIC = f.reg
	case kindCLINT:
		info.CLINT = f.reg
	case kindRTC:
		info.RTC = RTCInfo{Reg: f.reg, IRQ: f.irq}
	}
}

// decodeReg reads the first (address, size) entry of a reg property using
// the given cell counts. Values wider than 64 bits keep their low half.
func decodeReg(val []byte, c cells) (Range, bool) {
	if c.addr <= 0 || c.size <= 0 || len(val) < 4*(c.addr+c.size) {
		return Range{}, false
	}

	var addr, size uint64
	for i := 0; i < c.addr; i++ {
		addr = addr<<32 | uint64(binary.BigEndian.Uint32(val[4*i:]))
	}
	for i := 0; i < c.size; i++ {
		size = size<<32 | uint64(binary.BigEndian.Uint32(val[4*(c.addr+i):]))
	}
	return Range{Start: uintptr(addr), Size: size}, true
}

// u32 reads the next big-endian word of the structure block.
func (p *parser) u32() (uint32, bool) {
	if p.off+4 > len(p.strukt) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(p.strukt[p.off:])
	p.off += 4
	return v, true
}

// nodeName reads the NUL-terminated name after a BEGIN_NODE token and
// skips its padding.
func (p *parser) nodeName() (string, bool) {
	end := bytes.IndexByte(p.strukt[p.off:], 0)
	if end < 0 {
		return "", false
	}

	name := string(p.strukt[p.off : p.off+end])
	p.off = align4(p.off + end + 1)
	return name, true
}

// prop reads the length/name-offset header and value of a PROP token.
func (p *parser) prop() (string, []byte, bool) {
	length, ok := p.u32()
	if !ok {
		return "", nil, false
	}
	nameOff, ok := p.u32()
	if !ok {
		return "", nil, false
	}

	if p.off+int(length) > len(p.strukt) || int(nameOff) >= len(p.strings) {
		return "", nil, false
	}

	val := p.strukt[p.off : p.off+int(length)]
	p.off = align4(p.off + int(length))

	end := bytes.IndexByte(p.strings[nameOff:], 0)
	if end < 0 {
		return "", nil, false
	}
	return string(p.strings[nameOff : int(nameOff)+end]), val, true
}

// cstring trims the NUL terminator off a string property value.
func cstring(val []byte) string {
	if end := bytes.IndexByte(val, 0); end >= 0 {
		return string(val[:end])
	}
	return string(val)
}

func align4(off int) int {
	return (off + 3) &^ 3
}
