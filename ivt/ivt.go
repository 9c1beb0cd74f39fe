// Package ivt builds the fake real-mode interrupt vector table the
// boot-image loader installs at guest flat address 0, together with the
// tiny handler stubs it points into.
package ivt

import (
	"encoding/binary"
)

// NumEntries is the number of vectors in a real-mode IVT.
const NumEntries = 256

// EntrySize is the on-disk size of one descriptor: a 16-bit offset
// followed by a 16-bit segment, the order the CPU actually reads.
const EntrySize = 4

// TableSize is the full byte size of the table (256 * 4 = 1024).
const TableSize = NumEntries * EntrySize

// iret is a one-byte real-mode stub: IRET, the fall-through handler for
// every vector that has no specific behavior.
var iret = []byte{0xCF}

// int10Stub is the handler installed at vector 0x10 (BIOS video
// services). The core's contract only requires that it end in IRET; it
// does not need to emulate any video call.
var int10Stub = []byte{0xCF}

// Descriptor is a real-mode interrupt vector: segment:offset of a
// handler's entry point.
type Descriptor struct {
	Segment uint16
	Offset  uint16
}

// blob is one placed handler stub: its guest flat address and its code
// bytes.
type blob struct {
	addr uint64
	code []byte
}

// Table is the IVT builder. It accumulates handler stubs starting at a
// base address and produces both the 1024-byte vector table and the
// handler bytes that must be copied alongside it.
type Table struct {
	base    uint64
	cursor  uint64
	entries [NumEntries]Descriptor
	blobs   []blob
}

// New creates a builder whose handler stubs are placed starting at base
// (conventionally BDA_START, the BIOS data area).
func New(base uint64) *Table {
	return &Table{base: base, cursor: base}
}

// place appends code as a new 16-byte-aligned blob and returns the
// descriptor pointing at it.
func (t *Table) place(code []byte) Descriptor {
	addr := t.cursor
	t.blobs = append(t.blobs, blob{addr: addr, code: code})

	t.cursor = (addr + uint64(len(code)) + 15) &^ 15

	return Descriptor{Segment: uint16(addr >> 4), Offset: 0}
}

// Setup fills all 256 entries with a default IRET stub, then overrides
// entry 0x10 with the video-services stub. This is the only
// initialization the core contract requires.
func (t *Table) Setup() {
	def := t.place(iret)
	for i := range t.entries {
		t.entries[i] = def
	}

	t.Set(0x10, t.place(int10Stub))
}

// Set overrides a single IVT entry.
func (t *Table) Set(entryIndex int, d Descriptor) {
	t.entries[entryIndex] = d
}

// Bytes returns the 1024-byte serialized table, ready to be copied to
// guest flat address 0.
func (t *Table) Bytes() []byte {
	buf := make([]byte, TableSize)

	for i, e := range t.entries {
		binary.LittleEndian.PutUint16(buf[i*EntrySize:], e.Offset)
		binary.LittleEndian.PutUint16(buf[i*EntrySize+2:], e.Segment)
	}

	return buf
}

// WriteTo copies the table and every handler blob into mem, a byte
// slice addressed by guest flat address (mem[g] is guest byte g).
func (t *Table) WriteTo(mem []byte) {
	copy(mem[0:], t.Bytes())

	for _, b := range t.blobs {
		copy(mem[b.addr:], b.code)
	}
}
