// Package bootparam reads and patches the e820 memory-map table in the
// Linux "zero page" (struct boot_params) embedded at the front of a
// bzImage, following https://www.kernel.org/doc/html/latest/x86/boot.html.
// The loader (C4) uses AddE820Entry to record the guest's usable RAM
// range in the image before copying it into guest memory.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// E820 entry types, straight out of <linux/e820/types.h>.
const (
	E820Ram      = 1
	E820Reserved = 2
	E820ACPI     = 3
	E820NVS      = 4
	E820Unusable = 5
)

const (
	offHdrSig      = 0x202
	offE820Entries = 0x1E8
	offE820Table   = 0x2D0
	maxE820Entries = 128
	entrySize      = 20 // 8 + 8 + 4 bytes
)

// ErrNotBzImage is returned when the "HdrS" setup-header signature at
// offset 0x202 is missing, meaning the image isn't a bzImage at all.
var ErrNotBzImage = errors.New("bootparam: missing HdrS boot protocol signature")

// E820Entry mirrors struct boot_e820_entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is the raw zero-page image plus enough of its layout to patch
// the e820 table in place.
type BootParam struct {
	raw []byte
}

// New reads the full bzImage from r and validates its setup-header
// signature. The whole image is kept around (not just the zero page)
// since the loader reuses it to find the protected-mode kernel payload.
func New(r io.Reader) (*BootParam, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if len(raw) < offE820Table {
		return nil, ErrNotBzImage
	}

	if !bytes.Equal(raw[offHdrSig:offHdrSig+4], []byte("HdrS")) {
		return nil, ErrNotBzImage
	}

	return &BootParam{raw: raw}, nil
}

// Bytes returns the (possibly patched) raw image.
func (b *BootParam) Bytes() ([]byte, error) {
	return b.raw, nil
}

// AddE820Entry appends one entry to the e820 memory map and bumps
// e820_entries. Entries past maxE820Entries are silently dropped, the
// same ceiling the kernel itself enforces (E820_MAX_ENTRIES_ZEROPAGE).
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	n := int(b.raw[offE820Entries])
	if n >= maxE820Entries {
		return
	}

	off := offE820Table + n*entrySize
	binary.LittleEndian.PutUint64(b.raw[off:], addr)
	binary.LittleEndian.PutUint64(b.raw[off+8:], size)
	binary.LittleEndian.PutUint32(b.raw[off+16:], typ)

	b.raw[offE820Entries] = byte(n + 1)
}
