// Package memory owns the single contiguous host buffer backing guest
// physical RAM and the address-translation helpers the boot-image loader
// and inspector use to reach into it.
package memory

import (
	"errors"
	"syscall"
	"unsafe"

	"github.com/minivisor/minivisor/kvm"
)

const (
	// Poison is an instruction sequence that forces a vmexit: mov
	// eax,0xcafebabe; nop; ud2. It fills memory above the 1 MiB mark so
	// that a guest that jumps into the weeds traps immediately instead of
	// falling through a sea of zero bytes (which also happens to decode
	// to a valid instruction).
	//
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000

	// MinSize is the smallest guest RAM size this module will register,
	// per the 64 MiB invariant.
	MinSize = 64 << 20

	// Slot is the only KVM memory-slot index this hypervisor ever uses.
	Slot = 0
)

var (
	// ErrTooSmall is returned by New when size is below MinSize.
	ErrTooSmall = errors.New("guest ram size below 64 MiB minimum")
	// ErrNotPageAligned is returned by New when size is not a multiple of
	// the host page size.
	ErrNotPageAligned = errors.New("guest ram size is not page-aligned")
)

// Region is the guest's entire physical address space: one page-aligned,
// anonymous host mapping registered with the hypervisor as slot 0 at guest
// physical address 0.
type Region struct {
	buf    []byte
	base   uintptr
	pageSz int
}

// New allocates a page-aligned host buffer of size bytes for use as guest
// RAM. It does not register the region with the hypervisor; call Register
// for that once the VM handle exists.
func New(size int) (*Region, error) {
	if size < MinSize {
		return nil, ErrTooSmall
	}

	pageSz := syscall.Getpagesize()
	if size%pageSz != 0 {
		return nil, ErrNotPageAligned
	}

	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	for i := highMemBase; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Region{
		buf:    buf,
		base:   uintptr(unsafe.Pointer(&buf[0])),
		pageSz: pageSz,
	}, nil
}

// Size returns the region's byte length.
func (r *Region) Size() int {
	return len(r.buf)
}

// Bytes returns the whole backing buffer. Callers derive bounded
// sub-slices from it by guest offset rather than holding long-lived raw
// pointers (see the self-referential-pointer design note): every write
// target is expressed as `region.Bytes()[g:g+n]`, a bounds-checked slice
// operation instead of manual pointer arithmetic.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Register adds this region to vmFd as KVM memory slot 0 at guest physical
// address 0.
func (r *Region) Register(vmFd uintptr) error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          Slot,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(r.buf)),
		UserspaceAddr: uint64(r.base),
	}

	return kvm.SetUserMemoryRegion(vmFd, region)
}

// FlatToHost translates a guest physical address to a host pointer. The
// caller is responsible for bounds checking (see InRAM); no allocation
// happens here.
func (r *Region) FlatToHost(g uint64) uintptr {
	return r.base + uintptr(g)
}

// RealToHost translates a real-mode segment:offset pair to a host
// pointer.
func (r *Region) RealToHost(selector, offset uint16) uintptr {
	return r.FlatToHost((uint64(selector) << 4) + uint64(offset))
}

// InRAM reports whether p is a host pointer inside this region.
func (r *Region) InRAM(p uintptr) bool {
	return p >= r.base && p < r.base+uintptr(len(r.buf))
}

// SelectorToBase returns the real-mode segment base address a selector
// implies: selector * 16.
func SelectorToBase(selector uint16) uint32 {
	return uint32(selector) * 16
}
