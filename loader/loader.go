// Package loader implements the boot-image loader (detects and loads a
// bzImage or a flat binary into guest RAM, writes the kernel command
// line, patches the setup header, and installs the fake real-mode
// interrupt vector table).
package loader

import (
	"bytes"
	"errors"
	"io"

	"github.com/minivisor/minivisor/bootparam"
	"github.com/minivisor/minivisor/bootproto"
	"github.com/minivisor/minivisor/ivt"
)

// Guest flat addresses the loader writes to, fixed by the Linux real-mode
// boot protocol and this hypervisor's memory map.
const (
	BootLoaderSelector = 0x1000
	BootLoaderIP       = 0x0000
	bzKernelStart      = 0x100000
	cmdlineOffset      = 0x20000

	// BDAStart is where the IVT builder places its handler stubs, just
	// past the 1024-byte vector table itself.
	BDAStart = 0x500

	// defaultCmdlineSize is used when the header's own cmdline_size
	// field is zero (older protocol versions never set it).
	defaultCmdlineSize = 2048

	minBzImageVersion = 0x0202
	canUseHeap        = 0x80
)

// ErrNoImage is returned when a file is neither a valid bzImage nor
// acceptable as a flat binary (in practice this never fires — the flat
// path accepts anything once bzImage parsing fails, matching the
// original loader's behavior).
var ErrNoImage = errors.New("loader: not a valid bzImage or flat binary")

// BootState is the CPU state the loader decided on, consumed by the VCPU
// initializer (C6) to seed segment and general registers.
// IP is a uint32, wider than a real-mode instruction pointer can ever
// legitimately be, so that a boot path which computes an out-of-range
// entry point produces a BootState the VCPU initializer can actually
// detect and reject instead of silently truncating it.
type BootState struct {
	Selector uint16
	IP       uint32
	SP       uint16
}

// Load reads kernel into mem (guest RAM, addressed by guest flat byte
// offset) and returns the boot state the VCPU should start in. cmdline
// is the kernel command line, written NUL-terminated at 0x20000 when the
// image is a bzImage; the flat-binary path ignores it.
func Load(mem []byte, kernel io.Reader, cmdline string) (BootState, error) {
	raw, err := io.ReadAll(kernel)
	if err != nil {
		return BootState{}, err
	}

	if bp, err := bootproto.Parse(raw); err == nil && bp.Version >= minBzImageVersion {
		return loadBzImage(mem, raw, bp, cmdline), nil
	}

	return loadFlat(mem, raw), nil
}

// loadBzImage copies the setup and kernel regions verbatim, then patches
// only the setup_header fields a bootloader is responsible for filling
// in: bp is the already-parsed header from raw, reused here instead of
// re-parsing so the patched fields land in the struct Bytes re-encodes.
func loadBzImage(mem, raw []byte, bp *bootproto.BootProto, cmdline string) BootState {
	raw = withE820Map(raw, uint64(len(mem)))

	setupSects := int(bp.SetupSects)
	if setupSects == 0 {
		setupSects = 4
	}

	setupSize := (setupSects + 1) * 512

	flatSetup := uint64(BootLoaderSelector)<<4 + BootLoaderIP
	copy(mem[flatSetup:], raw[:setupSize])
	copy(mem[bzKernelStart:], raw[setupSize:])

	writeCmdline(mem, int(bp.CmdlineSize), cmdline)

	bp.CmdlinePtr = cmdlineOffset
	bp.TypeOfLoader = 0xFF
	bp.HeapEndPtr = 0xFE00
	bp.LoadFlags |= canUseHeap

	patched, err := bp.Bytes()
	if err == nil {
		copy(mem[flatSetup+bootproto.HeaderOffset:], patched)
	}

	buildIVT(mem)

	return BootState{Selector: BootLoaderSelector, IP: 0x0200, SP: 0x8000}
}

// withE820Map records the guest's usable RAM as a single e820 entry in
// the bzImage's zero page. This hypervisor boots through the real-mode
// setup code (boot_ip = 0x0200) rather than the 32/64-bit entry that
// actually reads the zero page, but filling it in costs nothing and
// keeps the image's boot_params consistent for any guest code that does
// look at it (kexec, crash kernels, self-checks).
func withE820Map(raw []byte, ramSize uint64) []byte {
	bp, err := bootparam.New(bytes.NewReader(raw))
	if err != nil {
		return raw
	}

	bp.AddE820Entry(0, ramSize, bootparam.E820Ram)

	patched, err := bp.Bytes()
	if err != nil {
		return raw
	}

	return patched
}

func loadFlat(mem, raw []byte) BootState {
	flat := uint64(BootLoaderSelector)<<4 + BootLoaderIP
	copy(mem[flat:], raw)

	return BootState{Selector: BootLoaderSelector, IP: 0x0000, SP: 0x8000}
}

func writeCmdline(mem []byte, cmdlineSize int, cmdline string) {
	if cmdlineSize <= 0 {
		cmdlineSize = defaultCmdlineSize
	}

	dst := mem[cmdlineOffset : cmdlineOffset+cmdlineSize]
	for i := range dst {
		dst[i] = 0
	}

	n := len(cmdline) + 1
	if n > cmdlineSize {
		n = cmdlineSize
	}

	copy(dst[:n], cmdline)
}

func buildIVT(mem []byte) {
	t := ivt.New(BDAStart)
	t.Setup()
	t.WriteTo(mem)
}
