// Package inspect implements the Inspector: formatted dumps of VCPU
// state used both for interactive single-step debugging and for the run
// loop's terminate-with-diagnostics path.
package inspect

import (
	"fmt"
	"reflect"

	"golang.org/x/arch/x86/x86asm"

	"github.com/minivisor/minivisor/kvm"
	"github.com/minivisor/minivisor/memory"
)

// cr0PE is CR0's protection-enable bit: 0 means the CPU is still in real
// mode.
const cr0PE = 1

// codeWindowSize and codePrologue fix the 64-byte code window the
// original debug() dump used: the window starts 43 bytes before RIP, so
// 43 bytes of history are shown alongside 21 bytes of lookahead.
const (
	codeWindowSize = 64
	codePrologue   = codeWindowSize * 43 / 64
)

func showOne(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", t.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", t.Field(i).Name, f.Type(), f.Interface())
		}
	}

	return ret
}

// Registers formats every general, special, and segment register, the
// descriptor tables, EFER, APIC base, the NMI-disabled diagnostic flag,
// and the interrupt-pending bitmap as four 64-bit words.
func Registers(regs *kvm.Regs, sregs *kvm.Sregs, nmiDisabled bool) string {
	out := showOne("", regs) + showOne("", sregs)

	out += fmt.Sprintf("NMIDisabled = %v\n", nmiDisabled)

	for i, w := range sregs.InterruptBitmap {
		out += fmt.Sprintf("InterruptBitmap[%d] = %#016x\n", i, w)
	}

	return out
}

// ipToFlat accounts for segmentation: in real mode flat = ip + (cs<<4);
// in protected mode this hypervisor assumes a flat 0-based CS (true for
// Linux), so flat = ip.
func ipToFlat(ip uint64, cs uint16, cr0 uint64) uint64 {
	if cr0&cr0PE == 0 {
		return ip + uint64(cs)<<4
	}

	return ip
}

// Code renders the 64-byte window around RIP, stopping early if the
// window walks off the end of guest RAM. The byte at RIP itself is
// wrapped in angle brackets.
func Code(mem *memory.Region, regs *kvm.Regs, sregs *kvm.Sregs) string {
	rip := ipToFlat(regs.RIP, sregs.CS.Selector, sregs.CR0)

	start := int64(rip) - codePrologue
	if start < 0 {
		start = 0
	}

	out := "code: "

	for i := 0; i < codeWindowSize; i++ {
		flat := uint64(start) + uint64(i)

		p := mem.FlatToHost(flat)
		if !mem.InRAM(p) {
			break
		}

		b := mem.Bytes()[flat]
		if flat == rip {
			out += fmt.Sprintf("<%02x> ", b)
		} else {
			out += fmt.Sprintf("%02x ", b)
		}
	}

	return out + "\n" + disasmAt(mem, rip, sregs.CR0)
}

// disasmAt decodes the single instruction at the faulting RIP into GNU
// (AT&T) syntax, the mode real hardware would actually fetch in: 16-bit
// addressing in real mode, 32-bit otherwise (this hypervisor never
// bootstraps long mode itself).
func disasmAt(mem *memory.Region, rip uint64, cr0 uint64) string {
	p := mem.FlatToHost(rip)
	if !mem.InRAM(p) {
		return "insn: <unavailable>\n"
	}

	mode := 32
	if cr0&cr0PE == 0 {
		mode = 16
	}

	const maxInstLen = 15 // longest possible x86 instruction encoding

	end := rip + maxInstLen
	if end > uint64(len(mem.Bytes())) {
		end = uint64(len(mem.Bytes()))
	}

	inst, err := x86asm.Decode(mem.Bytes()[rip:end], mode)
	if err != nil {
		return fmt.Sprintf("insn: <decode error: %v>\n", err)
	}

	return fmt.Sprintf("insn: %s\n", x86asm.GNUSyntax(inst, rip, nil))
}

// pte is one page-table-entry level read during the walk.
type pte struct {
	level uint
	value uint64
}

// PageTables walks the four levels of paging structures from CR3,
// requiring protected mode. Each step stops silently once the translated
// host pointer falls outside RAM. If the level-2 entry (pte2, a.k.a. the
// PDE) has the huge-page bit (bit 7) set, pte1 is omitted since there is
// no fourth level to walk.
func PageTables(mem *memory.Region, sregs *kvm.Sregs) string {
	if sregs.CR0&cr0PE == 0 {
		return "page tables: not available outside protected mode\n"
	}

	var entries []pte

	addr := sregs.CR3 &^ 0xFFF

	for level := uint(4); level >= 1; level-- {
		p := mem.FlatToHost(addr)
		if !mem.InRAM(p) {
			break
		}

		var raw [8]byte

		copy(raw[:], mem.Bytes()[addr:addr+8])

		value := uint64(0)
		for i := 7; i >= 0; i-- {
			value = value<<8 | uint64(raw[i])
		}

		entries = append(entries, pte{level: level, value: value})

		if level == 2 && value&(1<<7) != 0 {
			break
		}

		addr = (value &^ 0xFFF) & 0xFFFFFFFFFF
	}

	out := "page tables:\n"
	for _, e := range entries {
		out += fmt.Sprintf("  pte%d = %#016x\n", e.level, e.value)
	}

	return out
}

// DumpMem hex-dumps size bytes (rounded down to a multiple of 8) starting
// at addr, stopping cleanly if the host pointer ever leaves RAM.
func DumpMem(mem *memory.Region, addr uint64, size int) string {
	size -= size % 8

	out := ""

	for off := 0; off < size; off += 8 {
		flat := addr + uint64(off)

		p := mem.FlatToHost(flat)
		if !mem.InRAM(p) || flat+8 > uint64(mem.Size()) {
			break
		}

		out += fmt.Sprintf("%#08x: % x\n", flat, mem.Bytes()[flat:flat+8])
	}

	return out
}
