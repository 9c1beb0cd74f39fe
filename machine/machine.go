// Package machine ties the host-hypervisor gateway (kvm), the guest
// memory region, the boot-image loader, and the VCPU initializer
// together into one Machine: the per-process owner of every hypervisor
// handle and the guest RAM buffer.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"syscall"
	"unsafe"

	"github.com/minivisor/minivisor/dispatch"
	"github.com/minivisor/minivisor/inspect"
	"github.com/minivisor/minivisor/kvm"
	"github.com/minivisor/minivisor/loader"
	"github.com/minivisor/minivisor/memory"
)

// tssAddr and identityMapAddr are fixed guest-physical addresses Intel
// VT-x needs told about explicitly: without unrestricted-guest support,
// the hardware cannot enter a vcpu in unpaged (real) mode directly, so
// KVM backs it with an identity-mapped EPT page table and a task-state
// segment at these addresses instead. Both sit above any RAM size this
// hypervisor allocates.
const (
	tssAddr         = 0xFFFBD000
	identityMapAddr = 0xFFFBC000
)

// ErrRIPOverflow is returned by resetVCPU when the chosen boot IP does
// not fit in 16 bits: real mode cannot represent a larger instruction
// pointer.
var ErrRIPOverflow = errors.New("machine: boot rip does not fit in real mode (>0xFFFF)")

// Machine owns the hypervisor handle, VM handle, VCPU handle, the
// mmap'd shared run area, and the guest RAM region. Only the VCPU
// register snapshots are mutated after boot.
type Machine struct {
	kvmFd, vmFd, vcpuFd uintptr
	mem                 *memory.Region
	run                 *kvm.RunData

	io   dispatch.IO
	mmio dispatch.MMIO
	intr dispatch.Interrupted

	// nmiDisabled is a diagnostic-only flag surfaced by the Inspector;
	// this hypervisor never actually disables the NMI window, so it is
	// always false, but the field exists because Inspector's register
	// dump contract names it.
	nmiDisabled bool
}

// New runs the full boot sequence (§4.1): verify VMX, open the device,
// create the VM, check required capabilities, set the TSS address,
// create the in-kernel PIT, allocate and register guest RAM, create the
// IRQ chip, create the VCPU, and map its shared run area. Any failure is
// fatal to the caller.
func New(kvmPath string, memSize int) (*Machine, error) {
	kvmFd, err := kvm.Open(kvmPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kvmPath, err)
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.VerifyCapabilities(kvmFd); err != nil {
		return nil, err
	}

	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	region, err := memory.New(memSize)
	if err != nil {
		return nil, fmt.Errorf("allocating guest ram: %w", err)
	}

	if err := region.Register(vmFd); err != nil {
		return nil, fmt.Errorf("registering guest ram: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}

	runMap, err := syscall.Mmap(int(vcpuFd), 0, mmapSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vcpu run area: %w", err)
	}

	return &Machine{
		kvmFd:  kvmFd,
		vmFd:   vmFd,
		vcpuFd: vcpuFd,
		mem:    region,
		run:    (*kvm.RunData)(unsafe.Pointer(&runMap[0])),
	}, nil
}

// SetDispatchers wires the external I/O, MMIO, and interrupted-exit
// collaborators the run loop dispatches to.
func (m *Machine) SetDispatchers(io dispatch.IO, mmio dispatch.MMIO, intr dispatch.Interrupted) {
	m.io, m.mmio, m.intr = io, mmio, intr
}

// Memory returns the guest RAM region.
func (m *Machine) Memory() *memory.Region {
	return m.mem
}

// LoadKernel loads kernel (bzImage or flat binary) into guest RAM and
// resets the VCPU to the resulting boot state. For a bzImage it also
// writes cmdline and installs the fake real-mode IVT; the flat-binary
// path does neither.
func (m *Machine) LoadKernel(kernel io.Reader, cmdline string) error {
	state, err := loader.Load(m.mem.Bytes(), kernel, cmdline)
	if err != nil {
		return fmt.Errorf("loading kernel image: %w", err)
	}

	return m.resetVCPU(state)
}

// resetVCPU performs C6 in the required order: sregs, regs, FPU, MSRs.
func (m *Machine) resetVCPU(state loader.BootState) error {
	if state.IP > 0xFFFF {
		return ErrRIPOverflow
	}

	if err := m.setSregs(state.Selector); err != nil {
		return err
	}

	if err := m.setRegs(state.IP, state.SP); err != nil {
		return err
	}

	if err := m.setFPU(); err != nil {
		return err
	}

	return m.setMSRs()
}

func (m *Machine) setSregs(selector uint16) error {
	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	base := memory.SelectorToBase(selector)

	for _, seg := range []*kvm.Segment{&sregs.CS, &sregs.SS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS} {
		seg.Selector = selector
		seg.Base = uint64(base)
	}

	if err := kvm.SetSregs(m.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: %w", err)
	}

	return nil
}

func (m *Machine) setRegs(ip uint32, sp uint16) error {
	regs := &kvm.Regs{
		RFLAGS: 0x02,
		RIP:    uint64(ip),
		RSP:    uint64(sp),
		RBP:    uint64(sp),
	}

	if err := kvm.SetRegs(m.vcpuFd, regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	return nil
}

func (m *Machine) setFPU() error {
	fpu := &kvm.FPU{FCW: 0x037F, MXCSR: 0x1F80}

	if err := kvm.SetFPU(m.vcpuFd, fpu); err != nil {
		return fmt.Errorf("SetFPU: %w", err)
	}

	return nil
}

func (m *Machine) setMSRs() error {
	msrs := kvm.NewMSRS(
		kvm.MSREntry{Index: kvm.MSRIA32SysenterCS},
		kvm.MSREntry{Index: kvm.MSRIA32SysenterESP},
		kvm.MSREntry{Index: kvm.MSRIA32SysenterEIP},
		kvm.MSREntry{Index: kvm.MSRIA32TSC},
		kvm.MSREntry{Index: kvm.MSRSTAR},
		kvm.MSREntry{Index: kvm.MSRCSTAR},
		kvm.MSREntry{Index: kvm.MSRKernelGSBase},
		kvm.MSREntry{Index: kvm.MSRFMASK},
		kvm.MSREntry{Index: kvm.MSRLSTAR},
	)

	if err := kvm.SetMSRs(m.vcpuFd, msrs); err != nil {
		return fmt.Errorf("SetMSRs: %w", err)
	}

	return nil
}

// EnableSingleStep turns single-step guest-debug mode on or off. Failure
// here is a RuntimeWarning: the guest still runs without it.
func (m *Machine) EnableSingleStep(on bool) {
	control := uint32(0)
	if on {
		control = kvm.GuestDebugEnable | kvm.GuestDebugSingleStep
	}

	if err := kvm.SetGuestDebug(m.vcpuFd, &kvm.GuestDebug{Control: control}); err != nil {
		log.Printf("SetGuestDebug(%v): %v", on, err)
	}
}

// GetRegs and GetSregs refresh the Inspector's view of VCPU state from
// the host; they do not mutate Machine itself.
func (m *Machine) GetRegs() (*kvm.Regs, error) {
	return kvm.GetRegs(m.vcpuFd)
}

func (m *Machine) GetSregs() (*kvm.Sregs, error) {
	return kvm.GetSregs(m.vcpuFd)
}

// NMIDisabled reports the diagnostic-only NMI-window flag.
func (m *Machine) NMIDisabled() bool {
	return m.nmiDisabled
}

// Diagnostics renders the same register/code/page-table dump a
// terminating vmexit reports, for callers that want it on demand (the
// SIGQUIT handler) rather than only on termination.
func (m *Machine) Diagnostics() string {
	regs, regsErr := m.GetRegs()
	sregs, sregsErr := m.GetSregs()

	if regsErr != nil || sregsErr != nil {
		return fmt.Sprintf("(register dump unavailable: %v / %v)\n", regsErr, sregsErr)
	}

	return inspect.Registers(regs, sregs, m.nmiDisabled) +
		inspect.Code(m.mem, regs, sregs) +
		inspect.PageTables(m.mem, sregs)
}

// InjectIRQ lowers then raises irq on the in-kernel IRQ chip, so every
// call produces a fresh rising edge and leaves the line high: the usual
// edge-triggered injection idiom external collaborators (serial, virtio)
// use to signal the guest.
func (m *Machine) InjectIRQ(irq uint32) error {
	if err := kvm.IRQLine(m.vmFd, irq, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, irq, 1)
}
