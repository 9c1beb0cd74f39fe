package machine

import (
	"fmt"
	"unsafe"

	"github.com/minivisor/minivisor/inspect"
	"github.com/minivisor/minivisor/kvm"
)

// TerminationError is returned by RunLoop when the guest reaches a state
// the run loop cannot continue from (a halt, a triple fault, a rejected
// I/O or MMIO access, ...). Its Error() carries the Inspector's register,
// code, and page-table dump so the caller can report it without needing
// its own access to the VCPU.
type TerminationError struct {
	Reason kvm.ExitType
	// HardwareReason is kvm_run's hw.hardware_exit_reason, set and
	// reported only when Reason is EXITUNKNOWN: the named exit types are
	// otherwise self-describing.
	HardwareReason uint32
	Diagnostics    string
}

func (e *TerminationError) Error() string {
	reason := e.Reason.String()
	if e.Reason == kvm.EXITUNKNOWN {
		reason = fmt.Sprintf("%s (hardware exit reason %#x)", reason, e.HardwareReason)
	}

	return fmt.Sprintf("vmexit %s terminated the run loop\n%s", reason, e.Diagnostics)
}

// RunLoop resumes the guest and dispatches each vmexit until the guest
// halts, shuts down, or an external collaborator refuses to service an
// access, at which point RunOnce returns a *TerminationError and the
// loop stops. A single-step debug exit is reported and resumed, not
// terminal.
func (m *Machine) RunLoop() error {
	for {
		cont, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce resumes the guest for exactly one vmexit and dispatches it.
// The boolean return reports whether the run loop should keep going.
func (m *Machine) RunOnce() (bool, error) {
	if err := kvm.Run(m.vcpuFd); err != nil {
		return false, fmt.Errorf("kvm.Run: %w", err)
	}

	switch kvm.ExitType(m.run.ExitReason) {
	case kvm.EXITDEBUG:
		return m.onDebug()

	case kvm.EXITIO:
		return m.onIO()

	case kvm.EXITMMIO:
		return m.onMMIO()

	case kvm.EXITINTR:
		return m.onInterrupted()

	case kvm.EXITHLT, kvm.EXITSHUTDOWN, kvm.EXITFAILENTRY, kvm.EXITINTERNALERROR, kvm.EXITUNKNOWN:
		return false, m.terminate(kvm.ExitType(m.run.ExitReason))

	default:
		return false, m.terminate(kvm.ExitType(m.run.ExitReason))
	}
}

func (m *Machine) onDebug() (bool, error) {
	regs, err := m.GetRegs()
	if err != nil {
		return false, fmt.Errorf("GetRegs: %w", err)
	}

	sregs, err := m.GetSregs()
	if err != nil {
		return false, fmt.Errorf("GetSregs: %w", err)
	}

	out := inspect.Registers(regs, sregs, m.nmiDisabled) + inspect.Code(m.mem, regs, sregs)
	fmt.Print(out)

	return true, nil
}

func (m *Machine) onIO() (bool, error) {
	direction, size, port, count, dataOffset := m.run.IO()

	base := uintptr(unsafe.Pointer(m.run)) + uintptr(dataOffset)

	for i := uint64(0); i < count; i++ {
		data := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(i*size))), size)

		if m.io == nil || !m.io.DispatchIO(port, direction == kvm.EXITIOOUT, data) {
			return false, m.terminate(kvm.EXITIO)
		}
	}

	return true, nil
}

func (m *Machine) onMMIO() (bool, error) {
	physAddr, data, length, isWrite := m.run.MMIO()

	if m.mmio == nil || !m.mmio.DispatchMMIO(physAddr, isWrite, data[:length]) {
		return false, m.terminate(kvm.EXITMMIO)
	}

	return true, nil
}

func (m *Machine) onInterrupted() (bool, error) {
	if m.intr != nil {
		m.intr.Interrupted()
	}

	return true, nil
}

func (m *Machine) terminate(reason kvm.ExitType) error {
	regs, regsErr := m.GetRegs()
	sregs, sregsErr := m.GetSregs()

	var diag string

	if regsErr == nil && sregsErr == nil {
		diag = inspect.Registers(regs, sregs, m.nmiDisabled) +
			inspect.Code(m.mem, regs, sregs) +
			inspect.PageTables(m.mem, sregs)
	} else {
		diag = fmt.Sprintf("(register dump unavailable: %v / %v)\n", regsErr, sregsErr)
	}

	termErr := &TerminationError{Reason: reason, Diagnostics: diag}
	if reason == kvm.EXITUNKNOWN {
		termErr.HardwareReason = uint32(m.run.Data[0])
	}

	return termErr
}
