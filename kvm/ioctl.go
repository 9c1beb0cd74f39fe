// Package kvm is a thin wrapper over the Linux /dev/kvm ioctl surface:
// open the device, create a VM and a VCPU, negotiate capabilities, seed
// register banks, and drive the blocking run call. It does not know
// anything about x86 boot protocol or guest images; that lives above it.
package kvm

import (
	"errors"
	"syscall"
	"unsafe"

	"github.com/minivisor/minivisor/cpuid"
)

// ExpectedAPIVersion is the only KVM_GET_API_VERSION value this gateway
// understands. Anything else means the host kernel's ioctl ABI has moved
// out from under us.
const ExpectedAPIVersion = 12

// KVMIO is the ioctl "type" byte for every KVM ioctl (see Linux
// Documentation/virt/kvm/api.rst).
const kvmio = 0xAE

// Bare ioctl sequence numbers (the "nr" field of _IO/_IOR/_IOW/_IOWR),
// taken from the Linux KVM ABI and cross-checked against the fully encoded
// constants hard-coded by earlier Go ports in the reference corpus.
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmCreatePIT2          = 0x77
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmGetMSRs             = 0x88
	kvmSetMSRs             = 0x89
	kvmSetCPUID2           = 0x90
	kvmGetFPU              = 0x8c
	kvmSetFPU              = 0x8d
	kvmSetGuestDebug       = 0x9b
	kvmGetDebugRegs        = 0xa1
	kvmSetDebugRegs        = 0xa2
)

// IIO, IIOR, IIOW and IIOWR encode an ioctl request number the same way the
// C macros of the same name do: direction bits, argument size, type and
// sequence number packed into the lower 32 bits.
func IIO(nr uintptr) uintptr {
	return kvmio<<8 | nr
}

func IIOR(nr uintptr, size uintptr) uintptr {
	return 1<<31 | size<<16 | kvmio<<8 | nr
}

func IIOW(nr uintptr, size uintptr) uintptr {
	return 1<<30 | size<<16 | kvmio<<8 | nr
}

func IIOWR(nr uintptr, size uintptr) uintptr {
	return 1<<31 | 1<<30 | size<<16 | kvmio<<8 | nr
}

// Ioctl issues a single ioctl(2) against fd, retrying transparently on
// EINTR: a run loop that shares the process with a periodic SIGALRM-style
// timer signal must not treat "interrupted while taking a register
// snapshot" as a real failure.
func Ioctl(fd uintptr, op uintptr, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
		if errno == syscall.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// ErrAPIVersionMismatch is returned by Open when the host kernel reports an
// unexpected KVM_GET_API_VERSION.
var ErrAPIVersionMismatch = errors.New("unexpected kvm api version")

// ErrNoVMX is returned by Open when the host CPU does not advertise VMX.
var ErrNoVMX = errors.New("host cpu does not support vmx")

// Open verifies the host CPU supports hardware virtualization, then opens
// the kvm device node and checks its API version. This is boot-sequence
// steps 1-2: both conditions are fatal preconditions for everything that
// follows.
func Open(path string) (uintptr, error) {
	if !cpuid.HostSupportsVMX() {
		return 0, ErrNoVMX
	}

	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return 0, err
	}

	kvmFd := uintptr(fd)

	version, err := GetAPIVersion(kvmFd)
	if err != nil {
		return 0, err
	}

	if version != ExpectedAPIVersion {
		return 0, ErrAPIVersionMismatch
	}

	return kvmFd, nil
}

// GetAPIVersion returns the host's KVM_GET_API_VERSION.
func GetAPIVersion(kvmFd uintptr) (int, error) {
	r, err := Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)

	return int(r), err
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	r, err := Ioctl(kvmFd, IIO(kvmCreateVM), 0)

	return r, err
}

// CreateVCPU creates vcpu 0 on vmFd (this gateway only ever creates one;
// SMP is not this module's concern).
func CreateVCPU(vmFd uintptr) (uintptr, error) {
	r, err := Ioctl(vmFd, IIO(kvmCreateVCPU), 0)

	return r, err
}

// GetVCPUMMapSize returns the size of the shared run-area mapping.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	r, err := Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)

	return int(r), err
}

// Run is the blocking call that resumes the guest until the next VM exit.
// Unlike Ioctl it does not retry on EINTR: a signal that breaks KVM_RUN
// leaves EXITINTR in RunData.ExitReason, and Run returns nil so the run
// loop observes that exit.
func Run(vcpuFd uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vcpuFd, IIO(kvmRun), 0)
	if errno != 0 && errno != syscall.EINTR {
		return errno
	}

	return nil
}

// RunData mirrors struct kvm_run, the structure shared between the host and
// guest via the mmap'd run area. Only the fields this hypervisor reads are
// named individually; everything past ExitReason is the exit-specific
// union, exposed as a raw word array and decoded by IO/MMIO below.
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

// IO decodes the kvm_run.io union: direction (0=in,1=out), access width in
// bytes, port number, repeat count, and the byte offset of the data buffer
// within this same RunData (the caller forms the pointer with unsafe).
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]

	return direction, size, port, count, dataOffset
}

// MMIO decodes the kvm_run.mmio union: guest physical address, the 8-byte
// data buffer embedded in the union, transfer length, and direction.
func (r *RunData) MMIO() (physAddr uint64, data []byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	buf := (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	data = buf[:]
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return physAddr, data, length, isWrite
}
