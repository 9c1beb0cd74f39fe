package kvm

import (
	"fmt"
)

// Capability is a KVM_CAP_* extension code, as returned by
// KVM_CHECK_EXTENSION.
type Capability uint32

// Capability codes named by this module, either because the capability
// gate requires them or because callers inspect them directly. Values are
// the Linux KVM ABI's KVM_CAP_* numbers.
const (
	CapIRQChip         Capability = 0
	CapHLT             Capability = 1
	CapUserMemory      Capability = 3
	CapSetTSSAddr      Capability = 4
	CapExtCPUID        Capability = 7
	CapMPState         Capability = 14
	CapCoalescedMMIO   Capability = 15
	CapIOMMU           Capability = 18
	CapIRQRouting      Capability = 25
	CapIRQInjectStatus Capability = 26
	CapPIT2            Capability = 33
	CapKVMClockCtrl    Capability = 76
)

//nolint:gochecknoglobals
var capabilityNames = map[Capability]string{
	CapIRQChip:         "CapIRQChip",
	CapHLT:             "CapHLT",
	CapUserMemory:      "CapUserMemory",
	CapSetTSSAddr:      "CapSetTSSAddr",
	CapExtCPUID:        "CapExtCPUID",
	CapMPState:         "CapMPState",
	CapCoalescedMMIO:   "CapCoalescedMMIO",
	CapIOMMU:           "CapIOMMU",
	CapIRQRouting:      "CapIRQRouting",
	CapIRQInjectStatus: "CapIRQInjectStatus",
	CapPIT2:            "CapPIT2",
	CapKVMClockCtrl:    "CapKVMClockCtrl",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}

// CheckExtension asks the gateway (kvmFd) or a VM (vmFd) whether it
// supports cap. The return value is extension-specific: for boolean
// extensions, any non-zero result means "present".
func CheckExtension(fd uintptr, ext Capability) (int, error) {
	r, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(ext))

	return int(r), err
}

// Required lists the extensions the capability gate (C3) demands before
// the rest of the boot sequence runs. This is the sole place new
// dependencies are added; nothing else in this module should call
// CheckExtension ad hoc.
//
//nolint:gochecknoglobals
var Required = []Capability{
	CapCoalescedMMIO,
	CapUserMemory,
	CapSetTSSAddr,
	CapPIT2,
	CapIRQRouting,
	CapIRQChip,
	CapHLT,
	CapIRQInjectStatus,
	CapExtCPUID,
}

// ErrCapabilityMissing is returned by VerifyCapabilities.
type ErrCapabilityMissing struct {
	Capability Capability
}

func (e *ErrCapabilityMissing) Error() string {
	return fmt.Sprintf("required kvm capability missing: %s", e.Capability)
}

// VerifyCapabilities runs the capability gate against kvmFd, failing on the
// first extension in Required that the host does not report.
func VerifyCapabilities(kvmFd uintptr) error {
	for _, ext := range Required {
		ret, err := CheckExtension(kvmFd, ext)
		if err != nil {
			return fmt.Errorf("checking %s: %w", ext, err)
		}

		if ret <= 0 {
			return &ErrCapabilityMissing{Capability: ext}
		}
	}

	return nil
}
