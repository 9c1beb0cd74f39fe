package kvm

import "unsafe"

// Guest-debug control bits (struct kvm_guest_debug.control).
const (
	GuestDebugEnable     = 1 << 0
	GuestDebugSingleStep = 1 << 1
)

// GuestDebug mirrors struct kvm_guest_debug. Arch-specific fields
// (kvm_guest_debug_arch) are the debug register contents applied when
// GuestDebugEnable is set; zero leaves them at their current values.
type GuestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}

// SetGuestDebug enables or disables single-stepping/breakpoint trapping on
// a vcpu. This is advisory for the run loop: failure here is a
// RuntimeWarning, not fatal, since a guest can still run without it.
func SetGuestDebug(vcpuFd uintptr, debug *GuestDebug) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(GuestDebug{})), uintptr(unsafe.Pointer(debug)))

	return err
}
