package kvm

import "unsafe"

// Well-known MSR indices the VCPU initializer writes at reset.
const (
	MSRIA32SysenterCS  = 0x174
	MSRIA32SysenterESP = 0x175
	MSRIA32SysenterEIP = 0x176
	MSRIA32TSC         = 0x10
	MSRSTAR            = 0xc0000081
	MSRLSTAR           = 0xc0000082
	MSRCSTAR           = 0xc0000083
	MSRFMASK           = 0xc0000084
	MSRKernelGSBase    = 0xc0000102
)

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// maxMSRs bounds the fixed-size entry array below; the reset path never
// needs more than a handful, but room is left for callers that want to
// batch more.
const maxMSRs = 64

// MSRS mirrors struct kvm_msrs, which in the kernel ABI is a header
// followed by a flexible array of entries. Go has no flexible array
// members, so Entries is a fixed-size array and NMSRs says how many of
// its leading elements are meaningful.
type MSRS struct {
	NMSRs   uint32
	Pad     uint32
	Entries [maxMSRs]MSREntry
}

// msrsHeaderSize is sizeof(struct kvm_msrs) in the kernel ABI (nmsrs plus
// pad, without the flexible entry array): the size the KVM_GET_MSRS and
// KVM_SET_MSRS request numbers encode.
const msrsHeaderSize = 8

// NewMSRS builds an MSRS batch from an ordered list of entries. Order is
// preserved so callers (and their tests) can assert on the exact set
// written.
func NewMSRS(entries ...MSREntry) *MSRS {
	m := &MSRS{}
	for _, e := range entries {
		m.Entries[m.NMSRs] = e
		m.NMSRs++
	}

	return m
}

// SetMSRs writes a batch of model-specific registers to a vcpu in one
// ioctl, exactly as the architectural reset state requires: all of them
// take effect atomically relative to the rest of the CPU state.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, msrsHeaderSize), uintptr(unsafe.Pointer(msrs)))

	return err
}

// GetMSRs reads back the MSRs named in msrs.Entries[:msrs.NMSRs], filling
// in their Data fields.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, msrsHeaderSize), uintptr(unsafe.Pointer(msrs)))

	return err
}
