// Package cpuid wraps the raw x86 CPUID instruction, used by the
// hypervisor gateway to verify hardware-virtualization support before it
// ever touches /dev/kvm.
package cpuid

// cpuid_low is implemented in cpuid_amd64.s.
func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) //nolint:revive

// CPUID executes the CPUID instruction for the given leaf with subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// HostSupportsVMX reports whether the physical CPU advertises VMX on CPUID
// leaf 1. The hypervisor gateway refuses to open /dev/kvm when this is
// false: every later ioctl would fail anyway, and the message is clearer
// fired off here.
func HostSupportsVMX() bool {
	_, _, ecx, _ := CPUID(1)

	return HasVMX(ecx)
}
