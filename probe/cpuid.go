// Package probe implements the "probe" CLI subcommand: read-only
// diagnostics run against the host's /dev/kvm without creating a VM,
// useful for answering "will this host even boot a guest" before
// attempting it.
package probe

import (
	"fmt"
	"os"

	"github.com/minivisor/minivisor/kvm"
)

// CPUID opens /dev/kvm, calls KVM_GET_SUPPORTED_CPUID, and prints every
// entry the host advertises.
func CPUID() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	cpuid := &kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(kvmfd, cpuid); err != nil {
		return err
	}

	for _, e := range cpuid.Entries[:cpuid.Nent] {
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flag:%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}
