package probe

import (
	"fmt"
	"os"

	"github.com/minivisor/minivisor/kvm"
)

// KVMCapabilities prints, for each capability the capability gate (C3)
// requires, whether the host currently has it. It does not fail when one
// is missing -- that is the gate's job at boot time; this is a diagnostic
// read-out for operators.
func KVMCapabilities() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	for _, c := range kvm.Required {
		res, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return err
		}

		fmt.Printf("%-22s: %t\n", c, res != 0)
	}

	return nil
}
