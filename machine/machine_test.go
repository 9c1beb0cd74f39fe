package machine

import (
	"testing"

	"github.com/minivisor/minivisor/loader"
)

// resetVCPU's RIP-overflow check must fire before any ioctl is attempted,
// so it is reachable on a Machine with no real vcpuFd at all.
func TestResetVCPURejectsOversizeRIP(t *testing.T) {
	t.Parallel()

	m := &Machine{}

	err := m.resetVCPU(loader.BootState{Selector: 0x1000, IP: 0x10000, SP: 0x8000})
	if err != ErrRIPOverflow {
		t.Errorf("resetVCPU with IP=0x10000 = %v, want ErrRIPOverflow", err)
	}
}
