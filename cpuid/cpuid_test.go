package cpuid_test

import (
	"testing"

	"github.com/minivisor/minivisor/cpuid"
)

func TestCPUID(t *testing.T) {
	t.Parallel()

	eax, ebx, ecx, edx := cpuid.CPUID(0)

	t.Logf("eax:0x%x ebx:0x%x ecx:0x%x edx:0x%x",
		eax, ebx, ecx, edx)

	s := []rune{}
	for _, x := range []uint32{ebx, edx, ecx} {
		s = append(s, rune(x>>0)&0xff)
		s = append(s, rune(x>>8)&0xff)
		s = append(s, rune(x>>16)&0xff)
		s = append(s, rune(x>>24)&0xff)
	}

	if string(s) != "GenuineIntel" && string(s) != "AuthenticAMD" {
		t.Fatalf("Unknown CPU vender found: %s", string(s))
	}
}

func TestHasVMX(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		ecx  uint32
		want bool
	}{
		{name: "bitSet", ecx: 1 << 5, want: true},
		{name: "bitClear", ecx: 0, want: false},
		{name: "otherBitsSet", ecx: ^uint32(1 << 5), want: false},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := cpuid.HasVMX(test.ecx); got != test.want {
				t.Errorf("HasVMX(%#x) = %v, want %v", test.ecx, got, test.want)
			}
		})
	}
}

func TestHostSupportsVMX(t *testing.T) {
	t.Parallel()
	// No assertion on the result: whether the test host has VMX depends on
	// the environment. This just confirms the call doesn't panic and
	// returns a plain bool.
	_ = cpuid.HostSupportsVMX()
}
