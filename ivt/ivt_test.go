package ivt_test

import (
	"encoding/binary"
	"testing"

	"github.com/minivisor/minivisor/ivt"
)

func TestSetupFillsAllEntriesWithIRETDefault(t *testing.T) {
	t.Parallel()

	tb := ivt.New(0x500)
	tb.Setup()

	raw := tb.Bytes()
	if len(raw) != ivt.TableSize {
		t.Fatalf("len(Bytes()) = %d, want %d", len(raw), ivt.TableSize)
	}

	// Entry 0 (IRET default) and entry 0x10 (video stub) must differ,
	// since Setup overrides 0x10 after filling every entry with the
	// default descriptor.
	entry0 := raw[0:4]
	entry10 := raw[0x10*4 : 0x10*4+4]

	if string(entry0) == string(entry10) {
		t.Errorf("entry 0x10 was not overridden: %x == %x", entry10, entry0)
	}

	for i := 0; i < ivt.NumEntries; i++ {
		if i == 0x10 {
			continue
		}

		got := raw[i*4 : i*4+4]
		if string(got) != string(entry0) {
			t.Errorf("entry %#x = %x, want default %x", i, got, entry0)
		}
	}
}

func TestWriteToPlacesHandlerAtDescriptor(t *testing.T) {
	t.Parallel()

	tb := ivt.New(0x500)
	tb.Setup()

	mem := make([]byte, 0x2000)
	tb.WriteTo(mem)

	raw := tb.Bytes()
	offset := binary.LittleEndian.Uint16(raw[0x10*4:])
	segment := binary.LittleEndian.Uint16(raw[0x10*4+2:])

	flat := uint64(segment)<<4 + uint64(offset)
	if mem[flat] != 0xCF {
		t.Errorf("handler at flat %#x = %#x, want IRET (0xCF)", flat, mem[flat])
	}
}
