package loader_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/minivisor/minivisor/loader"
)

const memSize = 4 << 20

// bzImageFixture builds a minimal synthetic bzImage: a setup region of
// (setupSects+1)*512 bytes followed by a "kernel" payload, with the
// setup-header fields needed to pass the magic/version checks.
func bzImageFixture(setupSects uint8, version uint16, cmdlineSize uint32, kernelPayload []byte) []byte {
	setupSize := (int(setupSects) + 1) * 512
	buf := make([]byte, setupSize)

	buf[0x1F1] = setupSects
	copy(buf[0x202:], "HdrS")
	binary.LittleEndian.PutUint16(buf[0x206:], version)
	binary.LittleEndian.PutUint32(buf[0x238:], cmdlineSize)

	return append(buf, kernelPayload...)
}

func TestLoadBzImage(t *testing.T) {
	t.Parallel()

	kernelPayload := bytes.Repeat([]byte{0x90}, 0x1000)
	raw := bzImageFixture(4, 0x020A, 256, kernelPayload)

	mem := make([]byte, memSize)

	state, err := loader.Load(mem, bytes.NewReader(raw), "quiet")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	setupSize := 5 * 512

	// Everything outside the four patched header fields and the e820
	// table must be an exact copy of the source file.
	expected := append([]byte{}, raw[:setupSize]...)
	binary.LittleEndian.PutUint32(expected[0x228:], 0x20000)
	expected[0x210] = 0xFF
	binary.LittleEndian.PutUint16(expected[0x224:], 0xFE00)
	expected[0x211] |= 0x80
	expected[0x1E8] = 1
	binary.LittleEndian.PutUint64(expected[0x2D0:], 0)
	binary.LittleEndian.PutUint64(expected[0x2D8:], memSize)
	binary.LittleEndian.PutUint32(expected[0x2E0:], 1)

	if !bytes.Equal(mem[0x10000:0x10000+setupSize], expected) {
		t.Errorf("setup region mismatch outside patched fields")
	}

	hdr := mem[0x10000:]
	if hdr[0x1E8] != 1 {
		t.Errorf("e820_entries = %d, want 1", hdr[0x1E8])
	}

	if got := binary.LittleEndian.Uint64(hdr[0x2D8:]); got != memSize {
		t.Errorf("e820[0].size = %#x, want %#x", got, memSize)
	}

	if !bytes.Equal(mem[0x100000:0x100000+len(kernelPayload)], kernelPayload) {
		t.Errorf("kernel payload not copied to 0x100000")
	}

	wantCmdline := append([]byte("quiet\x00"), make([]byte, 256-6)...)
	if !bytes.Equal(mem[0x20000:0x20000+256], wantCmdline) {
		t.Errorf("cmdline = %q, want %q", mem[0x20000:0x20000+256], wantCmdline)
	}

	if got := binary.LittleEndian.Uint32(hdr[0x228:]); got != 0x20000 {
		t.Errorf("cmd_line_ptr = %#x, want 0x20000", got)
	}

	if hdr[0x210] != 0xFF {
		t.Errorf("type_of_loader = %#x, want 0xFF", hdr[0x210])
	}

	if got := binary.LittleEndian.Uint16(hdr[0x224:]); got != 0xFE00 {
		t.Errorf("heap_end_ptr = %#x, want 0xFE00", got)
	}

	if hdr[0x211]&0x80 == 0 {
		t.Errorf("loadflags bit 0x80 not set: %#x", hdr[0x211])
	}

	if state.IP != 0x0200 {
		t.Errorf("boot_ip = %#x, want 0x0200", state.IP)
	}
}

func TestLoadFlatBinaryFallback(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0x42}, 1024)
	mem := make([]byte, memSize)

	state, err := loader.Load(mem, bytes.NewReader(raw), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !bytes.Equal(mem[0x10000:0x10000+len(raw)], raw) {
		t.Errorf("flat binary not copied verbatim to 0x10000")
	}

	if state.IP != 0x0000 {
		t.Errorf("boot_ip = %#x, want 0", state.IP)
	}
}

func TestLoadRejectsLowBzImageVersion(t *testing.T) {
	t.Parallel()

	raw := bzImageFixture(4, 0x0201, 256, []byte{0x90, 0x90})
	mem := make([]byte, memSize)

	state, err := loader.Load(mem, bytes.NewReader(raw), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Version below 0x0202 means "not a bzImage": the flat-binary path
	// takes over and loads verbatim from offset 0, so boot_ip is 0.
	if state.IP != 0x0000 {
		t.Errorf("boot_ip = %#x, want 0 (flat-binary fallback)", state.IP)
	}

	if !bytes.Equal(mem[0x10000:0x10000+len(raw)], raw) {
		t.Errorf("flat fallback did not copy the whole file verbatim")
	}
}
