package bootproto_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/minivisor/minivisor/bootproto"
)

// bzImageFixture builds a minimal synthetic bzImage: a setup region of
// (setupSects+1)*512 bytes with the setup_header fields needed to pass
// the magic/version checks, followed by a "kernel" payload.
func bzImageFixture(setupSects uint8, version uint16, cmdlineSize uint32, kernelPayload []byte) []byte {
	setupSize := (int(setupSects) + 1) * 512
	buf := make([]byte, setupSize)

	buf[0x1F1] = setupSects
	copy(buf[0x202:], "HdrS")
	binary.LittleEndian.PutUint16(buf[0x206:], version)
	binary.LittleEndian.PutUint32(buf[0x238:], cmdlineSize)

	return append(buf, kernelPayload...)
}

func TestParse(t *testing.T) {
	t.Parallel()

	raw := bzImageFixture(4, 0x020A, 256, []byte{0x90, 0x90})

	b, err := bootproto.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	if b.Header != bootproto.BootProtoMagicSignature {
		t.Errorf("Header = %#x, want %#x", b.Header, bootproto.BootProtoMagicSignature)
	}

	if b.Version != 0x020A {
		t.Errorf("Version = %#x, want 0x020A", b.Version)
	}

	if b.SetupSects != 4 {
		t.Errorf("SetupSects = %d, want 4", b.SetupSects)
	}

	if b.CmdlineSize != 256 {
		t.Errorf("CmdlineSize = %d, want 256", b.CmdlineSize)
	}
}

func TestParseRejectsBadSignature(t *testing.T) {
	t.Parallel()

	raw := bzImageFixture(4, 0x020A, 256, nil)
	copy(raw[0x202:], "xxxx")

	if _, err := bootproto.Parse(raw); err != bootproto.ErrorSignatureNotMatch {
		t.Errorf("Parse: err = %v, want ErrorSignatureNotMatch", err)
	}
}

func TestParseRejectsShortInput(t *testing.T) {
	t.Parallel()

	if _, err := bootproto.Parse(make([]byte, 16)); err != bootproto.ErrorSignatureNotMatch {
		t.Errorf("Parse: err = %v, want ErrorSignatureNotMatch", err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp("", "bootproto-test-*")
	if err != nil {
		t.Fatal(err)
	}

	defer os.Remove(f.Name())

	if _, err := f.Write(bzImageFixture(4, 0x020A, 256, []byte{0x90, 0x90})); err != nil {
		t.Fatal(err)
	}

	f.Close()

	b, err := bootproto.New(f.Name())
	if err != nil {
		t.Fatal(err)
	}

	if b.SetupSects != 4 {
		t.Errorf("SetupSects = %d, want 4", b.SetupSects)
	}
}

func TestBytes(t *testing.T) {
	t.Parallel()

	raw := bzImageFixture(4, 0x020A, 256, []byte{0x90, 0x90})

	b, err := bootproto.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(encoded, raw[bootproto.HeaderOffset:bootproto.HeaderOffset+len(encoded)]) {
		t.Errorf("Bytes() round-trip mismatch")
	}
}
