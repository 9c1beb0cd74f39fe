package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/minivisor/minivisor/bootparam"
)

// bzImageFixture builds a minimal synthetic bzImage large enough to hold
// the e820 table: a zero-filled image with the "HdrS" setup-header
// signature at 0x202.
func bzImageFixture(size int) []byte {
	buf := make([]byte, size)
	copy(buf[0x202:], "HdrS")

	return buf
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := bootparam.New(bytes.NewReader(bzImageFixture(4096))); err != nil {
		t.Fatal(err)
	}
}

func TestNewNotbzImage(t *testing.T) {
	t.Parallel()

	if _, err := bootparam.New(strings.NewReader("not a kernel image")); err == nil {
		t.Fatal("New: want error for missing HdrS signature")
	}
}

func TestBytes(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(bytes.NewReader(bzImageFixture(4096)))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Bytes(); err != nil {
		t.Fatal(err)
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(bytes.NewReader(bzImageFixture(4096)))
	if err != nil {
		t.Fatal(err)
	}

	b.AddE820Entry(
		0x1234567812345678,
		0xabcdefabcdefabcd,
		bootparam.E820Ram,
	)

	rawBootParam, _ := b.Bytes()
	if rawBootParam[0x1E8] != 1 {
		t.Fatalf("invalid e820_entries: %d", rawBootParam[0x1E8])
	}

	actual := bootparam.E820Entry{}
	reader := bytes.NewReader(rawBootParam[0x2D0:])

	if err := binary.Read(reader, binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("invalid e820 addr: %v", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("invalid e820 size: %v", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("invalid e820 type: %v", actual.Type)
	}
}

func TestAddE820EntryDropsEntriesPastCeiling(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(bytes.NewReader(bzImageFixture(4096)))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 130; i++ {
		b.AddE820Entry(uint64(i), 0x1000, bootparam.E820Ram)
	}

	rawBootParam, _ := b.Bytes()
	if rawBootParam[0x1E8] != 128 {
		t.Fatalf("e820_entries = %d, want 128 (ceiling enforced)", rawBootParam[0x1E8])
	}
}
