// Package bootproto decodes and re-encodes the Linux x86 boot protocol's
// setup_header record: https://www.kernel.org/doc/html/latest/x86/boot.html
package bootproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
)

const (
	BootProtoMagicSignature = 0x53726448

	// HeaderOffset is the file offset setup_header begins at, and so
	// also the guest flat-memory offset from the loaded setup region's
	// base once that region is copied to guest RAM verbatim.
	HeaderOffset = 0x01F1
)

type BootProto struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

var ErrorSignatureNotMatch = errors.New("signature not match in bzImage")

// Parse decodes the setup_header record out of raw, a bzImage file's bytes
// (or the guest-memory setup region once copied there verbatim), starting
// at HeaderOffset. raw must extend far enough past HeaderOffset to hold
// the whole record, and the record's "HdrS" magic must be present;
// otherwise raw isn't a bzImage and ErrorSignatureNotMatch is returned.
func Parse(raw []byte) (*BootProto, error) {
	b := &BootProto{}

	if len(raw) < HeaderOffset+binary.Size(b) {
		return b, ErrorSignatureNotMatch
	}

	reader := bytes.NewReader(raw[HeaderOffset:])
	if err := binary.Read(reader, binary.LittleEndian, b); err != nil {
		return b, err
	}

	if b.Header != BootProtoMagicSignature {
		return b, ErrorSignatureNotMatch
	}

	return b, nil
}

// New reads bzImagePath off disk and parses its setup_header record.
func New(bzImagePath string) (*BootProto, error) {
	raw, err := os.ReadFile(bzImagePath)
	if err != nil {
		return &BootProto{}, err
	}

	return Parse(raw)
}

// Bytes re-encodes b in setup_header's on-disk/in-memory layout, for
// writing a patched header back into the guest's setup region.
func (b *BootProto) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
