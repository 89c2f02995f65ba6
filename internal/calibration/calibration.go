// Package calibration parses the calibration table the VDS1022 keeps in
// flash.
package calibration

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type selects one of the three calibration planes.
type Type int

const (
	Gain Type = iota
	Amplitude
	Compensation
)

func (t Type) String() string {
	switch t {
	case Gain:
		return "gain"
	case Amplitude:
		return "amplitude"
	case Compensation:
		return "compensation"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

const (
	Types         = 3
	Channels      = 2
	VoltageRanges = 10

	// BlobSize is the number of bytes returned by a flash read.
	BlobSize = 2002
	// Version is the only flash layout understood.
	Version = 2

	headerSize = 6
	entries    = Types * Channels * VoltageRanges
)

// ErrFormat indicates a flash blob with a bad header, version or length.
var ErrFormat = errors.New("bad calibration format")

// Table holds one 16 bit word per [type][channel][voltage range].
type Table [Types][Channels][VoltageRanges]uint16

// Parse decodes a flash blob: 0xAA 0x55, a u32 LE version that must equal
// 2, then 60 u16 LE words in row-major order. Bytes after the 60th word are
// ignored.
func Parse(buf []byte) (*Table, error) {
	if len(buf) < headerSize+2*entries {
		return nil, fmt.Errorf("%w: %d bytes", ErrFormat, len(buf))
	}
	if buf[0] != 0xaa || buf[1] != 0x55 {
		return nil, fmt.Errorf("%w: header %02x %02x", ErrFormat, buf[0], buf[1])
	}
	if v := binary.LittleEndian.Uint32(buf[2:6]); v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, v)
	}

	var t Table
	off := headerSize
	for z := 0; z < Types; z++ {
		for y := 0; y < Channels; y++ {
			for x := 0; x < VoltageRanges; x++ {
				t[z][y][x] = binary.LittleEndian.Uint16(buf[off:])
				off += 2
			}
		}
	}
	return &t, nil
}

// At returns a single calibration word. It panics on out of range indices.
func (t *Table) At(typ Type, channel, vdiv int) uint16 {
	return t[typ][channel][vdiv]
}

// Bytes returns t in the flash layout, padded to BlobSize.
func (t *Table) Bytes() []byte {
	out := make([]byte, BlobSize)
	out[0], out[1] = 0xaa, 0x55
	binary.LittleEndian.PutUint32(out[2:6], Version)
	off := headerSize
	for z := 0; z < Types; z++ {
		for y := 0; y < Channels; y++ {
			for x := 0; x < VoltageRanges; x++ {
				binary.LittleEndian.PutUint16(out[off:], t[z][y][x])
				off += 2
			}
		}
	}
	return out
}
