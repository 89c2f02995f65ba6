// Package protocol encodes the register commands understood by the Owon
// VDS1022 and decodes the 5 byte acknowledgements it sends back.
//
// A command on the wire is
//
//	address u32 LE | length u8 | value, length bytes LE
//
// and every acknowledgement is
//
//	tag u8 (ASCII) | payload u32 LE
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the address and length prefix of every command.
	HeaderSize = 5
	// AckSize is the fixed length of a device acknowledgement.
	AckSize = 5
	// MaxValueLength is the widest value a command can carry.
	MaxValueLength = 4
)

var le = binary.LittleEndian

// RegisterCommand is a single register write. Only the low Length*8 bits of
// Value are transmitted.
type RegisterCommand struct {
	Address uint32
	Length  uint8
	Value   uint32
}

// NewCommand validates length and returns the command.
func NewCommand(address uint32, length uint8, value uint32) (RegisterCommand, error) {
	if length == 0 || length > MaxValueLength {
		return RegisterCommand{}, fmt.Errorf("%w: length %d for address 0x%x", ErrEncode, length, address)
	}
	return RegisterCommand{Address: address, Length: length, Value: value}, nil
}

// MarshalBinary returns the wire form of c.
func (c RegisterCommand) MarshalBinary() ([]byte, error) {
	return Encode(c.Address, c.Length, c.Value)
}

func (c RegisterCommand) String() string {
	if r, ok := Lookup(c.Address); ok {
		return fmt.Sprintf("%s(0x%x)[%d]=0x%x", r.Name, c.Address, c.Length, c.Value)
	}
	return fmt.Sprintf("0x%x[%d]=0x%x", c.Address, c.Length, c.Value)
}

// Encode produces the wire bytes for a register command.
func Encode(address uint32, length uint8, value uint32) ([]byte, error) {
	if length == 0 || length > MaxValueLength {
		return nil, fmt.Errorf("%w: length %d for address 0x%x", ErrEncode, length, address)
	}
	out := make([]byte, HeaderSize+int(length))
	le.PutUint32(out[0:4], address)
	out[4] = length
	for i := 0; i < int(length); i++ {
		out[HeaderSize+i] = byte(value & 0xff)
		value >>= 8
	}
	return out, nil
}

// DecodeCommand parses the wire form produced by Encode. Trailing bytes past
// the declared length are ignored.
func DecodeCommand(b []byte) (RegisterCommand, error) {
	if len(b) < HeaderSize {
		return RegisterCommand{}, fmt.Errorf("%w: command of %d bytes", ErrShortMessage, len(b))
	}
	c := RegisterCommand{Address: le.Uint32(b[0:4]), Length: b[4]}
	if c.Length == 0 || c.Length > MaxValueLength {
		return RegisterCommand{}, fmt.Errorf("%w: length %d for address 0x%x", ErrEncode, c.Length, c.Address)
	}
	if len(b) < HeaderSize+int(c.Length) {
		return RegisterCommand{}, fmt.Errorf("%w: command of %d bytes, want %d", ErrShortMessage, len(b), HeaderSize+int(c.Length))
	}
	for i := int(c.Length) - 1; i >= 0; i-- {
		c.Value = c.Value<<8 | uint32(b[HeaderSize+i])
	}
	return c, nil
}

// AckResponse is the device reply to a register command.
type AckResponse struct {
	Tag     byte
	Payload uint32
}

func (a AckResponse) String() string {
	return fmt.Sprintf("%q:0x%x", a.Tag, a.Payload)
}

// DecodeAck parses a 5 byte acknowledgement.
func DecodeAck(b []byte) (AckResponse, error) {
	if len(b) != AckSize {
		return AckResponse{}, fmt.Errorf("%w: ack of %d bytes, want %d", ErrShortMessage, len(b), AckSize)
	}
	return AckResponse{Tag: b[0], Payload: le.Uint32(b[1:5])}, nil
}

// EncodeAck is the inverse of DecodeAck.
func EncodeAck(a AckResponse) []byte {
	out := make([]byte, AckSize)
	out[0] = a.Tag
	le.PutUint32(out[1:], a.Payload)
	return out
}

// Mask returns value reduced to the bits a command of the given length can carry.
func Mask(length uint8, value uint32) uint32 {
	if length >= MaxValueLength {
		return value
	}
	return value & (1<<(8*uint32(length)) - 1)
}
