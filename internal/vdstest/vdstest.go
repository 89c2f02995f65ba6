// Package vdstest provides an in-memory VDS1022 that speaks the register
// protocol, for use in tests of the layers above the transport.
package vdstest

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/neilo40/vds1022_remote/internal/calibration"
	"github.com/neilo40/vds1022_remote/internal/protocol"
)

// FrameSize is the length of one capture frame in the primary firmware.
const FrameSize = 5211

var (
	// ErrNoResponse is returned by Read when the device has nothing queued.
	ErrNoResponse = errors.New("vdstest: no response queued")

	// ErrUnplugged is returned by every transfer while Unplugged is set.
	ErrUnplugged = errors.New("vdstest: no device")
)

// Device simulates the scope side of the bulk endpoints. Exported fields
// may be set before the device is used; they are read under the lock.
type Device struct {
	mu sync.Mutex

	// MachineType is returned for the machine type query.
	MachineType uint32
	// BitstreamLoaded is the FPGA query answer; an upload sets it.
	BitstreamLoaded bool
	// BufferSize is declared in reply to the download announcement.
	BufferSize uint32
	// Flash is returned after a read-flash command.
	Flash []byte
	// ReadyAfter is the number of data-finished probes answered with 0
	// before answering 1. Negative means never ready.
	ReadyAfter int
	// Frames are returned, one per read, after a get-data command.
	Frames [][]byte
	// BadChunk, when >= 0, is the chunk index acknowledged with a wrong index.
	BadChunk int
	// Overrides answers the given addresses with a fixed acknowledgement.
	Overrides map[uint32]protocol.AckResponse
	// Unplugged fails every transfer with ErrUnplugged.
	Unplugged bool

	writes  []protocol.RegisterCommand
	pending [][]byte
	probes  int
	closed  int

	uploading   bool
	uploadSize  int
	chunksWant  int
	chunksGot   int
	chunkLength []int
}

// New returns a programmed device with calibration table cal and a
// 64 byte download buffer. Every capture is ready on the first probe and
// returns two all-zero frames.
func New(cal *calibration.Table) *Device {
	return &Device{
		MachineType:     1,
		BitstreamLoaded: true,
		BufferSize:      64,
		Flash:           cal.Bytes(),
		BadChunk:        -1,
		Frames:          [][]byte{Frame(0, 0), Frame(1, 0)},
	}
}

// Frame builds a capture frame for channel whose samples all equal sample.
func Frame(channel byte, sample int8) []byte {
	b := make([]byte, FrameSize)
	b[0] = channel
	for i := 11; i < len(b); i++ {
		b[i] = byte(sample)
	}
	return b
}

// Table returns a calibration table with distinct, recognisable values.
func Table() *calibration.Table {
	var t calibration.Table
	for z := 0; z < calibration.Types; z++ {
		for y := 0; y < calibration.Channels; y++ {
			for x := 0; x < calibration.VoltageRanges; x++ {
				t[z][y][x] = uint16(0x100*(z+1) + 0x10*y + x)
			}
		}
	}
	return &t
}

func (d *Device) ack(tag byte, payload uint32) {
	d.pending = append(d.pending, protocol.EncodeAck(protocol.AckResponse{Tag: tag, Payload: payload}))
}

// Write implements the transport contract.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Unplugged {
		return 0, ErrUnplugged
	}

	if d.uploading {
		idx := binary.LittleEndian.Uint32(p)
		d.chunkLength = append(d.chunkLength, len(p)-4)
		d.chunksGot++
		if int(idx) == d.BadChunk {
			idx++
		}
		d.ack(protocol.AckOK, idx)
		if d.chunksGot == d.chunksWant {
			d.uploading = false
			d.BitstreamLoaded = true
		}
		return len(p), nil
	}

	cmd, err := protocol.DecodeCommand(p)
	if err != nil {
		return 0, err
	}
	d.writes = append(d.writes, cmd)

	if a, ok := d.Overrides[cmd.Address]; ok {
		d.ack(a.Tag, a.Payload)
		return len(p), nil
	}

	switch cmd.Address {
	case protocol.MachineType.Address:
		d.ack(protocol.AckMachineType, d.MachineType)
	case protocol.FPGAQuery.Address:
		var v uint32
		if d.BitstreamLoaded {
			v = 1
		}
		d.ack(protocol.AckBitstreamQuery, v)
	case protocol.FPGADownload.Address:
		d.uploading = true
		d.uploadSize = int(cmd.Value)
		d.chunksWant = 1 + d.uploadSize/int(d.BufferSize-4)
		d.chunksGot = 0
		d.chunkLength = nil
		d.ack(protocol.AckDownload, d.BufferSize)
	case protocol.ReadFlash.Address:
		d.pending = append(d.pending, d.Flash)
	case protocol.GetData.Address:
		d.pending = append(d.pending, d.Frames...)
	case protocol.DataFinished.Address:
		d.probes++
		var v uint32
		if d.ReadyAfter >= 0 && d.probes > d.ReadyAfter {
			v = 1
		}
		d.ack(protocol.AckOK, v)
	default:
		d.ack(protocol.AckOK, 0)
	}
	return len(p), nil
}

// Read implements the transport contract.
func (d *Device) Read(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Unplugged {
		return nil, ErrUnplugged
	}

	if len(d.pending) == 0 {
		return nil, ErrNoResponse
	}
	b := d.pending[0]
	d.pending = d.pending[1:]
	if len(b) > n {
		b = b[:n]
	}
	return append([]byte(nil), b...), nil
}

// Close implements the transport contract and counts calls.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// Writes returns every register command received, in order.
func (d *Device) Writes() []protocol.RegisterCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.RegisterCommand(nil), d.writes...)
}

// WritesTo returns the commands sent to address.
func (d *Device) WritesTo(address uint32) []protocol.RegisterCommand {
	var out []protocol.RegisterCommand
	for _, c := range d.Writes() {
		if c.Address == address {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded writes.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

// ChunkLengths returns the payload length of every bitstream chunk of the
// last upload.
func (d *Device) ChunkLengths() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.chunkLength...)
}

// Closed returns the number of Close calls.
func (d *Device) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Set runs fn with the device locked, for changing fields while another
// goroutine is using it.
func (d *Device) Set(fn func(d *Device)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}
