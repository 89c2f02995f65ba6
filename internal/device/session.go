// Package device owns the connection to a VDS1022: the machine type
// handshake, the FPGA bitstream upload, the flash calibration table and the
// register write primitive everything else is built on.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/calibration"
	"github.com/neilo40/vds1022_remote/internal/protocol"
)

// USB identity of the VDS1022.
const (
	VendorID          = 0x5345
	ProductID         = 0x1234
	Interface         = 0
	BulkWriteEndpoint = 0x03
	BulkReadEndpoint  = 0x81
)

// Transport is a bulk endpoint pair. Read performs one transfer of at most
// n bytes.
type Transport interface {
	Write(p []byte) (int, error)
	Read(n int) ([]byte, error)
	Close() error
}

// BitstreamSource supplies the FPGA image when the device reports it missing.
type BitstreamSource func() ([]byte, error)

// FileBitstream reads the image from path on every upload.
func FileBitstream(path string) BitstreamSource {
	return func() ([]byte, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bitstream: %w", err)
		}
		return b, nil
	}
}

// Session is the only user of a Transport. It is not safe for concurrent use.
type Session struct {
	t         Transport
	bitstream BitstreamSource
	cal       *calibration.Table
	log       *logrus.Entry
	closed    bool

	// OnUpload, if set, is called after every completed bitstream upload.
	OnUpload func(size int)
}

// NewSession wraps t. bitstream may be nil when the device is known to be
// programmed already; a missing bitstream is then reported as ErrNoBitstream.
func NewSession(t Transport, bitstream BitstreamSource, log *logrus.Logger) *Session {
	return &Session{
		t:         t,
		bitstream: bitstream,
		log:       log.WithField("component", "session"),
	}
}

// Init runs the startup sequence: handshake, bitstream check, calibration
// load. Any failure is fatal and closes the transport.
func (s *Session) Init() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"handshake", s.Handshake},
		{"bitstream", func() error { _, err := s.CheckBitstream(); return err }},
		{"calibration", s.LoadCalibration},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.Close()
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (s *Session) write(p []byte) error {
	if s.closed {
		return ErrClosed
	}
	if s.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		s.log.Tracef("send % x", p)
	}
	n, err := s.t.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	return nil
}

// Read performs a single bulk read of up to n bytes.
func (s *Session) Read(n int) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	b, err := s.t.Read(n)
	if err != nil {
		return b, err
	}
	if s.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		s.log.Tracef("recv %d bytes", len(b))
	}
	return b, nil
}

// Send writes cmd without waiting for an acknowledgement. Only read-flash
// and get-data behave this way; everything else goes through WriteRegister.
func (s *Session) Send(cmd protocol.RegisterCommand) error {
	b, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}
	s.log.Debugf("write %s", cmd)
	return s.write(b)
}

// WriteRegister sends cmd, reads the 5 byte acknowledgement and returns its
// payload. A tag other than expected is a *protocol.ProtocolError.
func (s *Session) WriteRegister(cmd protocol.RegisterCommand, expected byte) (uint32, error) {
	if err := s.Send(cmd); err != nil {
		return 0, err
	}
	return s.readAck(cmd, expected)
}

func (s *Session) readAck(cmd protocol.RegisterCommand, expected byte) (uint32, error) {
	b, err := s.Read(protocol.AckSize)
	if err != nil {
		return 0, fmt.Errorf("read ack for %s: %w", cmd, err)
	}
	ack, err := protocol.DecodeAck(b)
	if err != nil {
		return 0, fmt.Errorf("ack for %s: %w", cmd, err)
	}
	if ack.Tag != expected {
		return 0, &protocol.ProtocolError{Command: cmd, Expected: expected, Got: ack.Tag}
	}
	return ack.Payload, nil
}

// Handshake checks the machine type register.
func (s *Session) Handshake() error {
	version, err := s.WriteRegister(protocol.MachineType.With(86), protocol.AckMachineType)
	if err != nil {
		return err
	}
	if version != 1 {
		return fmt.Errorf("%w: machine type %d", ErrUnsupportedDevice, version)
	}
	s.log.Info("this appears to be a VDS1022")
	return nil
}

// CheckBitstream asks whether the FPGA is programmed and uploads the
// bitstream if it is not. The answer can change after a power event, so the
// worker repeats this while idle.
func (s *Session) CheckBitstream() (uploaded bool, err error) {
	present, err := s.WriteRegister(protocol.FPGAQuery.With(0), protocol.AckBitstreamQuery)
	if err != nil {
		return false, err
	}
	if present != 0 {
		return false, nil
	}
	if s.bitstream == nil {
		return false, ErrNoBitstream
	}
	image, err := s.bitstream()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrNoBitstream, err)
	}
	s.log.Infof("uploading bitstream (%d bytes)", len(image))
	if err := s.UploadBitstream(image); err != nil {
		return false, err
	}
	s.log.Info("bitstream uploaded")
	if s.OnUpload != nil {
		s.OnUpload(len(image))
	}
	return true, nil
}

// UploadBitstream announces the image size, then sends numbered chunks
// sized by the buffer the device declares. Each chunk must be acknowledged
// with its own index; any other reply aborts the whole upload.
func (s *Session) UploadBitstream(image []byte) error {
	bufferSize, err := s.WriteRegister(protocol.FPGADownload.With(uint32(len(image))), protocol.AckDownload)
	if err != nil {
		return err
	}
	if bufferSize <= 4 {
		return fmt.Errorf("%w: device buffer size %d", ErrUploadSequence, bufferSize)
	}
	s.log.Debugf("bitstream buffer size %d", bufferSize)

	payload := int(bufferSize - 4)
	chunks := ChunkCount(len(image), payload)
	for i := 0; i < chunks; i++ {
		pos := i * payload
		end := pos + payload
		if end > len(image) {
			end = len(image)
		}

		buf := make([]byte, 4, 4+end-pos)
		binary.LittleEndian.PutUint32(buf, uint32(i))
		buf = append(buf, image[pos:end]...)

		if err := s.write(buf); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		b, err := s.Read(protocol.AckSize)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		ack, err := protocol.DecodeAck(b)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if ack.Tag != protocol.AckOK || ack.Payload != uint32(i) {
			return fmt.Errorf("%w: chunk %d acknowledged as %s", ErrUploadSequence, i, ack)
		}
	}
	return nil
}

// ChunkCount is the number of upload chunks for an image of size bytes.
// An image that fills the last chunk exactly is followed by an empty one,
// which is what the vendor software sends.
func ChunkCount(size, payload int) int {
	return 1 + size/payload
}

// LoadCalibration reads the flash blob and parses the calibration table.
func (s *Session) LoadCalibration() error {
	if err := s.Send(protocol.ReadFlash.With(1)); err != nil {
		return err
	}
	buf, err := s.Read(calibration.BlobSize)
	if err != nil {
		return fmt.Errorf("read flash: %w", err)
	}
	table, err := calibration.Parse(buf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCalibrationFormat, err)
	}
	s.cal = table
	s.log.Debugf("calibration loaded: gain ch1 %v", table[calibration.Gain][0])
	return nil
}

// Calibration returns the table loaded by LoadCalibration, or nil.
func (s *Session) Calibration() *calibration.Table {
	return s.cal
}

// Close releases the transport. Further calls are no-ops.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info("closing device")
	return s.t.Close()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed
}

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	for _, target := range []error{
		ErrDeviceNotFound,
		ErrUnsupportedDevice,
		ErrCalibrationFormat,
		ErrUploadSequence,
		ErrNoBitstream,
		ErrClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
