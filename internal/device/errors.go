package device

import "errors"

var (
	// ErrDeviceNotFound means no device with the requested VID/PID is
	// attached or the user may not open it.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnsupportedDevice indicates the machine type check did not return 1.
	ErrUnsupportedDevice = errors.New("this does not appear to be a VDS1022")

	// ErrCalibrationFormat indicates an unreadable flash calibration blob.
	ErrCalibrationFormat = errors.New("bad calibration data")

	// ErrUploadSequence indicates a bitstream chunk acknowledged out of order.
	ErrUploadSequence = errors.New("bad response in bitstream upload")

	// ErrNoBitstream indicates the FPGA needs programming but no image is available.
	ErrNoBitstream = errors.New("bitstream not available")

	// ErrClosed indicates use of a closed session.
	ErrClosed = errors.New("session closed")
)
