package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrEncode indicates a command length outside 1..4.
	ErrEncode = errors.New("invalid command length")

	// ErrShortMessage indicates a command or acknowledgement with too few bytes.
	ErrShortMessage = errors.New("short message")

	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("protocol error")
)

// ProtocolError reports an acknowledgement whose tag differs from the one
// the command expects.
type ProtocolError struct {
	Command  RegisterCommand
	Expected byte
	Got      byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response to %s: expected %q, got %q", e.Command, e.Expected, e.Got)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
