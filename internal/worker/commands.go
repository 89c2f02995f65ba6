package worker

import (
	"time"

	"github.com/neilo40/vds1022_remote/internal/capture"
)

// Command is a request the worker executes against the device. The set is
// closed; see execute for the dispatch.
type Command interface {
	Name() string
	command()
}

// ConfigureTimebase programs the timebase code and slow-move flag.
type ConfigureTimebase struct {
	Code uint32
}

// SetChannel replaces the stored setup of a channel without writing it.
type SetChannel struct {
	Channel int
	Config  capture.ChannelConfig
}

// ConfigureChannel writes the stored setup of a channel.
type ConfigureChannel struct {
	Channel int
}

// ConfigureTrigger programs trigger word, edge level and trigger offsets.
type ConfigureTrigger struct {
	Trigger    capture.TriggerConfig
	PreTrigger uint32
	SufTrigger uint32
}

// CaptureInit runs the full acquisition setup.
type CaptureInit struct{}

// Arm starts a capture.
type Arm struct{}

// GetData waits for the armed capture and fetches it. A zero Timeout uses
// the capture timeout of the current settings.
type GetData struct {
	Timeout time.Duration
}

// Close shuts the session down and stops the worker.
type Close struct{}

func (ConfigureTimebase) Name() string { return "configure_timebase" }
func (SetChannel) Name() string        { return "set_channel" }
func (ConfigureChannel) Name() string  { return "configure_channel" }
func (ConfigureTrigger) Name() string  { return "configure_trigger" }
func (CaptureInit) Name() string       { return "capture_init" }
func (Arm) Name() string               { return "arm" }
func (GetData) Name() string           { return "get_data" }
func (Close) Name() string             { return "close" }

func (ConfigureTimebase) command() {}
func (SetChannel) command()        {}
func (ConfigureChannel) command()  {}
func (ConfigureTrigger) command()  {}
func (CaptureInit) command()       {}
func (Arm) command()               {}
func (GetData) command()           {}
func (Close) command()             {}

// Request pairs a command with the sequence number its Result will carry.
type Request struct {
	Seq uint64
	Cmd Command
}

// Result is the reply to exactly one Request. Capture is set only for GetData.
type Result struct {
	Seq     uint64
	Capture *capture.Result
	Err     error
}
