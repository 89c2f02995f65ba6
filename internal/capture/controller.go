// Package capture implements the VDS1022 acquisition cycle:
// configure, arm, poll for data, fetch and decode.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/calibration"
	"github.com/neilo40/vds1022_remote/internal/protocol"
)

var (
	// ErrInvalidConfig indicates a channel, trigger or index out of range.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoCalibration indicates channel configuration before calibration was loaded.
	ErrNoCalibration = errors.New("calibration not loaded")

	// ErrNotArmed indicates a poll without a preceding Arm.
	ErrNotArmed = errors.New("capture not armed")

	// ErrNoData indicates a fetch before the device reported data ready.
	ErrNoData = errors.New("no data ready")

	// ErrFrameSize indicates a frame of the wrong length, usually because
	// the device was busy. Retry the capture.
	ErrFrameSize = errors.New("bad frame size")

	// ErrFrameChannel indicates a frame header naming a channel other than 0 or 1.
	ErrFrameChannel = errors.New("invalid frame channel")
)

// Frame layout: 11 byte header, 100 byte trigger buffer, 50 pre, 5000
// payload, 50 post. Decoding starts one sample into the pre region, which
// skips the occasional glitch at its start.
const (
	FrameSize    = 5211
	SampleOffset = 11 + 100 + 1
	SampleCount  = 5000 - 2 + 50 + 50
)

// SlowMoveThreshold is the timebase code from which slow-move is enabled.
const SlowMoveThreshold = 0xffffffff

// Device is the register access the controller needs. *device.Session
// implements it.
type Device interface {
	WriteRegister(cmd protocol.RegisterCommand, expected byte) (uint32, error)
	Send(cmd protocol.RegisterCommand) error
	Read(n int) ([]byte, error)
	Calibration() *calibration.Table
}

// State is the position in the capture cycle.
type State int

const (
	Idle State = iota
	Configured
	Armed
	Polling
	DataReady
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Armed:
		return "armed"
	case Polling:
		return "polling"
	case DataReady:
		return "data ready"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is one decoded capture. A timed out capture has two empty slices.
type Result struct {
	Channels [2][]float64
	TimedOut bool
}

// Controller drives the capture state machine. It is not safe for
// concurrent use.
type Controller struct {
	dev      Device
	settings Settings
	state    State
	log      *logrus.Entry
}

// NewController returns an idle controller.
func NewController(dev Device, settings Settings, log *logrus.Logger) *Controller {
	return &Controller{
		dev:      dev,
		settings: settings,
		log:      log.WithField("component", "capture"),
	}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Settings returns a copy of the current settings.
func (c *Controller) Settings() Settings { return c.settings }

func (c *Controller) write(cmd protocol.RegisterCommand) error {
	_, err := c.dev.WriteRegister(cmd, protocol.AckOK)
	return err
}

func (c *Controller) writeAll(cmds ...protocol.RegisterCommand) error {
	for _, cmd := range cmds {
		if err := c.write(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Init programs the full acquisition setup once after the session starts.
func (c *Controller) Init() error {
	err := c.writeAll(
		protocol.PhaseFine.Byte(0, 0),
		protocol.PhaseFine.Byte(1, 0),
		protocol.HoldoffArgCh1.With(0),
		protocol.HoldoffIdxCh1.With(0x41),
		// both frames are always transferred, whatever the display state
		protocol.ChannelOn.With(0x3),
		protocol.EdgeLevelExt.With(0),
	)
	if err != nil {
		return err
	}
	for ch := range c.settings.Channels {
		if err := c.ConfigureChannel(ch); err != nil {
			return err
		}
	}
	if err := c.ConfigureTimebase(c.settings.Capture.Timebase); err != nil {
		return err
	}
	err = c.writeAll(
		protocol.Sample.With(0),
		protocol.DeepMemory.With(0x13ec),
		protocol.SyncOutput.With(0),
	)
	if err != nil {
		return err
	}
	cfg := c.settings.Capture
	return c.ConfigureTrigger(cfg.Trigger, cfg.PreTrigger, cfg.SufTrigger)
}

// ConfigureTimebase writes the timebase code followed by the slow-move flag.
func (c *Controller) ConfigureTimebase(code uint32) error {
	var slow uint32
	if code >= SlowMoveThreshold {
		slow = 1
	}
	if err := c.writeAll(protocol.Timebase.With(code), protocol.SlowMove.With(slow)); err != nil {
		return err
	}
	c.settings.Capture.Timebase = code
	c.state = Configured
	return nil
}

// SetChannel replaces the stored setup of channel ch. Nothing is written
// until ConfigureChannel.
func (c *Controller) SetChannel(ch int, cfg ChannelConfig) error {
	if ch < 0 || ch > 1 {
		return fmt.Errorf("%w: channel %d", ErrInvalidConfig, ch)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.settings.Channels[ch] = cfg
	return nil
}

// channelRegisters returns control, gain and zero offset registers of ch.
func channelRegisters(ch int) (ctrl, gain, zero protocol.Register) {
	if ch == 0 {
		return protocol.ChannelCh1, protocol.VoltGainCh1, protocol.ZeroOffCh1
	}
	return protocol.ChannelCh2, protocol.VoltGainCh2, protocol.ZeroOffCh2
}

// ZeroOffset returns the zero offset register value for a channel and
// voltage index.
func ZeroOffset(cal *calibration.Table, ch, vdiv int) int {
	comp := int(cal.At(calibration.Compensation, ch, vdiv))
	amp := int(cal.At(calibration.Amplitude, ch, vdiv))
	return comp - ZeroOffHack*amp/100
}

// ConfigureChannel writes the control byte, calibrated gain and zero offset
// of channel ch.
func (c *Controller) ConfigureChannel(ch int) error {
	if ch < 0 || ch > 1 {
		return fmt.Errorf("%w: channel %d", ErrInvalidConfig, ch)
	}
	cal := c.dev.Calibration()
	if cal == nil {
		return ErrNoCalibration
	}
	cfg := c.settings.Channels[ch]
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctrl, gain, zero := channelRegisters(ch)
	v := cfg.VoltageIndex
	c.log.Debugf("channel %d: %s %s control 0x%02x", ch+1, VoltageLabel(v), cfg.Coupling, cfg.ControlByte())

	err := c.writeAll(
		ctrl.With(uint32(cfg.ControlByte())),
		gain.With(uint32(cal.At(calibration.Gain, ch, v))),
		zero.With(uint32(ZeroOffset(cal, ch, v))),
	)
	if err != nil {
		return err
	}
	c.state = Configured
	return nil
}

// ConfigureTrigger writes the trigger word, the edge level of the trigger
// source and the pre/suf trigger sample counts, one byte per register.
func (c *Controller) ConfigureTrigger(t TriggerConfig, pre, suf uint32) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cmds := []protocol.RegisterCommand{protocol.Trigger.With(uint32(t.Word()))}
	switch t.Source {
	case SourceCH1:
		cmds = append(cmds, protocol.EdgeLevelCh1.Byte(0, uint8(t.Level)), protocol.EdgeLevelCh1.Byte(1, uint8(t.Level>>8)))
	case SourceCH2:
		cmds = append(cmds, protocol.EdgeLevelCh2.Byte(0, uint8(t.Level)), protocol.EdgeLevelCh2.Byte(1, uint8(t.Level>>8)))
	}
	cmds = append(cmds,
		protocol.PreTrigger.Byte(0, uint8(pre)),
		protocol.PreTrigger.Byte(1, uint8(pre>>8)),
		protocol.SufTrigger.Byte(0, uint8(suf)),
		protocol.SufTrigger.Byte(1, uint8(suf>>8)),
		protocol.SufTrigger.Byte(2, uint8(suf>>16)),
		protocol.SufTrigger.Byte(3, uint8(suf>>24)),
	)
	if err := c.writeAll(cmds...); err != nil {
		return err
	}
	c.settings.Capture.Trigger = t
	c.settings.Capture.PreTrigger = pre
	c.settings.Capture.SufTrigger = suf
	c.state = Configured
	return nil
}

// Arm starts a capture.
func (c *Controller) Arm() error {
	if err := c.write(protocol.Arm.With(1)); err != nil {
		return err
	}
	c.state = Armed
	return nil
}

// ForceTrigger makes the device complete the pending capture.
func (c *Controller) ForceTrigger() error {
	return c.write(protocol.ForceTrigger.With(0x3))
}

// PollDataReady probes the device without pausing until it reports data or
// deadline passes. On timeout it forces a trigger, so the next Arm starts
// from a clean state, and returns false.
func (c *Controller) PollDataReady(deadline time.Time) (bool, error) {
	if c.state != Armed {
		return false, fmt.Errorf("%w: state %s", ErrNotArmed, c.state)
	}
	c.state = Polling
	for {
		if err := c.write(protocol.TrgD.With(0)); err != nil {
			c.state = Idle
			return false, err
		}
		finished, err := c.dev.WriteRegister(protocol.DataFinished.With(0), protocol.AckOK)
		if err != nil {
			c.state = Idle
			return false, err
		}
		if finished != 0 {
			c.state = DataReady
			return true, nil
		}
		if !time.Now().Before(deadline) {
			c.log.Warn("timed out waiting for data, forcing trigger")
			if err := c.ForceTrigger(); err != nil {
				c.state = Idle
				return false, err
			}
			c.state = TimedOut
			return false, nil
		}
	}
}

// Fetch requests both frames and decodes them. The controller returns to
// Idle whether or not the frames are good. Both frames are read before
// either is checked, so a bad frame leaves nothing queued on the endpoint.
func (c *Controller) Fetch() (*Result, error) {
	if c.state != DataReady {
		return nil, fmt.Errorf("%w: state %s", ErrNoData, c.state)
	}
	c.state = Idle

	if err := c.dev.Send(protocol.GetData.With(0x0101)); err != nil {
		return nil, err
	}

	var frames [2][]byte
	for i := range frames {
		buf, err := c.dev.Read(FrameSize)
		if err != nil {
			return nil, fmt.Errorf("read frame %d: %w", i, err)
		}
		frames[i] = buf
	}

	res := &Result{}
	for i, buf := range frames {
		if len(buf) != FrameSize {
			return nil, fmt.Errorf("%w: frame %d is %d bytes, want %d", ErrFrameSize, i, len(buf), FrameSize)
		}
		ch := buf[0]
		if ch > 1 {
			return nil, fmt.Errorf("%w: %d", ErrFrameChannel, ch)
		}
		if res.Channels[ch] != nil {
			return nil, fmt.Errorf("%w: channel %d sent twice", ErrFrameChannel, ch)
		}
		res.Channels[ch] = c.decode(int(ch), buf[SampleOffset:SampleOffset+SampleCount])
	}
	return res, nil
}

func (c *Controller) decode(ch int, raw []byte) []float64 {
	d := c.settings.Decoding
	v := c.settings.Channels[ch].VoltageIndex
	out := make([]float64, len(raw))
	for i, b := range raw {
		out[i] = d.Volts(v, int8(b))
	}
	return out
}

// GetData waits for the armed capture until deadline and fetches it. A
// timeout is not an error: it yields an empty, TimedOut result.
func (c *Controller) GetData(deadline time.Time) (*Result, error) {
	ready, err := c.PollDataReady(deadline)
	if err != nil {
		return nil, err
	}
	if !ready {
		c.state = Idle
		return &Result{Channels: [2][]float64{{}, {}}, TimedOut: true}, nil
	}
	return c.Fetch()
}
