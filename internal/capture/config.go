package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/neilo40/vds1022_remote/internal/calibration"
)

// Coupling is the input coupling; the values are what the channel control
// byte carries in bits 5-6.
type Coupling uint8

const (
	CouplingDC     Coupling = 0
	CouplingAC     Coupling = 1
	CouplingGround Coupling = 2
)

func (c Coupling) String() string {
	switch c {
	case CouplingDC:
		return "dc"
	case CouplingAC:
		return "ac"
	case CouplingGround:
		return "gnd"
	default:
		return fmt.Sprintf("Coupling(%d)", uint8(c))
	}
}

// ParseCoupling accepts dc, ac, gnd or ground in any case.
func ParseCoupling(s string) (Coupling, error) {
	switch strings.ToLower(s) {
	case "dc", "":
		return CouplingDC, nil
	case "ac":
		return CouplingAC, nil
	case "gnd", "ground":
		return CouplingGround, nil
	}
	return 0, fmt.Errorf("%w: coupling %q", ErrInvalidConfig, s)
}

// vdivs are the ten volts-per-division ranges as numerator/denominator.
var vdivs = [calibration.VoltageRanges][2]int{
	{5, 1000},
	{10, 1000},
	{20, 1000},
	{50, 1000},
	{100, 1000},
	{200, 1000},
	{500, 1000},
	{1, 1},
	{2, 1},
	{5, 1},
}

// AttenuationIndex is the first voltage range that needs the input attenuator.
const AttenuationIndex = 6

// VoltsPerDiv returns the range for a voltage index.
func VoltsPerDiv(index int) float64 {
	return float64(vdivs[index][0]) / float64(vdivs[index][1])
}

// VoltageLabel returns e.g. "50mV" or "2V".
func VoltageLabel(index int) string {
	if vdivs[index][1] == 1000 {
		return fmt.Sprintf("%dmV", vdivs[index][0])
	}
	return fmt.Sprintf("%dV", vdivs[index][0])
}

// ParseVoltage returns the voltage index for a label accepted by VoltageLabel.
func ParseVoltage(label string) (int, error) {
	for i := range vdivs {
		if strings.EqualFold(VoltageLabel(i), label) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: voltage range %q", ErrInvalidConfig, label)
}

// ChannelConfig is the vertical setup of one input.
type ChannelConfig struct {
	VoltageIndex int
	Coupling     Coupling
	Lowpass      uint8
	On           bool
}

// Validate checks the ranges the control byte can encode.
func (c ChannelConfig) Validate() error {
	if c.VoltageIndex < 0 || c.VoltageIndex >= calibration.VoltageRanges {
		return fmt.Errorf("%w: voltage index %d", ErrInvalidConfig, c.VoltageIndex)
	}
	if c.Coupling > CouplingGround {
		return fmt.Errorf("%w: coupling %d", ErrInvalidConfig, c.Coupling)
	}
	if c.Lowpass > 3 {
		return fmt.Errorf("%w: lowpass %d", ErrInvalidConfig, c.Lowpass)
	}
	return nil
}

// ControlByte packs c for the channel control register:
//
//	bit 7    channel on
//	bit 5-6  coupling
//	bit 2-3  bandwidth limit
//	bit 1    input attenuation
func (c ChannelConfig) ControlByte() uint8 {
	var b uint8
	if c.On {
		b |= 0x80
	}
	b |= uint8(c.Coupling) << 5
	b |= c.Lowpass << 2
	if c.VoltageIndex >= AttenuationIndex {
		b |= 0x02
	}
	return b
}

// TriggerMode selects the trigger type bits of the trigger register.
type TriggerMode uint8

const (
	ModeEdge TriggerMode = iota
	ModeVideo
	ModeSlope
	ModePulse
)

// TriggerSource is the channel the trigger watches.
type TriggerSource uint8

const (
	SourceCH1 TriggerSource = iota
	SourceCH2
	SourceExt
)

// Edge is the trigger polarity.
type Edge uint8

const (
	EdgeRising Edge = iota
	EdgeFalling
)

// TriggerConfig is the trigger setup.
type TriggerConfig struct {
	Mode   TriggerMode
	Source TriggerSource
	Edge   Edge
	// Level is written low byte first to the source's edge level pair.
	Level uint16
}

// Word packs t into the 16 bit trigger register: mode in bits 8 and 14,
// CH2 in bit 13, external in bit 0, falling edge in bit 12.
func (t TriggerConfig) Word() uint16 {
	var w uint16
	switch t.Mode {
	case ModeVideo:
		w |= 1 << 8
	case ModeSlope:
		w |= 1 << 14
	case ModePulse:
		w |= 1<<8 | 1<<14
	}
	switch t.Source {
	case SourceCH2:
		w |= 1 << 13
	case SourceExt:
		w |= 1
	}
	if t.Edge == EdgeFalling {
		w |= 1 << 12
	}
	return w
}

// Validate rejects values Word cannot encode.
func (t TriggerConfig) Validate() error {
	if t.Mode > ModePulse {
		return fmt.Errorf("%w: trigger mode %d", ErrInvalidConfig, t.Mode)
	}
	if t.Source > SourceExt {
		return fmt.Errorf("%w: trigger source %d", ErrInvalidConfig, t.Source)
	}
	if t.Edge > EdgeFalling {
		return fmt.Errorf("%w: trigger edge %d", ErrInvalidConfig, t.Edge)
	}
	return nil
}

// Config is the acquisition setup.
type Config struct {
	Timebase   uint32
	Trigger    TriggerConfig
	PreTrigger uint32
	SufTrigger uint32
	// Timeout bounds the data ready poll of a single capture.
	Timeout time.Duration
}

// Decoding holds the constants that turn a raw sample into volts:
//
//	volts = VoltsPerDiv / CountsPerDiv * (sample - ZeroOffset)
//
// Firmware revisions disagree on both; see DefaultDecoding.
type Decoding struct {
	CountsPerDiv float64
	ZeroOffset   float64
}

// RangeFor returns volts per ADC count at a voltage index.
func (d Decoding) RangeFor(index int) float64 {
	return VoltsPerDiv(index) / d.CountsPerDiv
}

// Volts converts a raw signed sample.
func (d Decoding) Volts(index int, sample int8) float64 {
	return d.RangeFor(index) * (float64(sample) - d.ZeroOffset)
}

// ZeroOffHack is subtracted, in percent of the amplitude calibration, from
// the compensation word when programming a channel's zero offset.
const ZeroOffHack = 50

// DefaultDecoding uses 25 counts per division, the 8 bit ADC spread over
// the ten division screen, and the same zero shift the offset register is
// programmed with.
func DefaultDecoding() Decoding {
	return Decoding{CountsPerDiv: 25, ZeroOffset: ZeroOffHack}
}

// Settings is everything the controller programs into the device.
type Settings struct {
	Channels [2]ChannelConfig
	Capture  Config
	Decoding Decoding
}

// DefaultSettings mirrors the vendor defaults: CH1 on at 1V/div DC, CH2
// off, timebase 0x190, 5000 samples after the trigger.
func DefaultSettings() Settings {
	return Settings{
		Channels: [2]ChannelConfig{
			{VoltageIndex: 7, Coupling: CouplingDC, On: true},
			{VoltageIndex: 7, Coupling: CouplingDC},
		},
		Capture: Config{
			Timebase:   0x190,
			Trigger:    TriggerConfig{Mode: ModeEdge, Source: SourceCH1, Edge: EdgeRising, Level: 0x2832},
			PreTrigger: 0,
			SufTrigger: 0x1388,
			Timeout:    3 * time.Second,
		},
		Decoding: DefaultDecoding(),
	}
}
