package protocol

import "sort"

// Acknowledgement tags.
const (
	AckMachineType    byte = 'V'
	AckBitstreamQuery byte = 'E'
	AckDownload       byte = 'D'
	AckOK             byte = 'S'
)

// Register names an address in the device command space together with the
// width the device expects for it.
type Register struct {
	Name    string
	Address uint32
	Length  uint8
}

// With attaches a value to r.
func (r Register) With(value uint32) RegisterCommand {
	return RegisterCommand{Address: r.Address, Length: r.Length, Value: value}
}

// Byte returns a single byte write to the register at offset i from r,
// used for registers the device wants written one half at a time.
func (r Register) Byte(i uint32, value uint8) RegisterCommand {
	return RegisterCommand{Address: r.Address + i, Length: 1, Value: uint32(value)}
}

// Register map.
var (
	FPGADownload   = Register{"FPGA_DOWNLOAD", 0x4000, 4}
	MachineType    = Register{"MACHINE_TYPE", 0x4001, 1}
	FPGAQuery      = Register{"FPGA_DOWNLOAD_QUERY", 0x223, 1}
	ReadFlash      = Register{"READ_FLASH", 0x1b0, 1}
	WriteFlash     = Register{"WRITE_FLASH", 0x1a0, 1}
	TrgD           = Register{"TRG_D", 0x01, 1}
	VideoTrgD      = Register{"VIDEOTRGD", 0x02, 1}
	ReCollect      = Register{"RE_COLLECT", 0x03, 1}
	SyncOutput     = Register{"SYNCOUTPUT", 0x06, 1}
	PF             = Register{"PF", 0x07, 1}
	Sample         = Register{"SAMPLE", 0x09, 1}
	SlowMove       = Register{"SLOWMOVE", 0x0a, 1}
	ChannelOn      = Register{"CHL_ON", 0x0b, 1}
	ForceTrigger   = Register{"FORCETRG", 0x0c, 1}
	SlopeThredCh1  = Register{"SLOPE_THRED_CH1", 0x10, 2}
	SlopeThredCh2  = Register{"SLOPE_THRED_CH2", 0x12, 2}
	SampleFlag50M  = Register{"SAMPLE_50M_FLAG", 0x17, 1}
	PhaseFine      = Register{"PHASE_FINE", 0x18, 2}
	Flag5mV        = Register{"FLAG_5mV", 0x20, 1}
	ADCReset       = Register{"ADC_RESET", 0x21, 1}
	Trigger        = Register{"TRG", 0x24, 2}
	HoldoffArgCh1  = Register{"TRG_HOLDOFF_ARG_CH1", 0x26, 1}
	HoldoffIdxCh1  = Register{"TRG_HOLDOFF_INDEX_CH1", 0x27, 1}
	HoldoffArgCh2  = Register{"TRG_HOLDOFF_ARG_CH2", 0x2a, 1}
	HoldoffIdxCh2  = Register{"TRG_HOLDOFF_INDEX_CH2", 0x2b, 1}
	EdgeLevelCh1   = Register{"EDGE_LEVEL_CH1", 0x2e, 2}
	EdgeLevelCh2   = Register{"EDGE_LEVEL_CH2", 0x30, 2}
	VideoLine      = Register{"VIDEOLINE", 0x32, 2}
	FreqRefCh1     = Register{"CH1_FREQREF", 0x4a, 1}
	FreqRefCh2     = Register{"CH2_FREQREF", 0x4b, 1}
	MultiFreq      = Register{"MULTIFREQ", 0x50, 1}
	Timebase       = Register{"TIMEBASE", 0x52, 4}
	SufTrigger     = Register{"SUF_TRG", 0x56, 4}
	PreTrigger     = Register{"PRE_TRG", 0x5a, 2}
	DeepMemory     = Register{"DM", 0x5c, 2}
	RunStop        = Register{"RUNSTOP", 0x61, 1}
	HTrgOffset     = Register{"READBACK_HTRG_OFFSET", 0x66, 1}
	DataFinished   = Register{"DATAFINISHED", 0x7a, 1}
	CheckStop      = Register{"CHECK_STOP", 0xb1, 1}
	ZeroOffCh2     = Register{"ZERO_OFF_CH2", 0x108, 2}
	ZeroOffCh1     = Register{"ZERO_OFF_CH1", 0x10a, 2}
	EdgeLevelExt   = Register{"EDGE_LEVEL_EXT", 0x10c, 1}
	ChannelCh2     = Register{"CHANNEL_CH2", 0x110, 1}
	ChannelCh1     = Register{"CHANNEL_CH1", 0x111, 1}
	VoltGainCh2    = Register{"VOLT_GAIN_CH2", 0x114, 2}
	VoltGainCh1    = Register{"VOLT_GAIN_CH1", 0x116, 2}
	GetData        = Register{"GETDATA", 0x1000, 2}
	LEDControl     = Register{"LED_CONTROL", 0x1006, 1}
	GetData2       = Register{"GETDATA2", 0x2000, 2}
)

// Arm shares its address with EdgeLevelExt; writing 1 starts a capture.
var Arm = Register{"CAPTURE_START", 0x10c, 1}

var byAddress = func() map[uint32]Register {
	all := []Register{
		FPGADownload, MachineType, FPGAQuery, ReadFlash, WriteFlash, TrgD,
		VideoTrgD, ReCollect, SyncOutput, PF, Sample, SlowMove, ChannelOn,
		ForceTrigger, SlopeThredCh1, SlopeThredCh2, SampleFlag50M, PhaseFine,
		Flag5mV, ADCReset, Trigger, HoldoffArgCh1, HoldoffIdxCh1, HoldoffArgCh2,
		HoldoffIdxCh2, EdgeLevelCh1, EdgeLevelCh2, VideoLine, FreqRefCh1,
		FreqRefCh2, MultiFreq, Timebase, SufTrigger, PreTrigger, DeepMemory,
		RunStop, HTrgOffset, DataFinished, CheckStop, ZeroOffCh2, ZeroOffCh1,
		Arm, EdgeLevelExt, ChannelCh2, ChannelCh1, VoltGainCh2, VoltGainCh1,
		GetData, LEDControl, GetData2,
	}
	m := make(map[uint32]Register, len(all))
	for _, r := range all {
		// a shared address is known by all of its names
		if prev, ok := m[r.Address]; ok {
			r.Name = prev.Name + "/" + r.Name
		}
		m[r.Address] = r
	}
	return m
}()

// Lookup returns the named register at address, if any.
func Lookup(address uint32) (Register, bool) {
	r, ok := byAddress[address]
	return r, ok
}

// Registers returns the register map sorted by address.
func Registers() []Register {
	out := make([]Register, 0, len(byAddress))
	for _, r := range byAddress {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
