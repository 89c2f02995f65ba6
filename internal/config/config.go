// Package config loads the YAML configuration of the driver commands.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/device"
)

type Config struct {
	USB      USBConfig       `yaml:"usb"`
	VISA     VISAConfig      `yaml:"visa"`
	Device   DeviceConfig    `yaml:"device"`
	Channels []ChannelConfig `yaml:"channels"`
	Capture  CaptureConfig   `yaml:"capture"`
	Decode   DecodeConfig    `yaml:"decode"`
	Log      LogConfig       `yaml:"log"`
	Monitor  MonitorConfig   `yaml:"monitor"`
	Redis    RedisConfig     `yaml:"redis"`
}

type USBConfig struct {
	VendorID      uint16        `yaml:"vendor_id"`
	ProductID     uint16        `yaml:"product_id"`
	Interface     int           `yaml:"interface"`
	WriteEndpoint uint8         `yaml:"write_endpoint"`
	ReadEndpoint  uint8         `yaml:"read_endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
}

type VISAConfig struct {
	Resource string `yaml:"resource"`
}

type DeviceConfig struct {
	BitstreamPath string        `yaml:"bitstream_path"`
	IdleInterval  time.Duration `yaml:"idle_interval"`
	DataTimeout   time.Duration `yaml:"data_timeout"`
}

type ChannelConfig struct {
	On       bool   `yaml:"on"`
	Voltage  string `yaml:"voltage"`
	Coupling string `yaml:"coupling"`
	Lowpass  uint8  `yaml:"lowpass"`
}

type CaptureConfig struct {
	Timebase     uint32        `yaml:"timebase"`
	TriggerMode  string        `yaml:"trigger_mode"`
	TriggerSrc   string        `yaml:"trigger_source"`
	TriggerEdge  string        `yaml:"trigger_edge"`
	TriggerLevel uint16        `yaml:"trigger_level"`
	PreTrigger   uint32        `yaml:"pre_trigger"`
	SufTrigger   uint32        `yaml:"suf_trigger"`
	Timeout      time.Duration `yaml:"timeout"`
	Count        int           `yaml:"count"`
	Interval     time.Duration `yaml:"interval"`
}

type DecodeConfig struct {
	CountsPerDiv float64 `yaml:"counts_per_div"`
	ZeroOffset   float64 `yaml:"zero_offset"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	ListKey  string `yaml:"list_key"`
	ListLen  int64  `yaml:"list_len"`
	// BatchSize above 1 publishes captures in groups of that size.
	BatchSize int `yaml:"batch_size"`
}

// LoadConfig reads path over the defaults, so a file only needs the keys
// it changes.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if _, err := config.Settings(); err != nil {
		return nil, err
	}

	return config, nil
}

// GetDefaultConfig returns the configuration used when no file is given.
func GetDefaultConfig() *Config {
	return &Config{
		USB: USBConfig{
			VendorID:      device.VendorID,
			ProductID:     device.ProductID,
			Interface:     device.Interface,
			WriteEndpoint: device.BulkWriteEndpoint,
			ReadEndpoint:  device.BulkReadEndpoint,
			Timeout:       2 * time.Second,
		},
		// empty selects visa.DefaultResource
		VISA: VISAConfig{},
		Device: DeviceConfig{
			BitstreamPath: "fwr/vds1022_fpga.bin",
			IdleInterval:  10 * time.Millisecond,
			DataTimeout:   5 * time.Second,
		},
		Channels: []ChannelConfig{
			{On: true, Voltage: "1V", Coupling: "dc"},
			{On: false, Voltage: "1V", Coupling: "dc"},
		},
		Capture: CaptureConfig{
			Timebase:     0x190,
			TriggerMode:  "edge",
			TriggerSrc:   "ch1",
			TriggerEdge:  "rising",
			TriggerLevel: 0x2832,
			PreTrigger:   0,
			SufTrigger:   0x1388,
			Timeout:      3 * time.Second,
			Count:        1,
			Interval:     0,
		},
		Decode: DecodeConfig{
			CountsPerDiv: 25,
			ZeroOffset:   capture.ZeroOffHack,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			MetricsPort: 9090,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
			Channel:  "vds1022_captures",
			ListKey:  "vds1022:captures",
			ListLen:  1000,
		},
	}
}

var (
	triggerModes = map[string]capture.TriggerMode{
		"edge":  capture.ModeEdge,
		"video": capture.ModeVideo,
		"slope": capture.ModeSlope,
		"pulse": capture.ModePulse,
	}
	triggerSources = map[string]capture.TriggerSource{
		"ch1": capture.SourceCH1,
		"ch2": capture.SourceCH2,
		"ext": capture.SourceExt,
	}
	triggerEdges = map[string]capture.Edge{
		"rising":  capture.EdgeRising,
		"falling": capture.EdgeFalling,
	}
)

func lookup[T any](m map[string]T, what, key string) (T, error) {
	v, ok := m[key]
	if !ok {
		return v, fmt.Errorf("%w: %s %q", capture.ErrInvalidConfig, what, key)
	}
	return v, nil
}

// Settings converts the channel, capture and decode sections.
func (c *Config) Settings() (capture.Settings, error) {
	s := capture.DefaultSettings()
	if len(c.Channels) > len(s.Channels) {
		return s, fmt.Errorf("%w: %d channels configured", capture.ErrInvalidConfig, len(c.Channels))
	}
	for i, ch := range c.Channels {
		v, err := capture.ParseVoltage(ch.Voltage)
		if err != nil {
			return s, fmt.Errorf("channel %d: %w", i+1, err)
		}
		cp, err := capture.ParseCoupling(ch.Coupling)
		if err != nil {
			return s, fmt.Errorf("channel %d: %w", i+1, err)
		}
		s.Channels[i] = capture.ChannelConfig{VoltageIndex: v, Coupling: cp, Lowpass: ch.Lowpass, On: ch.On}
		if err := s.Channels[i].Validate(); err != nil {
			return s, fmt.Errorf("channel %d: %w", i+1, err)
		}
	}

	mode, err := lookup(triggerModes, "trigger mode", c.Capture.TriggerMode)
	if err != nil {
		return s, err
	}
	src, err := lookup(triggerSources, "trigger source", c.Capture.TriggerSrc)
	if err != nil {
		return s, err
	}
	edge, err := lookup(triggerEdges, "trigger edge", c.Capture.TriggerEdge)
	if err != nil {
		return s, err
	}
	s.Capture = capture.Config{
		Timebase:   c.Capture.Timebase,
		Trigger:    capture.TriggerConfig{Mode: mode, Source: src, Edge: edge, Level: c.Capture.TriggerLevel},
		PreTrigger: c.Capture.PreTrigger,
		SufTrigger: c.Capture.SufTrigger,
		Timeout:    c.Capture.Timeout,
	}

	if c.Decode.CountsPerDiv <= 0 {
		return s, fmt.Errorf("%w: counts_per_div %v", capture.ErrInvalidConfig, c.Decode.CountsPerDiv)
	}
	s.Decoding = capture.Decoding{CountsPerDiv: c.Decode.CountsPerDiv, ZeroOffset: c.Decode.ZeroOffset}
	return s, nil
}
