package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/device"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	want := USBConfig{
		VendorID:      device.VendorID,
		ProductID:     device.ProductID,
		WriteEndpoint: device.BulkWriteEndpoint,
		ReadEndpoint:  device.BulkReadEndpoint,
		Timeout:       2 * time.Second,
	}
	if cfg.USB != want {
		t.Errorf("USB = %+v, want %+v", cfg.USB, want)
	}
	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if s != capture.DefaultSettings() {
		t.Errorf("Settings() = %+v, want the capture defaults", s)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
usb:
  timeout: 500ms
device:
  bitstream_path: /opt/vds/fpga.bin
channels:
  - on: true
    voltage: 200mV
    coupling: AC
  - on: true
    voltage: 5V
    coupling: gnd
    lowpass: 1
capture:
  timebase: 0x0c
  trigger_source: ch2
  trigger_edge: falling
  timeout: 1s
decode:
  counts_per_div: 1
  zero_offset: 0
redis:
  enabled: true
  addr: redis:6379
  batch_size: 5
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.USB.Timeout != 500*time.Millisecond {
		t.Errorf("USB.Timeout = %v", cfg.USB.Timeout)
	}
	if cfg.USB.VendorID != device.VendorID {
		t.Errorf("USB.VendorID = 0x%x, default not kept", cfg.USB.VendorID)
	}
	if cfg.Device.BitstreamPath != "/opt/vds/fpga.bin" {
		t.Errorf("Device.BitstreamPath = %q", cfg.Device.BitstreamPath)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" || cfg.Redis.Channel != "vds1022_captures" || cfg.Redis.BatchSize != 5 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}

	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	want := [2]capture.ChannelConfig{
		{On: true, VoltageIndex: 5, Coupling: capture.CouplingAC},
		{On: true, VoltageIndex: 9, Coupling: capture.CouplingGround, Lowpass: 1},
	}
	if s.Channels != want {
		t.Errorf("Channels = %+v, want %+v", s.Channels, want)
	}
	if s.Capture.Timebase != 0x0c || s.Capture.Timeout != time.Second {
		t.Errorf("Capture = %+v", s.Capture)
	}
	trg := capture.TriggerConfig{Source: capture.SourceCH2, Edge: capture.EdgeFalling, Level: 0x2832}
	if s.Capture.Trigger != trg {
		t.Errorf("Trigger = %+v, want %+v", s.Capture.Trigger, trg)
	}
	if s.Decoding != (capture.Decoding{CountsPerDiv: 1, ZeroOffset: 0}) {
		t.Errorf("Decoding = %+v", s.Decoding)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad voltage", "channels:\n  - voltage: 3V\n", capture.ErrInvalidConfig},
		{"bad coupling", "channels:\n  - voltage: 1V\n    coupling: rf\n", capture.ErrInvalidConfig},
		{"bad lowpass", "channels:\n  - voltage: 1V\n    lowpass: 9\n", capture.ErrInvalidConfig},
		{"three channels", "channels:\n  - voltage: 1V\n  - voltage: 1V\n  - voltage: 1V\n", capture.ErrInvalidConfig},
		{"bad trigger mode", "capture:\n  trigger_mode: runt\n", capture.ErrInvalidConfig},
		{"zero counts", "decode:\n  counts_per_div: 0\n", capture.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("LoadConfig() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := LoadConfig(writeConfig(t, "usb: [")); err == nil {
		t.Error("LoadConfig() accepted malformed YAML")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig(missing) error = %v", err)
	}
}

func TestLoadConfig_Example(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	s, err := cfg.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if s != capture.DefaultSettings() {
		t.Errorf("example settings = %+v, want the capture defaults", s)
	}
	if cfg.USB != GetDefaultConfig().USB {
		t.Errorf("example usb = %+v", cfg.USB)
	}
}
