package scope

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/device"
	"github.com/neilo40/vds1022_remote/internal/protocol"
	"github.com/neilo40/vds1022_remote/internal/vdstest"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func open(t *testing.T, dev *vdstest.Device, opts Options) *Scope {
	t.Helper()
	opts.Log = quietLogger()
	s, err := Open(dev, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScope_Capture(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	s := open(t, dev, Options{})
	ctx := context.Background()

	if err := s.SetChannel(ctx, 0, ChannelConfig{On: true, Coupling: capture.CouplingDC, VoltageIndex: 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfigureChannel(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfigureTimebase(ctx, 0x190); err != nil {
		t.Fatal(err)
	}
	if err := s.ConfigureTrigger(ctx, TriggerConfig{Edge: capture.EdgeFalling, Level: 0x2832}, 0, 0x1388); err != nil {
		t.Fatal(err)
	}

	res, err := s.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if res.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if len(res.Channels[0]) != capture.SampleCount {
		t.Fatalf("len(channel 1) = %d", len(res.Channels[0]))
	}
	want := capture.DefaultDecoding().Volts(7, 0)
	if res.Channels[0][0] != want {
		t.Errorf("sample = %v, want %v", res.Channels[0][0], want)
	}
	if n := len(dev.WritesTo(protocol.Arm.Address)); n < 1 {
		t.Error("capture was never armed")
	}
}

func TestScope_CaptureInit(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	s := open(t, dev, Options{})

	dev.Reset()
	if err := s.CaptureInit(context.Background()); err != nil {
		t.Fatalf("CaptureInit() error = %v", err)
	}
	if len(dev.WritesTo(protocol.DeepMemory.Address)) != 1 {
		t.Error("CaptureInit() did not program deep memory")
	}
}

func TestScope_InvalidConfig(t *testing.T) {
	s := open(t, vdstest.New(vdstest.Table()), Options{})

	err := s.SetChannel(context.Background(), 3, ChannelConfig{})
	if !errors.Is(err, capture.ErrInvalidConfig) {
		t.Errorf("SetChannel(3) = %v, want ErrInvalidConfig", err)
	}
}

func TestScope_GetDataTimeout(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	dev.ReadyAfter = -1
	settings := capture.DefaultSettings()
	settings.Capture.Timeout = 300 * time.Millisecond
	s := open(t, dev, Options{Settings: &settings, DataTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	if err := s.Arm(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	res, err := s.GetData(ctx)
	if err != nil {
		t.Fatalf("GetData() error = %v", err)
	}
	if !res.TimedOut || len(res.Channels[0]) != 0 || len(res.Channels[1]) != 0 {
		t.Errorf("GetData() = %+v, want empty timed out result", res)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Errorf("GetData() waited %v for a 30ms timeout", time.Since(start))
	}

	// the worker's late reply to GetData must not be taken for this one
	if err := s.ConfigureTimebase(ctx, 0x0c); err != nil {
		t.Fatalf("ConfigureTimebase() after timeout = %v", err)
	}
	writes := dev.WritesTo(protocol.Timebase.Address)
	if last := writes[len(writes)-1]; last.Value != 0x0c {
		t.Errorf("last timebase write = %v", last)
	}
}

func TestScope_ContextCancel(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	dev.ReadyAfter = -1
	settings := capture.DefaultSettings()
	settings.Capture.Timeout = 200 * time.Millisecond
	s := open(t, dev, Options{Settings: &settings})

	if err := s.Arm(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.GetData(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetData() with expired caller context = %v", err)
	}
}

func TestScope_Concurrent(t *testing.T) {
	s := open(t, vdstest.New(vdstest.Table()), Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.ConfigureTimebase(context.Background(), uint32(i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestScope_Close(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	s := open(t, dev, Options{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if dev.Closed() != 1 {
		t.Errorf("transport closed %d times, want 1", dev.Closed())
	}
	if err := s.Arm(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Arm() after Close = %v, want ErrClosed", err)
	}
}

func TestScope_FatalError(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	s := open(t, dev, Options{IdleInterval: time.Millisecond})

	dev.Set(func(d *vdstest.Device) { d.BitstreamLoaded = false })
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scope did not stop")
	}

	err := s.Arm(context.Background())
	if !errors.Is(err, ErrClosed) || !errors.Is(err, device.ErrNoBitstream) {
		t.Errorf("Arm() = %v, want ErrClosed wrapping ErrNoBitstream", err)
	}
	if !errors.Is(s.Err(), device.ErrNoBitstream) {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestOpen_StartupFailure(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	dev.Flash = dev.Flash[:10]

	_, err := Open(dev, Options{Log: quietLogger()})
	if !errors.Is(err, device.ErrCalibrationFormat) {
		t.Errorf("Open() error = %v, want ErrCalibrationFormat", err)
	}
}
