package app

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/config"
	"github.com/neilo40/vds1022_remote/internal/device"
	"github.com/neilo40/vds1022_remote/internal/publish"
	"github.com/neilo40/vds1022_remote/internal/vdstest"
	"github.com/neilo40/vds1022_remote/pkg/scope"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type recorder struct {
	mu      sync.Mutex
	msgs    []*publish.Message
	batches []int
	err     error
}

func (r *recorder) Publish(ctx context.Context, m *publish.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recorder) PublishBatch(ctx context.Context, msgs []*publish.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, len(msgs))
	r.msgs = append(r.msgs, msgs...)
	return r.err
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    Stats
	}{
		{"empty", nil, Stats{}},
		{"flat", []float64{-2, -2, -2}, Stats{Min: -2, Max: -2, Mean: -2}},
		{"square", []float64{0, 0, 1, 1, 0, 0, 1, 1}, Stats{Min: 0, Max: 1, Mean: 0.5, Transitions: 3}},
		{"single edge", []float64{-1, -1, 3}, Stats{Min: -1, Max: 3, Mean: 1.0 / 3, Transitions: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.samples); got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	s := capture.DefaultSettings()
	res := &capture.Result{Channels: [2][]float64{{0, 1}, {5, 5}}}

	m := BuildMessage(3, s, res, false)
	if m.Seq != 3 || m.TimedOut || m.Timebase != 0x190 {
		t.Errorf("message = %+v", m)
	}
	// channel 2 is off by default
	if len(m.Channels) != 1 {
		t.Fatalf("channels = %+v", m.Channels)
	}
	ch := m.Channels[0]
	if ch.Channel != 1 || ch.Voltage != "1V" || ch.Coupling != "dc" || ch.Max != 1 || ch.Samples != nil {
		t.Errorf("channel = %+v", ch)
	}

	m = BuildMessage(4, s, res, true)
	if len(m.Channels[0].Samples) != 2 {
		t.Error("samples not included")
	}

	m = BuildMessage(5, s, &capture.Result{Channels: [2][]float64{{}, {}}, TimedOut: true}, true)
	if !m.TimedOut || len(m.Channels) != 0 {
		t.Errorf("timed out message = %+v", m)
	}
	if _, err := publish.Encode(m); err != nil {
		t.Errorf("Encode() error = %v", err)
	}
}

func openScope(t *testing.T, dev *vdstest.Device) *scope.Scope {
	t.Helper()
	s, err := scope.Open(dev, scope.Options{Log: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoop_Run(t *testing.T) {
	s := openScope(t, vdstest.New(vdstest.Table()))
	sink := &recorder{err: errors.New("redis down")}

	loop := &Loop{Scope: s, Settings: capture.DefaultSettings(), Count: 3, Sink: sink, Log: quietLogger()}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.msgs) != 3 {
		t.Fatalf("published %d messages, want 3", len(sink.msgs))
	}
	for i, m := range sink.msgs {
		if m.Seq != uint64(i+1) {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
		if m.Channels[0].Min != capture.DefaultDecoding().Volts(7, 0) {
			t.Errorf("message %d min = %v", i, m.Channels[0].Min)
		}
	}
}

func TestLoop_Batches(t *testing.T) {
	s := openScope(t, vdstest.New(vdstest.Table()))
	sink := &recorder{}

	loop := &Loop{Scope: s, Settings: capture.DefaultSettings(), Count: 5, Sink: sink, BatchSize: 2, Log: quietLogger()}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := []int{2, 2, 1}; !slices.Equal(sink.batches, want) {
		t.Errorf("batches = %v, want %v", sink.batches, want)
	}
	for i, m := range sink.msgs {
		if m.Seq != uint64(i+1) {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
	}
}

func TestLoop_SkipsBadFrames(t *testing.T) {
	dev := vdstest.New(vdstest.Table())
	dev.Frames = [][]byte{make([]byte, 64), make([]byte, 64)}
	s := openScope(t, dev)
	sink := &recorder{}

	loop := &Loop{Scope: s, Settings: capture.DefaultSettings(), Count: 2, Sink: sink, Log: quietLogger()}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Errorf("published %d messages from bad frames", len(sink.msgs))
	}

	// a good capture after the bad ones is published
	dev.Set(func(d *vdstest.Device) { d.Frames = [][]byte{vdstest.Frame(0, 0), vdstest.Frame(1, 0)} })
	loop.Count = 1
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() after bad frames error = %v", err)
	}
	if len(sink.msgs) != 1 {
		t.Errorf("published %d messages, want 1", len(sink.msgs))
	}
}

func TestLoop_StopsOnClosedScope(t *testing.T) {
	s := openScope(t, vdstest.New(vdstest.Table()))
	s.Close()

	loop := &Loop{Scope: s, Settings: capture.DefaultSettings(), Count: 1, Log: quietLogger()}
	if err := loop.Run(context.Background()); !errors.Is(err, scope.ErrClosed) {
		t.Errorf("Run() error = %v, want ErrClosed", err)
	}
}

func TestMain_WithSimulator(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Device.BitstreamPath = ""
	dev := vdstest.New(vdstest.Table())

	err := Main(context.Background(), cfg, Options{
		Count: 2,
		Open:  func() (scope.Transport, error) { return dev, nil },
	}, quietLogger())
	if err != nil {
		t.Fatalf("Main() error = %v", err)
	}
	if dev.Closed() != 1 {
		t.Errorf("transport closed %d times, want 1", dev.Closed())
	}
}

func TestMain_OpenFailure(t *testing.T) {
	cfg := config.GetDefaultConfig()
	err := Main(context.Background(), cfg, Options{
		Open: func() (scope.Transport, error) { return nil, errors.New("no device") },
	}, quietLogger())
	if err == nil || err.Error() != "no device" {
		t.Errorf("Main() error = %v", err)
	}

	dev := vdstest.New(vdstest.Table())
	dev.MachineType = 0
	err = Main(context.Background(), cfg, Options{
		Open: func() (scope.Transport, error) { return dev, nil },
	}, quietLogger())
	if !errors.Is(err, device.ErrUnsupportedDevice) {
		t.Errorf("Main() error = %v, want ErrUnsupportedDevice", err)
	}
}

func TestRegisterTable(t *testing.T) {
	table := RegisterTable()
	if !strings.Contains(table, "0x007a  1  DATAFINISHED\n") {
		t.Errorf("register table missing data finished:\n%s", table)
	}
	if !strings.HasPrefix(table, "0x0001  1  TRG_D\n") {
		t.Errorf("register table not sorted:\n%s", table)
	}
}
