// Package app is the capture loop behind the vds1022 commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/config"
	"github.com/neilo40/vds1022_remote/internal/device"
	"github.com/neilo40/vds1022_remote/internal/monitor"
	"github.com/neilo40/vds1022_remote/internal/protocol"
	"github.com/neilo40/vds1022_remote/internal/publish"
	"github.com/neilo40/vds1022_remote/pkg/scope"
)

// Sink receives every capture, one at a time or in batches.
type Sink interface {
	Publish(ctx context.Context, m *publish.Message) error
	PublishBatch(ctx context.Context, msgs []*publish.Message) error
}

// Loop captures Count times, or until ctx is done when Count is zero.
type Loop struct {
	Scope    *scope.Scope
	Settings capture.Settings
	Count    int
	Interval time.Duration
	// Samples adds the decoded samples to published messages.
	Samples bool
	Sink    Sink
	// BatchSize above 1 hands captures to the sink that many at a time.
	// A partial batch is sent when the loop ends.
	BatchSize int
	Log       *logrus.Logger

	batch []*publish.Message
}

// Run executes the loop. A bad frame only skips the capture; any other
// error ends the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer l.flush(context.WithoutCancel(ctx))

	for seq := uint64(1); l.Count <= 0 || seq <= uint64(l.Count); seq++ {
		res, err := l.Scope.Capture(ctx)
		switch {
		case errors.Is(err, capture.ErrFrameSize), errors.Is(err, capture.ErrFrameChannel):
			l.Log.Warnf("capture %d: %v, device busy?", seq, err)
		case err != nil:
			return fmt.Errorf("capture %d: %w", seq, err)
		default:
			msg := BuildMessage(seq, l.Settings, res, l.Samples)
			l.report(msg)
			l.publish(ctx, msg)
		}

		if l.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.Interval):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (l *Loop) publish(ctx context.Context, m *publish.Message) {
	if l.Sink == nil {
		return
	}
	if l.BatchSize <= 1 {
		if err := l.Sink.Publish(ctx, m); err != nil {
			l.Log.Errorf("%v", err)
		}
		return
	}
	l.batch = append(l.batch, m)
	if len(l.batch) >= l.BatchSize {
		l.flush(ctx)
	}
}

func (l *Loop) flush(ctx context.Context) {
	if len(l.batch) == 0 {
		return
	}
	if err := l.Sink.PublishBatch(ctx, l.batch); err != nil {
		l.Log.Errorf("%v", err)
	}
	l.batch = nil
}

func (l *Loop) report(m *publish.Message) {
	if m.TimedOut {
		l.Log.Infof("capture %d: no trigger", m.Seq)
		return
	}
	for _, ch := range m.Channels {
		l.Log.WithFields(logrus.Fields{
			"capture": m.Seq,
			"channel": ch.Channel,
		}).Infof("%s %s min %.3fV max %.3fV mean %.3fV, %d transitions",
			ch.Voltage, ch.Coupling, ch.Min, ch.Max, ch.Mean, ch.Transitions)
	}
}

// BuildMessage turns a capture into a published message. Channels that are
// switched off are left out.
func BuildMessage(seq uint64, s capture.Settings, res *capture.Result, samples bool) *publish.Message {
	m := &publish.Message{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		TimedOut:  res.TimedOut,
		Timebase:  s.Capture.Timebase,
	}
	if res.TimedOut {
		return m
	}
	for ch, cfg := range s.Channels {
		if !cfg.On {
			continue
		}
		st := Summarize(res.Channels[ch])
		d := publish.ChannelData{
			Channel:     ch + 1,
			Voltage:     capture.VoltageLabel(cfg.VoltageIndex),
			Coupling:    cfg.Coupling.String(),
			Min:         st.Min,
			Max:         st.Max,
			Mean:        st.Mean,
			Transitions: st.Transitions,
		}
		if samples {
			d.Samples = res.Channels[ch]
		}
		m.Channels = append(m.Channels, d)
	}
	return m
}

// Stats summarises one channel.
type Stats struct {
	Min, Max, Mean float64
	// Transitions counts crossings of the level halfway between Min and Max.
	Transitions int
}

// Summarize computes Stats. An empty channel gives zero Stats.
func Summarize(samples []float64) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	st := Stats{Min: samples[0], Max: samples[0]}
	var sum float64
	for _, v := range samples {
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
		sum += v
	}
	st.Mean = sum / float64(len(samples))

	if st.Max == st.Min {
		return st
	}
	threshold := (st.Min + st.Max) / 2
	last := samples[0] > threshold
	for _, v := range samples[1:] {
		high := v > threshold
		if high != last {
			st.Transitions++
		}
		last = high
	}
	return st
}

// Options are the parts of Main that differ between the commands.
type Options struct {
	Count   int
	Samples bool
	// Open returns the transport to the scope.
	Open func() (scope.Transport, error)
}

// Main runs the capture loop described by cfg until ctx is done, setting
// up metrics and the Redis sink when they are enabled.
func Main(ctx context.Context, cfg *config.Config, opts Options, log *logrus.Logger) error {
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	var metrics *monitor.Metrics
	if cfg.Monitor.Enabled {
		reg := prometheus.NewRegistry()
		metrics = monitor.NewMetrics(reg)
		mon := monitor.NewMonitor(metrics, reg, log)
		srv := mon.StartMetricsServer(fmt.Sprintf(":%d", cfg.Monitor.MetricsPort))
		defer srv.Close()
		mon.StartRuntimeMonitor(10*time.Second, ctx.Done())
	}

	var (
		sink      Sink
		batchSize int
	)
	if cfg.Redis.Enabled {
		p, err := publish.NewPublisher(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer p.Close()
		sink = p
		batchSize = cfg.Redis.BatchSize
	}

	t, err := opts.Open()
	if err != nil {
		return err
	}
	var bitstream func() ([]byte, error)
	if cfg.Device.BitstreamPath != "" {
		bitstream = device.FileBitstream(cfg.Device.BitstreamPath)
	}
	s, err := scope.Open(t, scope.Options{
		Bitstream:    bitstream,
		Settings:     &settings,
		DataTimeout:  cfg.Device.DataTimeout,
		IdleInterval: cfg.Device.IdleInterval,
		Metrics:      metrics,
		Log:          log,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	count := opts.Count
	if count < 0 {
		count = cfg.Capture.Count
	}
	loop := &Loop{
		Scope:     s,
		Settings:  settings,
		Count:     count,
		Interval:  cfg.Capture.Interval,
		Samples:   opts.Samples,
		Sink:      sink,
		BatchSize: batchSize,
		Log:       log,
	}
	return loop.Run(ctx)
}

// RegisterTable formats the register map, one register per line.
func RegisterTable() string {
	var b strings.Builder
	for _, r := range protocol.Registers() {
		fmt.Fprintf(&b, "0x%04x  %d  %s\n", r.Address, r.Length, r.Name)
	}
	return b.String()
}
