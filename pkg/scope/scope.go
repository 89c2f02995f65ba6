// Package scope is the blocking client API of the VDS1022 driver. Every
// method queues one command for the device worker and waits for its reply.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/device"
	"github.com/neilo40/vds1022_remote/internal/monitor"
	"github.com/neilo40/vds1022_remote/internal/worker"
)

// ErrClosed is returned by every call once the device worker has stopped.
var ErrClosed = errors.New("scope closed")

// DefaultDataTimeout bounds how long GetData waits for the worker's reply.
const DefaultDataTimeout = 5 * time.Second

type (
	Transport     = device.Transport
	Settings      = capture.Settings
	ChannelConfig = capture.ChannelConfig
	TriggerConfig = capture.TriggerConfig
	Result        = capture.Result
)

// Options configures Open.
type Options struct {
	// Bitstream supplies the FPGA image if the device is unprogrammed.
	Bitstream func() ([]byte, error)
	// Settings is the initial acquisition setup; nil uses the defaults.
	Settings *Settings
	// DataTimeout defaults to DefaultDataTimeout.
	DataTimeout  time.Duration
	IdleInterval time.Duration
	Metrics      *monitor.Metrics
	Log          *logrus.Logger
}

// Scope is safe for concurrent use; calls are served one at a time.
type Scope struct {
	mu          sync.Mutex
	w           *worker.Worker
	seq         uint64
	dataTimeout time.Duration
	log         *logrus.Entry
}

// Open starts the device worker on t and waits for the startup sequence.
func Open(t Transport, opts Options) (*Scope, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	w, err := worker.Start(t, worker.Options{
		Bitstream:    opts.Bitstream,
		Settings:     opts.Settings,
		IdleInterval: opts.IdleInterval,
		Metrics:      opts.Metrics,
		Log:          log,
	})
	if err != nil {
		return nil, err
	}
	timeout := opts.DataTimeout
	if timeout <= 0 {
		timeout = DefaultDataTimeout
	}
	return &Scope{w: w, dataTimeout: timeout, log: log.WithField("component", "scope")}, nil
}

func (s *Scope) closedErr() error {
	if err := s.w.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

// call submits cmd and returns its result. Results left over from calls
// that gave up waiting carry an older sequence number and are dropped.
func (s *Scope) call(ctx context.Context, cmd worker.Command) (worker.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	seq := s.seq
	if err := s.w.Submit(ctx, worker.Request{Seq: seq, Cmd: cmd}); err != nil {
		if errors.Is(err, worker.ErrStopped) {
			return worker.Result{}, s.closedErr()
		}
		return worker.Result{}, err
	}

	for {
		select {
		case res := <-s.w.Results():
			if res.Seq != seq {
				s.log.Debugf("dropping stale reply %d", res.Seq)
				continue
			}
			return res, nil
		case <-s.w.Done():
			return s.drain(seq)
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}
}

// drain looks for the reply to seq among results sent before the worker exited.
func (s *Scope) drain(seq uint64) (worker.Result, error) {
	for {
		select {
		case res := <-s.w.Results():
			if res.Seq == seq {
				return res, nil
			}
		default:
			return worker.Result{}, s.closedErr()
		}
	}
}

func (s *Scope) exec(ctx context.Context, cmd worker.Command) error {
	res, err := s.call(ctx, cmd)
	if err != nil {
		return err
	}
	return res.Err
}

// ConfigureTimebase sets the sample rate code.
func (s *Scope) ConfigureTimebase(ctx context.Context, code uint32) error {
	return s.exec(ctx, worker.ConfigureTimebase{Code: code})
}

// SetChannel replaces the setup of channel ch (0 or 1). Call
// ConfigureChannel to program it.
func (s *Scope) SetChannel(ctx context.Context, ch int, cfg ChannelConfig) error {
	return s.exec(ctx, worker.SetChannel{Channel: ch, Config: cfg})
}

// ConfigureChannel programs the stored setup of channel ch.
func (s *Scope) ConfigureChannel(ctx context.Context, ch int) error {
	return s.exec(ctx, worker.ConfigureChannel{Channel: ch})
}

// ConfigureTrigger programs the trigger and the samples kept before and
// after it.
func (s *Scope) ConfigureTrigger(ctx context.Context, t TriggerConfig, pre, suf uint32) error {
	return s.exec(ctx, worker.ConfigureTrigger{Trigger: t, PreTrigger: pre, SufTrigger: suf})
}

// CaptureInit reprograms the complete acquisition setup.
func (s *Scope) CaptureInit(ctx context.Context) error {
	return s.exec(ctx, worker.CaptureInit{})
}

// Arm starts a capture.
func (s *Scope) Arm(ctx context.Context) error {
	return s.exec(ctx, worker.Arm{})
}

// GetData waits for the armed capture. If no reply arrives within the data
// timeout the result is empty and marked TimedOut; the late reply is
// discarded by a later call.
func (s *Scope) GetData(ctx context.Context) (*Result, error) {
	wait, cancel := context.WithTimeout(ctx, s.dataTimeout)
	defer cancel()

	res, err := s.call(wait, worker.GetData{})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.log.Warnf("no data within %v", s.dataTimeout)
			return &Result{Channels: [2][]float64{{}, {}}, TimedOut: true}, nil
		}
		return nil, err
	}
	return res.Capture, res.Err
}

// Capture arms and waits for one capture.
func (s *Scope) Capture(ctx context.Context) (*Result, error) {
	if err := s.Arm(ctx); err != nil {
		return nil, err
	}
	return s.GetData(ctx)
}

// Close shuts the device down and waits for the worker to exit. Closing a
// stopped scope returns nil.
func (s *Scope) Close() error {
	select {
	case <-s.w.Done():
		return nil
	default:
	}
	res, err := s.call(context.Background(), worker.Close{})
	<-s.w.Done()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	return res.Err
}

// Done is closed when the device worker has stopped, either after Close or
// on a fatal device error.
func (s *Scope) Done() <-chan struct{} { return s.w.Done() }

// Err returns the fatal error that stopped the device worker, if any.
func (s *Scope) Err() error { return s.w.Err() }
