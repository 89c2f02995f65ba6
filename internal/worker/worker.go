// Package worker serializes all device access on one goroutine. Callers
// submit requests to a bounded queue and read exactly one result per
// request, in order. While the queue is empty the worker checks that the
// FPGA is still programmed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/capture"
	"github.com/neilo40/vds1022_remote/internal/device"
	"github.com/neilo40/vds1022_remote/internal/monitor"
)

const (
	// QueueSize bounds both the request and the result queue.
	QueueSize = 10

	// DefaultIdleInterval is how long the request queue must stay empty
	// before a keepalive check.
	DefaultIdleInterval = 10 * time.Millisecond

	// DefaultMaxKeepaliveFailures is the number of consecutive failed
	// keepalive checks after which the device is considered gone.
	DefaultMaxKeepaliveFailures = 100
)

var (
	// ErrStopped is returned by Submit once the worker has exited.
	ErrStopped = errors.New("worker stopped")

	// ErrUnknownCommand indicates a Command the worker cannot dispatch.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrDeviceLost indicates the device stopped answering keepalive checks.
	ErrDeviceLost = errors.New("device stopped responding")
)

// Options configures a worker.
type Options struct {
	// Bitstream supplies the FPGA image when the device needs programming.
	Bitstream device.BitstreamSource
	// Settings is the initial acquisition setup; nil means
	// capture.DefaultSettings.
	Settings *capture.Settings
	// IdleInterval defaults to DefaultIdleInterval.
	IdleInterval time.Duration
	// MaxKeepaliveFailures defaults to DefaultMaxKeepaliveFailures.
	MaxKeepaliveFailures int
	Metrics              *monitor.Metrics
	Log                  *logrus.Logger
}

// Worker owns the device session and capture controller.
type Worker struct {
	requests chan Request
	results  chan Result
	done     chan struct{}
	err      error

	session *device.Session
	ctrl    *capture.Controller
	idle    time.Duration
	metrics *monitor.Metrics
	log     *logrus.Entry

	maxFailures int
	failures    int
}

// Start opens a session on t, runs the startup sequence and the capture
// setup on the worker goroutine, and returns once both have completed.
// Startup errors are returned here and leave no goroutine behind.
func Start(t device.Transport, opts Options) (*Worker, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	settings := capture.DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	idle := opts.IdleInterval
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	maxFailures := opts.MaxKeepaliveFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxKeepaliveFailures
	}

	session := device.NewSession(t, opts.Bitstream, log)
	session.OnUpload = opts.Metrics.ObserveUpload

	w := &Worker{
		requests: make(chan Request, QueueSize),
		results:  make(chan Result, QueueSize),
		done:     make(chan struct{}),
		session:  session,
		ctrl:     capture.NewController(session, settings, log),
		idle:     idle,
		metrics:  opts.Metrics,
		log:      log.WithField("component", "worker"),

		maxFailures: maxFailures,
	}

	ready := make(chan error, 1)
	go w.run(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

// Submit enqueues req, blocking while the queue is full.
func (w *Worker) Submit(ctx context.Context, req Request) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results delivers one Result per submitted request, in submission order.
func (w *Worker) Results() <-chan Result { return w.results }

// Done is closed when the worker has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the error that stopped the worker. It is nil while the worker
// runs and after a Close command.
func (w *Worker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *Worker) startup() error {
	if err := w.session.Init(); err != nil {
		return err
	}
	if err := w.ctrl.Init(); err != nil {
		w.session.Close()
		return fmt.Errorf("capture init: %w", err)
	}
	return nil
}

func (w *Worker) run(ready chan<- error) {
	defer close(w.done)

	if err := w.startup(); err != nil {
		w.log.Errorf("startup failed: %v", err)
		w.err = err
		ready <- err
		return
	}
	w.log.Info("device ready")
	ready <- nil

	timer := time.NewTimer(w.idle)
	defer timer.Stop()

	for {
		w.metrics.SetQueueDepth(len(w.requests))

		// pending requests always win over the keepalive
		select {
		case req := <-w.requests:
			if w.handle(req) {
				return
			}
			continue
		default:
		}

		resetTimer(timer, w.idle)
		select {
		case req := <-w.requests:
			if w.handle(req) {
				return
			}
		case <-timer.C:
			if w.keepalive() {
				return
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handle executes one request and replies. It reports whether the worker
// must exit.
func (w *Worker) handle(req Request) bool {
	if _, ok := req.Cmd.(Close); ok {
		err := w.session.Close()
		w.metrics.ObserveCommand(req.Cmd.Name(), 0, err)
		w.results <- Result{Seq: req.Seq, Err: err}
		w.log.Info("closed")
		return true
	}

	start := time.Now()
	res, err := w.execute(req.Cmd)
	w.metrics.ObserveCommand(req.Cmd.Name(), time.Since(start), err)
	if res != nil {
		w.metrics.ObserveCapture(res.TimedOut)
	}

	if err != nil {
		w.log.WithField("command", req.Cmd.Name()).Warnf("seq %d: %v", req.Seq, err)
	}
	w.results <- Result{Seq: req.Seq, Capture: res, Err: err}

	if device.IsFatal(err) {
		w.stop(err)
		return true
	}
	return false
}

func (w *Worker) execute(cmd Command) (*capture.Result, error) {
	switch c := cmd.(type) {
	case ConfigureTimebase:
		return nil, w.ctrl.ConfigureTimebase(c.Code)
	case SetChannel:
		return nil, w.ctrl.SetChannel(c.Channel, c.Config)
	case ConfigureChannel:
		return nil, w.ctrl.ConfigureChannel(c.Channel)
	case ConfigureTrigger:
		return nil, w.ctrl.ConfigureTrigger(c.Trigger, c.PreTrigger, c.SufTrigger)
	case CaptureInit:
		return nil, w.ctrl.Init()
	case Arm:
		return nil, w.ctrl.Arm()
	case GetData:
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = w.ctrl.Settings().Capture.Timeout
		}
		return w.ctrl.GetData(time.Now().Add(timeout))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// keepalive checks the FPGA while idle and reprograms it, and the capture
// setup with it, after a power event. Only the first of a run of failures
// is logged as a warning; maxFailures in a row stop the worker. It reports
// whether the worker must exit.
func (w *Worker) keepalive() bool {
	w.metrics.ObserveKeepalive()
	uploaded, err := w.session.CheckBitstream()
	if err == nil && uploaded {
		w.log.Warn("FPGA lost its bitstream, reprogrammed")
		err = w.ctrl.Init()
	}
	if err == nil {
		if w.failures > 0 {
			w.log.Infof("keepalive recovered after %d failures", w.failures)
			w.failures = 0
		}
		return false
	}
	if device.IsFatal(err) {
		w.stop(err)
		return true
	}

	w.failures++
	switch {
	case w.failures >= w.maxFailures:
		w.stop(fmt.Errorf("%w: %d keepalive failures: %w", ErrDeviceLost, w.failures, err))
		return true
	case w.failures == 1:
		w.log.Warnf("keepalive: %v", err)
	default:
		w.log.Debugf("keepalive: %v", err)
	}
	return false
}

func (w *Worker) stop(err error) {
	w.log.Errorf("stopping on fatal error: %v", err)
	w.err = err
	w.session.Close()
}
