// Package monitor exposes driver metrics over HTTP for Prometheus.
package monitor

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics are the collectors updated by the worker. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Commands         *prometheus.CounterVec
	CommandErrors    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	QueueDepth       prometheus.Gauge
	Captures         prometheus.Counter
	CaptureTimeouts  prometheus.Counter
	BitstreamUploads prometheus.Counter
	Keepalives       prometheus.Counter
	GoroutineCount   prometheus.Gauge
	MemoryUsage      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vds1022_commands_total",
			Help: "Commands executed by the worker.",
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vds1022_command_errors_total",
			Help: "Commands that returned an error.",
		}, []string{"command"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vds1022_command_duration_seconds",
			Help:    "Time spent executing a command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vds1022_queue_depth",
			Help: "Requests waiting for the worker.",
		}),
		Captures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vds1022_captures_total",
			Help: "Captures fetched and decoded.",
		}),
		CaptureTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vds1022_capture_timeouts_total",
			Help: "Captures that hit the data ready deadline.",
		}),
		BitstreamUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vds1022_bitstream_uploads_total",
			Help: "FPGA bitstream uploads.",
		}),
		Keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vds1022_keepalives_total",
			Help: "Idle bitstream checks.",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vds1022_goroutines",
			Help: "Current number of goroutines.",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vds1022_memory_usage_bytes",
			Help: "Allocated heap bytes.",
		}),
	}
	reg.MustRegister(
		m.Commands,
		m.CommandErrors,
		m.CommandDuration,
		m.QueueDepth,
		m.Captures,
		m.CaptureTimeouts,
		m.BitstreamUploads,
		m.Keepalives,
		m.GoroutineCount,
		m.MemoryUsage,
	)
	return m
}

// ObserveCommand records one executed command.
func (m *Metrics) ObserveCommand(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(name).Inc()
	m.CommandDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.CommandErrors.WithLabelValues(name).Inc()
	}
}

// ObserveCapture records the outcome of a data fetch.
func (m *Metrics) ObserveCapture(timedOut bool) {
	if m == nil {
		return
	}
	if timedOut {
		m.CaptureTimeouts.Inc()
		return
	}
	m.Captures.Inc()
}

// ObserveKeepalive records an idle bitstream check.
func (m *Metrics) ObserveKeepalive() {
	if m == nil {
		return
	}
	m.Keepalives.Inc()
}

// ObserveUpload records a completed bitstream upload.
func (m *Metrics) ObserveUpload(size int) {
	if m == nil {
		return
	}
	m.BitstreamUploads.Inc()
}

// SetQueueDepth records the number of pending requests.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

type Monitor struct {
	metrics  *Metrics
	gatherer prometheus.Gatherer
	log      *logrus.Logger
}

func NewMonitor(metrics *Metrics, gatherer prometheus.Gatherer, log *logrus.Logger) *Monitor {
	return &Monitor{metrics: metrics, gatherer: gatherer, log: log}
}

// Handler serves /metrics and /health.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartMetricsServer serves Handler on addr in the background. Close the
// returned server to stop it.
func (m *Monitor) StartMetricsServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	m.log.Infof("metrics server listening on %s", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

// StartRuntimeMonitor samples goroutine count and heap size every interval
// until stop is closed.
func (m *Monitor) StartRuntimeMonitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			if m.metrics != nil {
				m.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				m.metrics.MemoryUsage.Set(float64(memStats.Alloc))
			}

			m.log.Debugf("goroutines: %d, memory: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}
