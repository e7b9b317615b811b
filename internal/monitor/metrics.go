package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of one supervisor run. The tools
// are short-lived, so the registry is written to a node-exporter textfile
// at exit instead of being served.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	WallSeconds      prometheus.Gauge
	CPUSeconds       prometheus.Gauge
	MemoryPeakBytes  prometheus.Gauge
	ExitCode         prometheus.Gauge
	StreamBytes      *prometheus.GaugeVec
	StreamTruncated  *prometheus.GaugeVec
	TimeLimitHits    *prometheus.CounterVec
	KillSignalsTotal *prometheus.CounterVec
	PipeBytes        *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on a dedicated registry.
// Every series carries the program name as a constant label.
func NewMetrics(program string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"program": program}

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "judgeguard",
				Name:        "runs_total",
				Help:        "Supervised runs by outcome.",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),

		WallSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_wall_seconds",
				Help:        "Wall clock time of the last run.",
				ConstLabels: labels,
			},
		),

		CPUSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_cpu_seconds",
				Help:        "CPU time of the last run as accounted by its cgroup.",
				ConstLabels: labels,
			},
		),

		MemoryPeakBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_memory_peak_bytes",
				Help:        "Peak memory usage of the last run.",
				ConstLabels: labels,
			},
		),

		ExitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_exit_code",
				Help:        "Exit status reported for the last run.",
				ConstLabels: labels,
			},
		),

		StreamBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_stream_bytes",
				Help:        "Bytes read from and forwarded for each output stream.",
				ConstLabels: labels,
			},
			[]string{"stream", "kind"},
		),

		StreamTruncated: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_stream_truncated",
				Help:        "1 if the stream hit its byte limit.",
				ConstLabels: labels,
			},
			[]string{"stream"},
		),

		TimeLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "judgeguard",
				Name:        "timelimit_hits_total",
				Help:        "Time limits exceeded, by clock and severity.",
				ConstLabels: labels,
			},
			[]string{"clock", "kind"},
		),

		KillSignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "judgeguard",
				Name:        "kill_signals_total",
				Help:        "Signals sent to supervised process groups.",
				ConstLabels: labels,
			},
			[]string{"signal"},
		),

		PipeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "judgeguard",
				Name:        "last_run_pipe_bytes",
				Help:        "Bytes forwarded between the two piped processes.",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.WallSeconds,
		m.CPUSeconds,
		m.MemoryPeakBytes,
		m.ExitCode,
		m.StreamBytes,
		m.StreamTruncated,
		m.TimeLimitHits,
		m.KillSignalsTotal,
		m.PipeBytes,
	)

	return m
}

// RunSample is what a finished guarded run reports.
type RunSample struct {
	Outcome    string
	ExitCode   int
	Wall       time.Duration
	CPU        time.Duration
	MemoryPeak int64
	Streams    []StreamSample
}

type StreamSample struct {
	Name      string
	Read      int64
	Passed    int64
	Truncated bool
}

// RecordRun records metrics for a completed run.
func (m *Metrics) RecordRun(s RunSample) {
	m.RunsTotal.WithLabelValues(s.Outcome).Inc()
	m.ExitCode.Set(float64(s.ExitCode))
	m.WallSeconds.Set(s.Wall.Seconds())
	m.CPUSeconds.Set(s.CPU.Seconds())
	m.MemoryPeakBytes.Set(float64(s.MemoryPeak))
	for _, st := range s.Streams {
		m.StreamBytes.WithLabelValues(st.Name, "read").Set(float64(st.Read))
		m.StreamBytes.WithLabelValues(st.Name, "passed").Set(float64(st.Passed))
		truncated := 0.0
		if st.Truncated {
			truncated = 1
		}
		m.StreamTruncated.WithLabelValues(st.Name).Set(truncated)
	}
}

// RecordTimeLimit records an exceeded limit; clock is "wall" or "cpu",
// kind is "soft" or "hard".
func (m *Metrics) RecordTimeLimit(clock, kind string) {
	m.TimeLimitHits.WithLabelValues(clock, kind).Inc()
}

// RecordKill records a signal sent to a process group.
func (m *Metrics) RecordKill(signal int) {
	m.KillSignalsTotal.WithLabelValues(strconv.Itoa(signal)).Inc()
}

// RecordPipe records bytes moved in one direction between piped processes.
func (m *Metrics) RecordPipe(direction string, bytes int64) {
	m.PipeBytes.WithLabelValues(direction).Set(float64(bytes))
}

// WriteTextfile writes all metrics in text format for the node-exporter
// textfile collector. An empty path disables it.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
