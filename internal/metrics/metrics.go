// Package metrics aggregates runtime-wide and per-box counters. Writes
// happen at well-defined lifecycle points (box create, run submit/error,
// stream byte transfer, stage completion); reads are non-blocking
// snapshots of atomically updated values. Nothing here persists across
// process restarts.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StageTiming records the duration of one provisioning stage.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// ResourceUsage is a point-in-time sample of the VM process.
type ResourceUsage struct {
	RSSBytes   uint64
	CPUSeconds float64
}

// BoxSnapshot is a non-blocking copy of one box's counters.
type BoxSnapshot struct {
	BytesSent     int64
	BytesReceived int64
	Commands      int64
	RunErrors     int64
	Stages        []StageTiming
	Usage         ResourceUsage
}

// RuntimeSnapshot is a non-blocking copy of process-wide counters.
type RuntimeSnapshot struct {
	BoxesCreated   int64
	BoxesFailed    int64
	BoxesRunning   int64
	CommandsTotal  int64
	RunErrorsTotal int64
}

// Collector holds all runtime metrics. Prometheus registration is
// optional (nil registry = counters still maintained, nothing exported),
// matching how the rest of the system treats observability as ambient
// rather than required.
type Collector struct {
	boxesCreatedTotal prometheus.Counter
	boxesFailedTotal  prometheus.Counter
	boxesRunning      prometheus.Gauge
	commandsTotal     prometheus.Counter
	commandErrors     prometheus.Counter
	stageDuration     *prometheus.HistogramVec
	streamBytesTotal  *prometheus.CounterVec

	created   atomic.Int64
	failed    atomic.Int64
	running   atomic.Int64
	commands  atomic.Int64
	runErrors atomic.Int64

	mu    sync.Mutex
	boxes map[string]*BoxMetrics
}

// NewCollector creates a Collector, registering the exported metrics on
// reg when it is non-nil.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		boxes: make(map[string]*BoxMetrics),

		boxesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxkit",
			Subsystem: "boxes",
			Name:      "created_total",
			Help:      "Total boxes created successfully.",
		}),
		boxesFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxkit",
			Subsystem: "boxes",
			Name:      "failed_total",
			Help:      "Total box creations that failed.",
		}),
		boxesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boxkit",
			Subsystem: "boxes",
			Name:      "running",
			Help:      "Number of boxes currently running.",
		}),
		commandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxkit",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Total commands submitted across all boxes.",
		}),
		commandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxkit",
			Subsystem: "exec",
			Name:      "errors_total",
			Help:      "Total run errors across all boxes.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boxkit",
			Subsystem: "provision",
			Name:      "stage_duration_seconds",
			Help:      "Provisioning stage duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		streamBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxkit",
			Subsystem: "portal",
			Name:      "stream_bytes_total",
			Help:      "Stream bytes transferred by direction.",
		}, []string{"direction"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.boxesCreatedTotal,
			c.boxesFailedTotal,
			c.boxesRunning,
			c.commandsTotal,
			c.commandErrors,
			c.stageDuration,
			c.streamBytesTotal,
		)
	}
	return c
}

// BoxCreated records a successful create.
func (c *Collector) BoxCreated() {
	c.created.Add(1)
	c.boxesCreatedTotal.Inc()
}

// BoxFailed records a failed create.
func (c *Collector) BoxFailed() {
	c.failed.Add(1)
	c.boxesFailedTotal.Inc()
}

// BoxStarted moves the running gauge up.
func (c *Collector) BoxStarted() {
	c.running.Add(1)
	c.boxesRunning.Inc()
}

// BoxStopped moves the running gauge down.
func (c *Collector) BoxStopped() {
	c.running.Add(-1)
	c.boxesRunning.Dec()
}

// ObserveStage records one stage duration.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ForBox returns the per-box counters, creating them on first use.
func (c *Collector) ForBox(id string) *BoxMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	bm, ok := c.boxes[id]
	if !ok {
		bm = &BoxMetrics{collector: c}
		c.boxes[id] = bm
	}
	return bm
}

// DropBox discards the per-box counters after remove().
func (c *Collector) DropBox(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.boxes, id)
}

// Snapshot returns the process-wide counters.
func (c *Collector) Snapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		BoxesCreated:   c.created.Load(),
		BoxesFailed:    c.failed.Load(),
		BoxesRunning:   c.running.Load(),
		CommandsTotal:  c.commands.Load(),
		RunErrorsTotal: c.runErrors.Load(),
	}
}

// BoxMetrics are one box's counters. It implements the portal byte
// accounting hook, so stream transfer updates land here directly.
type BoxMetrics struct {
	collector *Collector

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	commands      atomic.Int64
	runErrors     atomic.Int64

	mu     sync.Mutex
	stages []StageTiming
}

// AddBytesSent records stdin bytes shipped to the guest.
func (m *BoxMetrics) AddBytesSent(n int) {
	m.bytesSent.Add(int64(n))
	m.collector.streamBytesTotal.WithLabelValues("sent").Add(float64(n))
}

// AddBytesReceived records stdout/stderr bytes received from the guest.
func (m *BoxMetrics) AddBytesReceived(n int) {
	m.bytesReceived.Add(int64(n))
	m.collector.streamBytesTotal.WithLabelValues("received").Add(float64(n))
}

// CommandRun records one run() submission.
func (m *BoxMetrics) CommandRun() {
	m.commands.Add(1)
	m.collector.commands.Add(1)
	m.collector.commandsTotal.Inc()
}

// RunError records one failed run().
func (m *BoxMetrics) RunError() {
	m.runErrors.Add(1)
	m.collector.runErrors.Add(1)
	m.collector.commandErrors.Inc()
}

// SetStageTimings stores the pipeline timings captured by a successful
// start. The slice is copied; timings are immutable once captured.
func (m *BoxMetrics) SetStageTimings(stages []StageTiming) {
	cp := make([]StageTiming, len(stages))
	copy(cp, stages)
	m.mu.Lock()
	m.stages = cp
	m.mu.Unlock()
	for _, st := range stages {
		m.collector.ObserveStage(st.Stage, st.Duration)
	}
}

// Snapshot copies the box's counters. usage is the caller-sampled
// resource usage to embed (zero value when the box is not running).
func (m *BoxMetrics) Snapshot(usage ResourceUsage) BoxSnapshot {
	m.mu.Lock()
	stages := make([]StageTiming, len(m.stages))
	copy(stages, m.stages)
	m.mu.Unlock()

	return BoxSnapshot{
		BytesSent:     m.bytesSent.Load(),
		BytesReceived: m.bytesReceived.Load(),
		Commands:      m.commands.Load(),
		RunErrors:     m.runErrors.Load(),
		Stages:        stages,
		Usage:         usage,
	}
}
