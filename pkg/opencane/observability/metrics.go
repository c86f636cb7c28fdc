// Package observability backs the /v1/runtime/observability surface (§6.2)
// with Prometheus collectors, grounded on the runtime-metrics pattern of
// AltairaLabs-PromptKit's prometheus/client_golang usage. Metrics is the
// single place every other component reports through; nothing in this
// module calls promauto or the default global registerer directly.
package observability

import (
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the RuntimeContext-held collector set (spec §9's single
// RuntimeContext, applied to observability counters specifically).
type Metrics struct {
	registry *prometheus.Registry

	IngestDepth         prometheus.Gauge
	IngestUtilization   prometheus.Gauge
	IngestRejected      prometheus.Counter
	IngestDropped       prometheus.Counter
	IngestFailed        prometheus.Counter
	IngestProcessingMs  prometheus.Histogram

	VisionDedupHits   prometheus.Counter
	VisionProviderErr prometheus.Counter

	TaskActive    prometheus.Gauge
	TaskPending   prometheus.Gauge
	TaskFailed    prometheus.Counter
	TaskTimeout   prometheus.Counter
	TaskCanceled  prometheus.Counter

	SessionsActive prometheus.Gauge
	SafetyDowngrades prometheus.Counter

	OutboundCommandsSent   prometheus.Counter
	OutboundBackpressure   prometheus.Counter
}

// NewMetrics builds a Metrics set registered against a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		IngestDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencane", Subsystem: "ingest", Name: "depth",
			Help: "Current number of queued image jobs.",
		}),
		IngestUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencane", Subsystem: "ingest", Name: "utilization",
			Help: "depth / capacity for the ingest queue.",
		}),
		IngestRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "ingest", Name: "rejected_total",
			Help: "Enqueue calls rejected under the reject overflow policy.",
		}),
		IngestDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "ingest", Name: "dropped_total",
			Help: "Jobs dropped under the drop_oldest overflow policy.",
		}),
		IngestFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "ingest", Name: "failed_total",
			Help: "Image jobs that finished in a failed state.",
		}),
		IngestProcessingMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opencane", Subsystem: "ingest", Name: "processing_ms",
			Help:    "Image job processing latency in milliseconds.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		VisionDedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "vision", Name: "dedup_hits_total",
			Help: "Images classified as perceptual duplicates.",
		}),
		VisionProviderErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "vision", Name: "provider_errors_total",
			Help: "VisionProvider call failures.",
		}),
		TaskActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencane", Subsystem: "task", Name: "active",
			Help: "Digital tasks currently running.",
		}),
		TaskPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencane", Subsystem: "task", Name: "pending",
			Help: "Digital tasks waiting for a concurrency slot.",
		}),
		TaskFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "task", Name: "failed_total",
			Help: "Digital tasks that reached the failed terminal state.",
		}),
		TaskTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "task", Name: "timeout_total",
			Help: "Digital tasks that reached the timeout terminal state.",
		}),
		TaskCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "task", Name: "canceled_total",
			Help: "Digital tasks that reached the canceled terminal state.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opencane", Subsystem: "runtime", Name: "sessions_active",
			Help: "Sessions currently tracked by the Connection Runtime.",
		}),
		SafetyDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "safety", Name: "downgrades_total",
			Help: "Outbound texts rewritten with downgraded=true by the safety gate.",
		}),
		OutboundCommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "runtime", Name: "outbound_commands_total",
			Help: "Commands handed to a transport adapter's SendCommand.",
		}),
		OutboundBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opencane", Subsystem: "runtime", Name: "outbound_backpressure_total",
			Help: "SendCommand calls that failed with ErrBackpressure.",
		}),
	}
	reg.MustRegister(
		m.IngestDepth, m.IngestUtilization, m.IngestRejected, m.IngestDropped,
		m.IngestFailed, m.IngestProcessingMs, m.VisionDedupHits, m.VisionProviderErr,
		m.TaskActive, m.TaskPending, m.TaskFailed, m.TaskTimeout, m.TaskCanceled,
		m.SessionsActive, m.SafetyDowngrades, m.OutboundCommandsSent, m.OutboundBackpressure,
	)
	return m
}

// Registry exposes the underlying Prometheus registry, e.g. for an
// /metrics HTTP handler alongside the JSON observability endpoints.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveProcessing records a job's processing duration.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	m.IngestProcessingMs.Observe(float64(d.Milliseconds()))
}

// Snapshot is the rendering of current gauge/counter values for the
// /v1/runtime/observability JSON endpoint.
type Snapshot struct {
	IngestDepth       float64 `json:"ingest_depth"`
	IngestUtilization float64 `json:"ingest_utilization"`
	IngestRejected    float64 `json:"ingest_rejected_total"`
	IngestDropped     float64 `json:"ingest_dropped_total"`
	IngestFailed      float64 `json:"ingest_failed_total"`
	TaskActive        float64 `json:"task_active"`
	TaskPending       float64 `json:"task_pending"`
	SessionsActive    float64 `json:"sessions_active"`
	SafetyDowngrades  float64 `json:"safety_downgrades_total"`
	Healthy           bool    `json:"healthy"`
	Alerts            []string `json:"alerts"`
}

// Snapshot gathers current values and applies the fixed alert threshold:
// ingest utilization >= 0.9 raises "ingest_queue_near_capacity" and clears
// Healthy. No other value is checked against a threshold.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		IngestDepth:       gaugeValue(m.IngestDepth),
		IngestUtilization: gaugeValue(m.IngestUtilization),
		IngestRejected:    counterValue(m.IngestRejected),
		IngestDropped:     counterValue(m.IngestDropped),
		IngestFailed:      counterValue(m.IngestFailed),
		TaskActive:        gaugeValue(m.TaskActive),
		TaskPending:       gaugeValue(m.TaskPending),
		SessionsActive:    gaugeValue(m.SessionsActive),
		SafetyDowngrades:  counterValue(m.SafetyDowngrades),
	}
	s.Healthy = true
	if s.IngestUtilization >= 0.9 {
		s.Alerts = append(s.Alerts, "ingest_queue_near_capacity")
		s.Healthy = false
	}
	return s
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	_ = g.Write(&m)
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

// Point is one bucketed sample in a History, backing
// GET /v1/runtime/observability/history.
type Point struct {
	At       time.Time `json:"at"`
	Snapshot Snapshot  `json:"snapshot"`
}

// DefaultHistoryCapacity bounds History to a fixed ring so retention never
// grows unbounded in a long-running process.
const DefaultHistoryCapacity = 512

// History is a fixed-capacity ring of Metrics snapshots sampled at a
// caller-chosen cadence (see cmd/opencane's periodic sampler).
type History struct {
	mu       sync.Mutex
	points   []Point
	capacity int
}

// NewHistory returns a History retaining at most capacity points (0 uses
// DefaultHistoryCapacity).
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity}
}

// Record appends a sample, evicting the oldest once at capacity.
func (h *History) Record(at time.Time, s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, Point{At: at, Snapshot: s})
	if len(h.points) > h.capacity {
		h.points = h.points[len(h.points)-h.capacity:]
	}
}

// Since returns every recorded point at or after cutoff, oldest first.
func (h *History) Since(cutoff time.Time) []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Point, 0, len(h.points))
	for _, p := range h.points {
		if !p.At.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}
