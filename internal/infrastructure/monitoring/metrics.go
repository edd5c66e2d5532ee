// Package monitoring exposes Prometheus metrics and an optional localhost
// ops surface (/health, /status, /metrics, /stream). The surface is
// read-only: it observes the transport, it never drives it.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for one process.
type Metrics struct {
	// Transport metrics
	RecordsTotal  *prometheus.CounterVec
	RecordBytes   *prometheus.CounterVec
	FrameErrors   prometheus.Counter
	ChunksTotal   prometheus.Counter
	ChunkFailures prometheus.Counter

	// Dispatch metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	ToolErrors   *prometheus.CounterVec

	// Connection metrics
	ExtensionConnected prometheus.Gauge
	Reconnects         prometheus.Counter
	PendingRequests    prometheus.Gauge
	BufferedRecords    prometheus.Gauge

	// Session metrics
	SessionsActive prometheus.Gauge
	EventsEmitted  *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry so multiple
// processes (and tests) never collide on the default registerer.
func NewMetrics(process string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}
	labels := prometheus.Labels{"process": process}

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,

		RecordsTotal: factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "viyv_records_total",
			Help:        "Total wire records by direction and type",
			ConstLabels: labels,
		}, []string{"direction", "type"})).(*prometheus.CounterVec),
		RecordBytes: factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "viyv_record_bytes_total",
			Help:        "Total wire bytes by direction",
			ConstLabels: labels,
		}, []string{"direction"})).(*prometheus.CounterVec),
		FrameErrors: factory(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "viyv_frame_errors_total",
			Help:        "Transport decode errors (oversize, parse)",
			ConstLabels: labels,
		})).(prometheus.Counter),
		ChunksTotal: factory(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "viyv_chunks_total",
			Help:        "Chunk records processed",
			ConstLabels: labels,
		})).(prometheus.Counter),
		ChunkFailures: factory(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "viyv_chunk_failures_total",
			Help:        "Chunk sets failed (timeout or malformed)",
			ConstLabels: labels,
		})).(prometheus.Counter),

		ToolCalls: factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "viyv_tool_calls_total",
			Help:        "Tool calls by tool name",
			ConstLabels: labels,
		}, []string{"tool"})).(*prometheus.CounterVec),
		ToolDuration: factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "viyv_tool_duration_seconds",
			Help:        "Tool call duration in seconds",
			Buckets:     []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}, []string{"tool"})).(*prometheus.HistogramVec),
		ToolErrors: factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "viyv_tool_errors_total",
			Help:        "Tool errors by wire code",
			ConstLabels: labels,
		}, []string{"code"})).(*prometheus.CounterVec),

		ExtensionConnected: factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "viyv_extension_connected",
			Help:        "1 while an extension socket is live",
			ConstLabels: labels,
		})).(prometheus.Gauge),
		Reconnects: factory(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "viyv_reconnects_total",
			Help:        "Socket reconnect attempts",
			ConstLabels: labels,
		})).(prometheus.Counter),
		PendingRequests: factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "viyv_pending_requests",
			Help:        "Outstanding tool calls awaiting results",
			ConstLabels: labels,
		})).(prometheus.Gauge),
		BufferedRecords: factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "viyv_buffered_records",
			Help:        "Records buffered while the socket is down",
			ConstLabels: labels,
		})).(prometheus.Gauge),

		SessionsActive: factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "viyv_sessions_active",
			Help:        "Agent sessions currently tracked",
			ConstLabels: labels,
		})).(prometheus.Gauge),
		EventsEmitted: factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "viyv_events_total",
			Help:        "Browser events by event type",
			ConstLabels: labels,
		}, []string{"event_type"})).(*prometheus.CounterVec),

		Uptime: factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "viyv_uptime_seconds",
			Help:        "Process uptime in seconds",
			ConstLabels: labels,
		})).(prometheus.Gauge),
	}
	return m
}

// Registry exposes the per-process registry for the ops handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Tick refreshes derived gauges; the ops server calls it before scrapes.
func (m *Metrics) Tick() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
