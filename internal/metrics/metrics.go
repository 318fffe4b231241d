package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure kinds recorded per camera
const (
	KindFrame         = "frame"
	KindNotCalibrated = "not_calibrated"
	KindDetector      = "detector"
	KindStorage       = "storage"
	KindOther         = "other"
)

// Metrics holds all application metrics
type Metrics struct {
	// Batch counters
	BatchesRun       atomic.Uint64
	BatchesFailed    atomic.Uint64
	CamerasResolved  atomic.Uint64
	CamerasSucceeded atomic.Uint64

	// Frame pulls
	FramesPulled atomic.Uint64
	FramesMissed atomic.Uint64

	// Latest evaluation pass
	SpacesTotal atomic.Uint64
	SpacesFree  atomic.Uint64

	// Latency tracking
	BatchLatencyMs atomic.Uint64 // Duration of the last batch in ms

	// Published occupancy messages
	MessagesPublished atomic.Uint64
	PublishErrors     atomic.Uint64

	cameraFailures *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cameraFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkwatch_camera_failures_total",
			Help: "Per-camera task failures by kind",
		}, []string{"kind"}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("parkwatch_batches_total", "Total batches run", &m.BatchesRun)
	m.gauge("parkwatch_batches_failed_total", "Batches aborted because the camera directory was unavailable", &m.BatchesFailed)
	m.gauge("parkwatch_cameras_resolved_total", "Total cameras resolved from the directory", &m.CamerasResolved)
	m.gauge("parkwatch_cameras_succeeded_total", "Total per-camera tasks that succeeded", &m.CamerasSucceeded)

	m.gauge("parkwatch_frames_pulled_total", "Total frames pulled from camera streams", &m.FramesPulled)
	m.gauge("parkwatch_frames_missed_total", "Total frame pulls that yielded nothing", &m.FramesMissed)

	m.gauge("parkwatch_spaces_total", "Parking spaces covered by the last evaluation pass", &m.SpacesTotal)
	m.gauge("parkwatch_spaces_free", "Free spaces in the last evaluation pass", &m.SpacesFree)

	m.gauge("parkwatch_batch_latency_ms", "Duration of the last batch in milliseconds", &m.BatchLatencyMs)

	m.gauge("parkwatch_mqtt_published_total", "Occupancy messages published", &m.MessagesPublished)
	m.gauge("parkwatch_mqtt_errors_total", "Occupancy messages that failed to publish", &m.PublishErrors)

	m.registry.MustRegister(m.cameraFailures)
}

// CameraFailed counts one failed per-camera task
func (m *Metrics) CameraFailed(kind string) {
	m.cameraFailures.WithLabelValues(kind).Inc()
}

// UpdateBatchLatency records how long the last batch took
func (m *Metrics) UpdateBatchLatency(d time.Duration) {
	m.BatchLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateSpaces records the totals of an evaluation pass
func (m *Metrics) UpdateSpaces(total, free int) {
	m.SpacesTotal.Store(uint64(total))
	m.SpacesFree.Store(uint64(free))
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
