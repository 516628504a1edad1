// Package metrics exposes Prometheus instrumentation for the agent loop and scanners.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scan results.
const (
	ScanClean     = "clean"
	ScanViolation = "violation"
	ScanError     = "error"
	ScanSkipped   = "skipped"
)

type Metrics struct {
	PollCycles      prometheus.Counter
	PollErrors      prometheus.Counter
	AttachedDevices prometheus.Gauge
	ActiveMonitors  prometheus.Gauge
	Scans           *prometheus.CounterVec
	Violations      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "usbguard_poll_cycles_total",
			Help: "Completed device poll cycles.",
		}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "usbguard_poll_errors_total",
			Help: "Per-device or enumeration errors raised during poll cycles.",
		}),
		AttachedDevices: f.NewGauge(prometheus.GaugeOpts{
			Name: "usbguard_attached_devices",
			Help: "Removable devices currently attached and evaluated.",
		}),
		ActiveMonitors: f.NewGauge(prometheus.GaugeOpts{
			Name: "usbguard_active_monitors",
			Help: "Content monitors currently running.",
		}),
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usbguard_scans_total",
			Help: "File content scans by result.",
		}, []string{"result"}),
		Violations: f.NewCounter(prometheus.CounterOpts{
			Name: "usbguard_dlp_violations_total",
			Help: "DLP violations that led to deletion and auto-block.",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
