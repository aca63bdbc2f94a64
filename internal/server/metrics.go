package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the server's prometheus collectors, kept in a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsOpened    *prometheus.CounterVec
	openFailures  prometheus.Counter
	layersDecoded prometheus.Counter
	layerFaults   prometheus.Counter
	decodeSeconds prometheus.Histogram
	printsStarted prometheus.Counter
}

// NewMetrics registers the collectors along with the Go runtime and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resin",
			Name:      "jobs_opened_total",
			Help:      "Print job files opened, by container format.",
		}, []string{"format"}),
		openFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resin",
			Name:      "job_open_failures_total",
			Help:      "Print job files that failed structural validation.",
		}),
		layersDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resin",
			Name:      "layers_decoded_total",
			Help:      "Layer images decoded to completion.",
		}),
		layerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resin",
			Name:      "layer_faults_total",
			Help:      "Layer images that failed to decode.",
		}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resin",
			Name:      "layer_decode_seconds",
			Help:      "Time to decode one layer image.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		printsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resin",
			Name:      "prints_started_total",
			Help:      "Print sessions started.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsOpened,
		m.openFailures,
		m.layersDecoded,
		m.layerFaults,
		m.decodeSeconds,
		m.printsStarted,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
