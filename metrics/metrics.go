package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one process. Build it with New and pass it
// to the components that report into it.
type Metrics struct {
	Ingested          *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	QuarantineFailed  prometheus.Counter
	MapRegenerations  *prometheus.CounterVec
	MapServed         *prometheus.CounterVec
	SweepDeleted      prometheus.Counter
	SweepFailed       prometheus.Counter
	SweepMissingPaths prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarantined_ingested_messages_total",
				Help: "Scan results received, by outcome",
			},
			[]string{"result"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quarantined_ingest_duration_seconds",
				Help:    "Wall time spent handling one scan result",
				Buckets: prometheus.DefBuckets,
			},
		),
		QuarantineFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quarantined_quarantine_store_failures_total",
				Help: "Raw messages that could not be written to the quarantine directory",
			},
		),
		MapRegenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarantined_map_regenerations_total",
				Help: "Map file regenerations, by map and result",
			},
			[]string{"map", "result"},
		),
		MapServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarantined_map_requests_total",
				Help: "Map requests, by map and HTTP status",
			},
			[]string{"map", "status"},
		),
		SweepDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quarantined_sweep_deleted_total",
				Help: "Quarantined messages removed by the retention sweeper",
			},
		),
		SweepFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quarantined_sweep_failures_total",
				Help: "Quarantined messages the retention sweeper could not remove",
			},
		),
		SweepMissingPaths: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quarantined_stored_without_location",
				Help: "Messages flagged stored that have no location, seen by the last sweep",
			},
		),
	}

	reg.MustRegister(
		m.Ingested,
		m.IngestDuration,
		m.QuarantineFailed,
		m.MapRegenerations,
		m.MapServed,
		m.SweepDeleted,
		m.SweepFailed,
		m.SweepMissingPaths,
	)
	return m
}

// NewUnregistered returns collectors that are not exposed anywhere.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
