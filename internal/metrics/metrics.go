// Package metrics provides Prometheus metrics for the bonproxy daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TunersOpen tracks currently open tuner instances, by driver.
	TunersOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bonproxy_tuners_open",
		Help: "Currently open tuner instances, by driver path.",
	}, []string{"driver"})

	// SubscribersActive tracks stream subscribers across all tuners.
	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bonproxy_subscribers_active",
		Help: "Current number of stream subscribers across all tuners.",
	})

	// PreemptTotal counts tuner preemptions, by victim and request priority.
	PreemptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonproxy_preempt_total",
		Help: "Total tuner preemption events, by victim and request priority.",
	}, []string{"victim_priority", "request_priority"})

	// ChunkDropsTotal counts subscribers dropped after falling a full
	// buffer window behind the stream.
	ChunkDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonproxy_chunk_drop_total",
		Help: "Total subscribers dropped for lagging behind the stream buffer.",
	})

	// TuneAttemptsTotal counts physical tune attempts, by outcome.
	TuneAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonproxy_tune_attempts_total",
		Help: "Total physical tune attempts, by outcome (ok/no_signal/no_packets/error).",
	}, []string{"outcome"})

	// FallbacksTotal counts logical tunes that fell through to a later candidate.
	FallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonproxy_logical_fallback_total",
		Help: "Total logical tunes served by a non-first candidate.",
	})

	// SessionsActive tracks connected client sessions, by state.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bonproxy_sessions_active",
		Help: "Current client sessions, by session state.",
	}, []string{"state"})

	// StreamBytesTotal counts TS bytes delivered to clients.
	StreamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bonproxy_stream_bytes_total",
		Help: "Total TS payload bytes delivered to clients.",
	})

	// ScanRunsTotal counts catalog scans, by kind and outcome.
	ScanRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bonproxy_scan_runs_total",
		Help: "Total catalog scan runs, by kind (active/passive) and outcome.",
	}, []string{"kind", "outcome"})

	// CatalogChannels tracks catalog size, by band.
	CatalogChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bonproxy_catalog_channels",
		Help: "Enabled channels in the catalog, by band.",
	}, []string{"band"})

	// RequestDuration observes wire request handling latency, by message type.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bonproxy_request_duration_seconds",
		Help:    "Wire request handling latency, by message type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)
