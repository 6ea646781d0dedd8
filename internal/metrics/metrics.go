package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_provider_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"location", "endpoint", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airwatch_provider_latency_seconds",
			Help:    "Weather provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"location", "endpoint"},
	)

	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_readings_ingested_total",
			Help: "Total readings stored",
		},
		[]string{"location"},
	)

	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_readings_dropped_total",
			Help: "Readings not stored, by reason",
		},
		[]string{"location", "reason"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_anomalies_total",
			Help: "Anomalies recorded, by sensor and status",
		},
		[]string{"location", "sensor", "status"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_cycles_total",
			Help: "Pipeline cycles by final state",
		},
		[]string{"location", "state"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airwatch_cycle_duration_seconds",
			Help:    "Pipeline cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"location"},
	)

	PersistRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_persist_retries_total",
			Help: "Reading and aggregate writes that were retried",
		},
		[]string{"location", "operation"},
	)

	HoursFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airwatch_hours_finalized_total",
			Help: "Hourly aggregates finalized",
		},
		[]string{"location"},
	)

	RawPayloadsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "airwatch_raw_payloads_pruned_total",
			Help: "Raw provider payloads deleted by retention cleanup",
		},
	)
)
