package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Aggregation runs by final state",
	}, []string{"state"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Aggregation run duration",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})

	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_written_total",
		Help: "Records upserted by kind (contract, item)",
	}, []string{"kind"})

	partitionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_partition_failures_total",
		Help: "Partitions skipped after a terminal fetch error",
	}, []string{"region_id"})

	itemFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_item_fetch_failures_total",
		Help: "Contracts whose item fetch failed",
	})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_last_success_timestamp_seconds",
		Help: "Unix time of the last run that finished without failure",
	})
)
