// Package metrics exposes the scrubber's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrubber_frames_processed_total",
		Help: "Total number of frames evaluated by the matcher",
	})

	FramesMatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrubber_frames_matched_total",
		Help: "Total number of frames that matched the positive templates",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrubber_active_workers",
		Help: "Number of matcher workers currently running",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scrubber_stage_duration_seconds",
		Help:    "Duration of each scrub stage",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrubber_packets_total",
		Help: "Packets seen by the splicer, by outcome",
	}, []string{"outcome"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrubber_runs_total",
		Help: "Scrub runs, by final status",
	}, []string{"status"})
)
