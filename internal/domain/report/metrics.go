package report

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
)

var (
	generations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oralhealth_report_generations_total",
			Help: "Report renderer runs by outcome.",
		},
		[]string{"outcome"},
	)

	renderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oralhealth_report_render_duration_seconds",
			Help:    "Wall time of the report renderer process.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
		},
	)

	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oralhealth_report_archive_failures_total",
		Help: "Generated reports that could not be copied to the archive.",
	})
)
