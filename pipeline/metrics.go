package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	checkpoint  *prometheus.GaugeVec
	errors      *prometheus.CounterVec
	blocks      prometheus.Counter
	unwinds     prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		checkpoint: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parlia",
			Subsystem: "pipeline",
			Name:      "checkpoint",
			Help:      "Last block processed by each stage.",
		}, []string{"stage"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parlia",
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Import errors by class.",
		}, []string{"class"}),
		blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parlia",
			Subsystem: "pipeline",
			Name:      "blocks_committed_total",
			Help:      "Blocks committed to the canonical chain.",
		}),
		unwinds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parlia",
			Subsystem: "pipeline",
			Name:      "unwinds_total",
			Help:      "Unwinds performed.",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parlia",
			Subsystem: "execcache",
			Name:      "hits_total",
			Help:      "Live blocks whose execution was reused.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "parlia",
			Subsystem: "execcache",
			Name:      "misses_total",
			Help:      "Live blocks executed from scratch.",
		}),
	}
}
