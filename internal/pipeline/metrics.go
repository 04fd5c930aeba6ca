package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Conversation outcomes.
const (
	outcomeProcessed = "processed"
	outcomeDegraded  = "degraded"
	outcomeSkipped   = "skipped"
	outcomeEmpty     = "empty"
)

// Metrics holds Prometheus metrics for the extraction pipeline.
type Metrics struct {
	ConversationsTotal *prometheus.CounterVec
	RulesExtracted     prometheus.Counter
	StageDuration      *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics once on the default registerer.
//
//   - rulesmith_pipeline_conversations_total{outcome}
//   - rulesmith_pipeline_rules_extracted_total
//   - rulesmith_pipeline_stage_duration_seconds{stage}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return globalMetrics
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		ConversationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesmith_pipeline_conversations_total",
				Help: "Conversations handled by the pipeline, by outcome",
			},
			[]string{"outcome"}, // processed, degraded, skipped, empty
		),
		RulesExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rulesmith_pipeline_rules_extracted_total",
			Help: "Rule candidates returned by the model that passed validation",
		}),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rulesmith_pipeline_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"stage"},
		),
	}
}
