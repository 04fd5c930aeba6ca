package extraction

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *metrics
	metricsOnce   sync.Once
)

type metrics struct {
	requests          *prometheus.CounterVec
	candidatesDropped prometheus.Counter
}

// getMetrics registers extraction metrics once on the default registerer.
func getMetrics() *metrics {
	metricsOnce.Do(func() {
		globalMetrics = &metrics{
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rulesmith_extraction_requests_total",
					Help: "Model requests by status",
				},
				[]string{"status"}, // ok, retry, error
			),
			candidatesDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rulesmith_extraction_candidates_dropped_total",
				Help: "Rule candidates dropped because they failed validation",
			}),
		}
	})
	return globalMetrics
}
