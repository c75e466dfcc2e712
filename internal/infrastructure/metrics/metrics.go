package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"time"
)

const namespace = "affectation"

// Outcomes of a single layer evaluation.
const (
	OutcomeAffected = "affected"
	OutcomeFiltered = "filtered"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
)

// Collector records per-layer telemetry. A nil *Collector is a no-op so the
// engine can run without a registry.
type Collector struct {
	layerOutcomes *prometheus.CounterVec
	layerDuration *prometheus.HistogramVec
	analyses      *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		layerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_evaluations_total",
			Help:      "Layer evaluations by source kind and outcome.",
		}, []string{"kind", "outcome"}),
		layerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "layer_duration_seconds",
			Help:      "Fetch plus overlay time per layer.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Analyses by result (ok, partial, invalid).",
		}, []string{"result"}),
	}
	for _, col := range []prometheus.Collector{c.layerOutcomes, c.layerDuration, c.analyses} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveLayer(kind, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.layerOutcomes.WithLabelValues(kind, outcome).Inc()
	c.layerDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAnalysis(result string) {
	if c == nil {
		return
	}
	c.analyses.WithLabelValues(result).Inc()
}
