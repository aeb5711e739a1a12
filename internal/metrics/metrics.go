// Package metrics counts batch outcomes and optionally pushes them to a
// Prometheus Pushgateway when a stage finishes.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/Lllllllleong/surveyflow/internal/models"
)

const job = "surveyflow"

// Batch holds the collectors of one stage run.
type Batch struct {
	Registry *prometheus.Registry

	Items    *prometheus.CounterVec
	Duration *prometheus.GaugeVec
	Fetches  *prometheus.CounterVec
}

func New() *Batch {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Batch{
		Registry: reg,
		Items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surveyflow_items_total", Help: "Work items processed, by outcome.",
		}, []string{"pipeline", "stage", "outcome"}),
		Duration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "surveyflow_batch_duration_seconds", Help: "Wall time of the last batch.",
		}, []string{"pipeline", "stage"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surveyflow_network_fetches_total", Help: "Network requests issued by acquisition stages.",
		}, []string{"pipeline"}),
	}
}

// Observe records a finished batch report.
func (b *Batch) Observe(r *models.BatchReport) {
	for status, n := range r.Counts {
		b.Items.WithLabelValues(r.Pipeline, r.Stage, string(status)).Add(float64(n))
	}
	b.Duration.WithLabelValues(r.Pipeline, r.Stage).Set(r.Duration().Seconds())
	if r.Fetches > 0 {
		b.Fetches.WithLabelValues(r.Pipeline).Add(float64(r.Fetches))
	}
}

// Push sends the registry to a Pushgateway under a per-stage grouping key.
// The metrics already carry pipeline and stage labels, which the gateway
// forbids as grouping labels.
func (b *Batch) Push(ctx context.Context, gateway, pipeline, stage string) error {
	err := push.New(gateway, job).
		Gatherer(b.Registry).
		Grouping("batch", pipeline+"-"+stage).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gateway, err)
	}
	return nil
}
