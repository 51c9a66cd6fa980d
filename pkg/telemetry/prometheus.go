package telemetry

import (
	"errors"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// PrometheusSink counts events and observes durations.
type PrometheusSink struct {
	registry  *prom.Registry
	events    *prom.CounterVec
	durations *prom.HistogramVec
}

// NewPrometheusSink registers the conductor metrics on a fresh registry.
func NewPrometheusSink() (*PrometheusSink, error) {
	s := &PrometheusSink{
		registry: prom.NewRegistry(),
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Orchestration events by name, model and status.",
		}, []string{"event", "model", "status"}),
		durations: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Duration of timed orchestration events.",
			Buckets:   prom.DefBuckets,
		}, []string{"event", "status"}),
	}
	for _, c := range []prom.Collector{s.events, s.durations} {
		if err := s.registry.Register(c); err != nil {
			var are prom.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return s, nil
}

// Record implements Sink.
func (s *PrometheusSink) Record(e Event) {
	s.events.WithLabelValues(string(e.Name), e.Model, e.Status).Inc()
	if e.Duration > 0 {
		s.durations.WithLabelValues(string(e.Name), e.Status).Observe(e.Duration.Seconds())
	}
}

// Registry exposes the underlying registry for gathering.
func (s *PrometheusSink) Registry() *prom.Registry {
	return s.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
