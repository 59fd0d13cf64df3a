// Package metrics exports execution events as Prometheus metrics.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink counts events and times source lifecycles.
//
// Metrics:
//   - execflow_events_total{type,source_kind}
//   - execflow_sources_finished_total{source_kind,status}
//   - execflow_source_duration_seconds{source_kind}
//   - execflow_failures_total{source_kind}
//   - execflow_low_consistency_total
//   - execflow_tokens_total{direction}
type Sink struct {
	EventsTotal          *prometheus.CounterVec
	SourcesFinishedTotal *prometheus.CounterVec
	SourceDuration       *prometheus.HistogramVec
	FailuresTotal        *prometheus.CounterVec
	LowConsistencyTotal  prometheus.Counter
	TokensTotal          *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewSink registers the metrics on reg. A nil reg uses the default
// registerer, which only tolerates one Sink per process.
func NewSink(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Sink{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execflow_events_total",
				Help: "Total number of execution events by type",
			},
			[]string{"type", "source_kind"},
		),
		SourcesFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execflow_sources_finished_total",
				Help: "Total number of finished sources by outcome",
			},
			[]string{"source_kind", "status"},
		),
		SourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execflow_source_duration_seconds",
				Help:    "Time between Started and Finished of a source",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"source_kind"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execflow_failures_total",
				Help: "Total number of error events and failed sources",
			},
			[]string{"source_kind"},
		),
		LowConsistencyTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execflow_low_consistency_total",
				Help: "Total number of low consistency warnings",
			},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execflow_tokens_total",
				Help: "Total reported model tokens",
			},
			[]string{"direction"},
		),
		started: map[string]time.Time{},
	}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	kind := string(event.Source.Kind)
	s.EventsTotal.WithLabelValues(string(event.Type()), kind).Inc()

	switch k := event.Kind.(type) {
	case observe.Started:
		s.mu.Lock()
		s.started[event.Source.ID] = event.Timestamp
		s.mu.Unlock()
	case observe.Finished:
		status := string(observe.StatusCompleted)
		if k.Error != "" {
			status = string(observe.StatusFailed)
			s.FailuresTotal.WithLabelValues(kind).Inc()
		}
		s.SourcesFinishedTotal.WithLabelValues(kind, status).Inc()
		s.mu.Lock()
		startedAt, ok := s.started[event.Source.ID]
		delete(s.started, event.Source.ID)
		s.mu.Unlock()
		if ok {
			s.SourceDuration.WithLabelValues(kind).Observe(event.Timestamp.Sub(startedAt).Seconds())
		}
	case observe.Failure:
		s.FailuresTotal.WithLabelValues(kind).Inc()
	case observe.LowConsistencyDetected:
		s.LowConsistencyTotal.Inc()
	case observe.UsageReported:
		s.TokensTotal.WithLabelValues("input").Add(float64(k.Usage.InputTokens))
		s.TokensTotal.WithLabelValues("output").Add(float64(k.Usage.OutputTokens))
	}
	return nil
}
