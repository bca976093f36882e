package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/event"
)

// Metrics exposes the engine's operational counters. Wired once per
// process off the event bus, served on /metrics.
type Metrics struct {
	activeSessions   prometheus.Gauge
	sessionsStarted  prometheus.Counter
	sessionsEnded    prometheus.Counter
	answersSubmitted prometheus.Counter
}

func NewMetrics(eb *event.Bus, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "slooh_sessions_active",
			Help: "Number of live presentation sessions.",
		}),
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "slooh_sessions_started_total",
			Help: "Total presentation sessions created.",
		}),
		sessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "slooh_sessions_ended_total",
			Help: "Total presentation sessions ended, on any teardown path.",
		}),
		answersSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "slooh_answers_submitted_total",
			Help: "Total admitted answer submissions.",
		}),
	}

	eb.Subscribe(domain.EventNameSessionStarted, func(ctx context.Context, e event.Event) error {
		m.activeSessions.Inc()
		m.sessionsStarted.Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		m.activeSessions.Dec()
		m.sessionsEnded.Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		m.answersSubmitted.Inc()
		return nil
	})

	return m
}
