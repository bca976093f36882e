package telemetry_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/slooh/slooh/internal/domain"
	"github.com/slooh/slooh/internal/event"
	"github.com/slooh/slooh/internal/telemetry"
)

func TestMetrics(t *testing.T) {
	eb := event.NewBus()
	reg := prometheus.NewRegistry()
	telemetry.NewMetrics(eb, reg)

	ctx := context.Background()
	eb.Publish(ctx, domain.EventSessionStarted{SessionID: "s1"})
	eb.Publish(ctx, domain.EventSessionStarted{SessionID: "s2"})
	eb.Publish(ctx, domain.EventScoreUpdated{SessionID: "s1", MemberID: "m1", TotalScore: 1900})
	eb.Publish(ctx, domain.EventSessionEnded{SessionID: "s1"})
	eb.Stop()

	assert.Equal(t, float64(1), gathered(t, reg, "slooh_sessions_active"))
	assert.Equal(t, float64(2), gathered(t, reg, "slooh_sessions_started_total"))
	assert.Equal(t, float64(1), gathered(t, reg, "slooh_sessions_ended_total"))
	assert.Equal(t, float64(1), gathered(t, reg, "slooh_answers_submitted_total"))
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}

	t.Fatalf("metric %s not found", name)
	return 0
}
