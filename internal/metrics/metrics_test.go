package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRegistersAllSeries(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop())

	m.OpenPositions.Set(7)
	m.EventsApplied.Add(3)
	m.Classifications.WithLabelValues("at_risk").Set(2)
	m.PlansCreated.WithLabelValues("partial").Inc()
	m.PlanOutcomes.WithLabelValues("confirmed").Inc()
	m.ProfitTotal.Add(42.5)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.OpenPositions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsApplied))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Classifications.WithLabelValues("at_risk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansCreated.WithLabelValues("partial")))
	assert.Equal(t, 42.5, testutil.ToFloat64(m.ProfitTotal))
}

func TestRegistryGathersWithoutConflict(t *testing.T) {
	t.Parallel()

	m := New(zap.NewNop())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	// Vec series only materialise once a label set is observed, so
	// gathering a fresh registry yields the scalar collectors.
	assert.NotEmpty(t, families)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}
