package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New()
	m.Predictions.WithLabelValues("1").Inc()
	m.StatsRequests.WithLabelValues("sent").Add(3)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flowguard_poller_requests_total"])
	assert.True(t, names["go_goroutines"])

	// Independent instances do not collide.
	other := New()
	assert.Zero(t, testutil.ToFloat64(other.StatsRequests.WithLabelValues("sent")))
}

func TestModelGauges(t *testing.T) {
	m := New()
	m.SetModelReady(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelReady))
	m.SetModelReady(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ModelReady))

	m.ObserveTraining(0.97, 2*time.Second)
	assert.Equal(t, 0.97, testutil.ToFloat64(m.ModelAccuracy))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TrainingDuration))
}
