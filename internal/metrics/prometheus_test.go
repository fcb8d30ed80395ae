package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestUpdateSystemMetrics(t *testing.T) {
	m := NewPrometheusMetrics()

	m.UpdateSystemMetrics()

	assert.Greater(t, testutil.ToFloat64(m.MemoryUsage), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.GoroutineCount), 0.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ApplicationUptime), 0.0)

	m.UpdateComponentHealth("store", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComponentHealth.WithLabelValues("store")))
	m.UpdateComponentHealth("store", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ComponentHealth.WithLabelValues("store")))

	m.RecordExecution("sell", "completed", 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("sell", "completed")))

	t.Log("✓ System and execution metrics update")
}
