package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.SetSessions(3)
		m.Commit()
		m.Conflict()
		m.Rejected("invalid")
		m.Dropped()
		m.KafkaDropped()
		m.ObservePropose(time.Millisecond)
	})
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Commit()
	m.Commit()
	m.Rejected("invalid")
	m.ConnOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "paramsync_commits_total")
	assert.Contains(t, names, "paramsync_rejections_total")
}
