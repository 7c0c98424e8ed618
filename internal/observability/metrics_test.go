package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.TipTransitions.WithLabelValues("STOPLOSS_HIT").Inc()
	m.TipTransitions.WithLabelValues("STOPLOSS_HIT").Inc()
	m.TipsFlagged.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TipTransitions.WithLabelValues("STOPLOSS_HIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TipsFlagged))

	// A second instance on a fresh registry must not collide.
	assert.NotPanics(t, func() { NewMetrics("test", prometheus.NewRegistry()) })
}

func TestRecordJobRun(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.JobRunsTotal.WithLabelValues("unit", "error"))

	RecordJobRun("unit", errors.New("boom"), time.Second)
	RecordJobRun("unit", nil, time.Second)

	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.JobRunsTotal.WithLabelValues("unit", "error")))
	assert.Greater(t, testutil.ToFloat64(DefaultMetrics.LastSuccessfulRun.WithLabelValues("unit")), 0.0)
}
