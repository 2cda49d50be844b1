package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsRecorded.Add(3)
	m.Queries.WithLabelValues("count", OutcomeEmpty).Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsRecorded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues("count", OutcomeEmpty)))
	assert.Panics(t, func() { New(reg) })
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(204))
	assert.Equal(t, "4xx", StatusClass(404))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "unknown", StatusClass(0))
}
