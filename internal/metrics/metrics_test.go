package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Sample("accepted")
	m.Sample("accepted")
	m.Sample("invalid")
	m.AlertEvent("alert_created")
	m.ActiveRunners(7)
	m.SubscriberEvicted()
	m.PersistPending(3)
	m.Request("GET", "/api/v1/runners", 200, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.samples.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samples.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertEvents.WithLabelValues("alert_created")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.activeRunners))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.persistPending))
}

func TestMetrics_ReRegisterReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)
	a.Sample("accepted")
	b.Sample("accepted")
	assert.Equal(t, 2.0, testutil.ToFloat64(b.samples.WithLabelValues("accepted")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Sample("accepted")
		m.AlertEvent("alert_created")
		m.ActiveRunners(1)
		m.SubscriberEvicted()
		m.Persist("ok")
		m.PersistPending(0)
		m.StreamClients(0)
		m.Request("GET", "/", 200, time.Millisecond)
	})
}
