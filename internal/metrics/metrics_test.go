package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Transition("start")
	m.Transition("start")
	m.Rejected("start", "busy")
	m.Anomaly("client")
	m.ProfileUpdated()

	body := scrape(t, m)
	assert.Contains(t, body, `energy_session_transitions_total{transition="start"} 2`)
	assert.Contains(t, body, `energy_commands_rejected_total{command="start",reason="busy"} 1`)
	assert.Contains(t, body, `energy_anomalies_detected_total{kind="client"} 1`)
	assert.Contains(t, body, "energy_profile_updates_total 1")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("start")
		m.InvalidSample("accumulator")
		m.QueueLength(3)
	})
}
