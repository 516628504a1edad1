package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.PollCycles.Inc()
	m.Scans.WithLabelValues(ScanViolation).Inc()
	m.ActiveMonitors.Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollCycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Scans.WithLabelValues(ScanViolation)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "usbguard_active_monitors 2"))
	assert.True(t, strings.Contains(body, `usbguard_scans_total{result="violation"} 1`))
}
