package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordAPIRequest("http", "GET", "/tests/ping", 200, 12*time.Millisecond)
	RecordTransportSelection("http", 40*time.Millisecond, true)
	RecordDNSQuery("google", "ok", 8*time.Millisecond)
	RecordServedRequest("POST", "/auth", 200)

	before := testutil.ToFloat64(sessionRefreshes.WithLabelValues("refreshed"))
	RecordRefresh("refreshed")
	if got := testutil.ToFloat64(sessionRefreshes.WithLabelValues("refreshed")); got != before+1 {
		t.Fatalf("refresh counter got=%v want=%v", got, before+1)
	}
}
