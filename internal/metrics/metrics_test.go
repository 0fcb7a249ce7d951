package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsSingleton(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a != b {
		t.Fatalf("NewMetrics() returned different instances")
	}

	before := testutil.ToFloat64(a.TestTotal.WithLabelValues("metrics_test", "pass"))
	b.TestTotal.WithLabelValues("metrics_test", "pass").Inc()
	if got := testutil.ToFloat64(a.TestTotal.WithLabelValues("metrics_test", "pass")); got != before+1 {
		t.Errorf("tests_total = %v, want %v", got, before+1)
	}
}
