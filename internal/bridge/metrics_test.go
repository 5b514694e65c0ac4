package bridge

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	// Gather only includes metrics registered with the default registerer.
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"stowage_bridge_requests_total",
		"stowage_bridge_request_seconds",
		"stowage_bridge_inflight_requests",
		"stowage_bridge_active_workers",
		"stowage_bridge_bootstrap_seconds",
		"stowage_bridge_disconnects_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}

	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRequestsTotalPreinitialized(t *testing.T) {
	fam := gatherFamily(t, "stowage_bridge_requests_total")

	// Seven data ops times four outcomes exist from startup.
	if got := len(fam.GetMetric()); got < 28 {
		t.Errorf("series = %d, want at least 28", got)
	}
}

func TestObserveRecordsOutcome(t *testing.T) {
	p := &Proxy{}
	before := counterValue(t, "stowage_bridge_requests_total", OpQuery, outcomeTimeout)

	p.observe(OpQuery, outcomeTimeout, time.Now())

	if got := counterValue(t, "stowage_bridge_requests_total", OpQuery, outcomeTimeout) - before; got != 1 {
		t.Errorf("requests_total{op=query,outcome=timeout} delta = %v, want 1", got)
	}
}

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

// counterValue returns the counter in family name whose op and outcome
// labels match.
func counterValue(t *testing.T, name, op, outcome string) float64 {
	t.Helper()
	for _, m := range gatherFamily(t, name).GetMetric() {
		labels := make(map[string]string)
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["op"] == op && labels["outcome"] == outcome {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("%s{op=%q,outcome=%q} not found", name, op, outcome)
	return 0
}
