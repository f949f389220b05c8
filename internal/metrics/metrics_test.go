package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsLint(t *testing.T) {
	collectors := map[string]prometheus.Collector{
		"probes":          Probes,
		"renders":         Renders,
		"forwards":        Forwards,
		"render_latency":  RenderLatency,
		"tile_duration":   TileDuration,
		"tiles_in_flight": TilesInFlight,
		"runs":            Runs,
		"breaker_state":   CircuitBreakerState,
	}

	for name, c := range collectors {
		problems, err := testutil.CollectAndLint(c)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for _, p := range problems {
			t.Errorf("%s: %s: %s", name, p.Metric, p.Text)
		}
	}
}

func TestRunsCounter(t *testing.T) {
	before := testutil.ToFloat64(Runs.WithLabelValues("completed"))
	Runs.WithLabelValues("completed").Inc()
	if got := testutil.ToFloat64(Runs.WithLabelValues("completed")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
