package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestDispatchMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"JobsDispatchedTotal", JobsDispatchedTotal},
		{"JobsCompletedTotal", JobsCompletedTotal},
		{"JobsRunning", JobsRunning},
		{"JobDuration", JobDuration},
		{"FinalizeTotal", FinalizeTotal},
		{"RemoteCommandsTotal", RemoteCommandsTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestCounterIncrements(t *testing.T) {
	counter := QueueOperationsTotal.WithLabelValues("add", Status(""))
	before := counterValue(t, counter)
	counter.Inc()
	if got := counterValue(t, counter); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestStatus(t *testing.T) {
	if Status("") != "ok" {
		t.Errorf("expected ok for empty kind")
	}
	if Status("capacity") != "capacity" {
		t.Errorf("expected kind passthrough")
	}
}
