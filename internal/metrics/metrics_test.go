package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

func gather(t *testing.T, m *Metrics, name string) []*dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, label string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == label {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetrics_RecordExecution(t *testing.T) {
	m := New()
	m.RecordExecution(execution.StatusCompleted, time.Second)
	m.RecordExecution(execution.StatusCompleted, 2*time.Second)
	m.RecordExecution(execution.StatusTimeout, 30*time.Second)

	counts := map[string]float64{}
	for _, metric := range gather(t, m, "cursor_bridge_executions_total") {
		counts[labelValue(metric, "status")] = metric.GetCounter().GetValue()
	}
	if counts["completed"] != 2 || counts["timeout"] != 1 {
		t.Errorf("executions_total = %v", counts)
	}

	hist := gather(t, m, "cursor_bridge_execution_duration_seconds")
	if len(hist) != 1 || hist[0].GetHistogram().GetSampleCount() != 3 {
		t.Errorf("duration histogram = %v", hist)
	}
}

func TestMetrics_QueueGauges(t *testing.T) {
	m := New()
	m.SetSlotsAvailable(3)
	m.SetQueueDepth(map[execution.Priority]int{execution.PriorityUrgent: 2})

	slots := gather(t, m, "cursor_bridge_queue_slots_available")
	if len(slots) != 1 || slots[0].GetGauge().GetValue() != 3 {
		t.Errorf("slots = %v", slots)
	}

	depth := map[string]float64{}
	for _, metric := range gather(t, m, "cursor_bridge_queue_depth") {
		depth[labelValue(metric, "priority")] = metric.GetGauge().GetValue()
	}
	if len(depth) != 4 || depth["urgent"] != 2 || depth["low"] != 0 {
		t.Errorf("queue_depth = %v", depth)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordExecution(execution.StatusFailed, time.Second)
	m.RecordBackendCall("local_tmux", "ok")
	m.IncRetries()
	m.IncTruncated()
	m.SetSlotsAvailable(1)
	m.SetQueueDepth(nil)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordBackendCall("local_shell", "ok")
	m.IncRetries()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`cursor_bridge_backend_calls_total{kind="local_shell",result="ok"} 1`,
		"cursor_bridge_retries_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncTruncated()
	if got := gather(t, b, "cursor_bridge_output_truncated_total"); len(got) != 1 || got[0].GetCounter().GetValue() != 0 {
		t.Errorf("registries should be independent: %v", got)
	}
}
