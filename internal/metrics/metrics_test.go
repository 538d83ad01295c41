package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kit "feedrelay/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]*dto.MetricFamily{}
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollectorCounters(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, Gauges{})

	c.ObserveCheck("checked", 3, 120*time.Millisecond)
	c.ObserveCheck("failed", 0, time.Second)
	c.ObserveSend(kit.OpSendMessage, nil, 50*time.Millisecond)
	c.ObserveSend(kit.OpSendMessage, &kit.SendError{Op: kit.OpSendMessage, Code: 429}, 0)
	c.ObserveDrop("max_retries")
	c.ObserveConnection(errors.New("dial tcp: connection refused"), 0)

	mfs := gather(t, reg)
	if v := mfs["feedrelay_items_queued_total"].GetMetric()[0].GetCounter().GetValue(); v != 3 {
		t.Errorf("items_queued_total = %v", v)
	}
	if n := len(mfs["feedrelay_feed_checks_total"].GetMetric()); n != 2 {
		t.Errorf("feed_checks_total series = %d", n)
	}
	results := map[string]float64{}
	for _, m := range mfs["feedrelay_delivery_sends_total"].GetMetric() {
		results[labelValue(m, "result")] = m.GetCounter().GetValue()
	}
	if results["ok"] != 1 || results["rate_limited"] != 1 {
		t.Errorf("sends by result = %v", results)
	}
	if m := mfs["feedrelay_connection_probes_total"].GetMetric()[0]; labelValue(m, "result") != "connection_refused" {
		t.Errorf("probe label = %q", labelValue(m, "result"))
	}
	if m := mfs["feedrelay_delivery_drops_total"].GetMetric()[0]; labelValue(m, "reason") != "max_retries" {
		t.Errorf("drop label = %q", labelValue(m, "reason"))
	}
}

func TestCollectorGaugesAndHandler(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	depth := 4.0
	NewCollector(reg, Gauges{QueueDepth: func() float64 { return depth }})

	mfs := gather(t, reg)
	if v := mfs["feedrelay_queue_depth"].GetMetric()[0].GetGauge().GetValue(); v != 4 {
		t.Fatalf("queue_depth = %v", v)
	}
	if _, ok := mfs["feedrelay_health_status"]; ok {
		t.Fatal("nil gauge registered")
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 || !strings.Contains(string(body), "feedrelay_queue_depth 4") {
		t.Fatalf("scrape %d:\n%s", rec.Code, body)
	}
}

func TestCollectorCounterFuncs(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	NewCollector(reg, Gauges{OpsLogDropped: func() float64 { return 7 }})

	mfs := gather(t, reg)
	if v := mfs["feedrelay_ops_log_dropped_total"].GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Fatalf("ops_log_dropped_total = %v", v)
	}
	if _, ok := mfs["feedrelay_events_dropped_total"]; ok {
		t.Fatal("nil counter registered")
	}
}
