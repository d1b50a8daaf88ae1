package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// value reads one sample from the registry; 0 when absent.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestRecordDispatch(t *testing.T) {
	m := NewMetrics()
	m.RecordDispatch("message", "target", nil)
	m.RecordDispatch("message", "target", nil)
	m.RecordDispatch("message", "legacy", errors.New("boom"))

	got := value(t, m, "nok_router_dispatch_total", map[string]string{"operation": "message", "backend": "target", "result": "ok"})
	if got != 2 {
		t.Errorf("target ok = %v, want 2", got)
	}
	got = value(t, m, "nok_router_dispatch_total", map[string]string{"operation": "message", "backend": "legacy", "result": "error"})
	if got != 1 {
		t.Errorf("legacy error = %v, want 1", got)
	}
}

func TestSetMode(t *testing.T) {
	m := NewMetrics()
	modes := []string{"legacy", "target", "hybrid"}
	m.SetMode("hybrid", modes)
	m.SetMode("target", modes)

	if value(t, m, "nok_router_mode", map[string]string{"mode": "target"}) != 1 {
		t.Error("target should be active")
	}
	if value(t, m, "nok_router_mode", map[string]string{"mode": "hybrid"}) != 0 {
		t.Error("hybrid should be cleared")
	}
}

func TestIndependentInstances(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.SetBackendUp("legacy", true)
	if value(t, b, "nok_backend_connected", map[string]string{"backend": "legacy"}) != 0 {
		t.Error("instances share state")
	}
	if value(t, a, "nok_backend_connected", map[string]string{"backend": "legacy"}) != 1 {
		t.Error("gauge not set")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("knock", "legacy", nil)
	m.SetBackendUp("legacy", true)
	m.SetMode("hybrid", []string{"hybrid"})
	m.RecordEntity("user", nil)
	m.RecordStage("backup", 0.1)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordEntity("room", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `nok_migration_entities_total{kind="room",result="ok"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", body)
	}
}
