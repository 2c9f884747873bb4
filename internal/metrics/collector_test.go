package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCountersAndGauges(t *testing.T) {
	c := NewCollector()

	c.Inc("tasks_total")
	c.Add("tasks_total", 4)
	if got := c.CounterValue("tasks_total"); got != 5 {
		t.Fatalf("expected counter 5, got %d", got)
	}

	c.SetGauge("queue_depth", 12)
	c.SetGauge("queue_depth", 7)
	if got := c.GaugeValue("queue_depth"); got != 7 {
		t.Fatalf("gauge should hold the last set value, got %g", got)
	}

	if c.CounterValue("never_seen") != 0 {
		t.Fatal("unknown counter must read zero")
	}
	if c.GaugeValue("never_seen") != 0 {
		t.Fatal("unknown gauge must read zero")
	}
}

func TestLabeledSeriesAreIndependent(t *testing.T) {
	c := NewCollector()
	c.Inc("agent_tasks_total", "agent", "aml")
	c.Inc("agent_tasks_total", "agent", "aml")
	c.Inc("agent_tasks_total", "agent", "kyc")

	if got := c.CounterValue("agent_tasks_total", "agent", "aml"); got != 2 {
		t.Fatalf("aml series: expected 2, got %d", got)
	}
	if got := c.CounterValue("agent_tasks_total", "agent", "kyc"); got != 1 {
		t.Fatalf("kyc series: expected 1, got %d", got)
	}
	if got := c.CounterValue("agent_tasks_total"); got != 0 {
		t.Fatalf("unlabeled series is distinct, expected 0, got %d", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc("hits_total")
			}
		}()
	}
	wg.Wait()
	if got := c.CounterValue("hits_total"); got != 8000 {
		t.Fatalf("expected 8000, got %d", got)
	}
}

func TestPrometheusFormat(t *testing.T) {
	c := NewCollector()
	c.Inc("tasks_total")
	c.Inc("agent_tasks_total", "agent", "aml")
	c.SetGauge("queue_depth", 3)

	out := c.PrometheusFormat()
	for _, want := range []string{
		"tasks_total 1",
		`agent_tasks_total{agent="aml"} 1`,
		"queue_depth 3",
		"process_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.Inc("tasks_total")

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "tasks_total 1") {
		t.Fatalf("body missing counter:\n%s", rec.Body.String())
	}
}
