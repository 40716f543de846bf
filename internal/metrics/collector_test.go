package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_RegistrationIsIdempotent(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", `op="send"`)
	b := c.Counter("x_total", "x", `op="send"`)
	if a != b {
		t.Fatal("expected the same counter for the same name and labels")
	}
	if c.Counter("x_total", "x", `op="edit"`) == a {
		t.Fatal("different labels must yield a different counter")
	}
}

func TestCollector_RenderCountersAndGauges(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("teamwire_mutations_total", "Mutation requests issued", `op="send"`).Add(3)
	c.Counter("teamwire_mutations_total", "Mutation requests issued", `op="edit"`).Inc()
	c.Gauge("teamwire_connected", "connected", "").Set(1)

	out := c.Render()
	for _, want := range []string{
		`teamwire_mutations_total{op="send"} 3`,
		`teamwire_mutations_total{op="edit"} 1`,
		"teamwire_connected 1",
		"# TYPE teamwire_mutations_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Count(out, "# HELP teamwire_mutations_total") != 1 {
		t.Error("HELP line should be written once per metric name")
	}
	if strings.Index(out, `op="edit"`) > strings.Index(out, `op="send"`) {
		t.Error("series should be rendered in sorted order")
	}
}

func TestCollector_RenderHistogram(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat_seconds", "latency", `op="send"`, []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	out := c.Render()
	for _, want := range []string{
		`lat_seconds_bucket{op="send",le="0.1"} 1`,
		`lat_seconds_bucket{op="send",le="1"} 2`,
		`lat_seconds_bucket{op="send",le="+Inf"} 3`,
		`lat_seconds_count{op="send"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if h.Count() != 3 {
		t.Errorf("expected 3 observations, got %d", h.Count())
	}
}

func TestHandler_ContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsCollector().Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "teamwire_uptime_seconds") {
		t.Error("missing uptime gauge")
	}
}
