package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewMetricsCollector()

	ctr := c.Counter("x_total", "help", "")
	ctr.Inc()
	ctr.Add(2)
	if c.Counter("x_total", "help", "").Value() != 3 {
		t.Errorf("expected the same counter instance to be returned")
	}

	g := c.Gauge("x_gauge", "help", "")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Errorf("gauge = %d, want 9", g.Value())
	}
}

func TestHistogramAddsInfBucket(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat_seconds", "latency", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(7)

	var sb strings.Builder
	if _, err := c.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{
		`lat_seconds_bucket{le="0.1"} 1`,
		`lat_seconds_bucket{le="1"} 2`,
		`lat_seconds_bucket{le="+Inf"} 3`,
		`lat_seconds_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestRecorder(t *testing.T) {
	c := NewMetricsCollector()
	r := Recorder{C: c}

	r.Ingested("twilio-main", "success", 20*time.Millisecond)
	r.Ingested("twilio-main", "success", 30*time.Millisecond)
	r.Ingested("twilio-main", "duplicate", time.Millisecond)
	r.Duplicate("provider_id")
	r.StageFailed("media")
	r.SignatureRejected("slack-main", "SIGNATURE_INVALID")

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE commhub_messages_total counter",
		`commhub_messages_total{provider="twilio-main",status="success"} 2`,
		`commhub_messages_total{provider="twilio-main",status="duplicate"} 1`,
		`commhub_duplicates_total{type="provider_id"} 1`,
		`commhub_stage_failures_total{stage="media"} 1`,
		`commhub_signature_rejections_total{provider="slack-main",code="SIGNATURE_INVALID"} 1`,
		`commhub_ingest_duration_seconds_count{status="success"} 2`,
		"commhub_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if strings.Count(body, "# TYPE commhub_messages_total counter") != 1 {
		t.Error("TYPE line should be written once per metric name")
	}
}

func TestLabelEscaping(t *testing.T) {
	if got := Label("k", `a"b\c`); got != `k="a\"b\\c"` {
		t.Errorf("Label = %s", got)
	}
}
