package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	response, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestHandlerExposesEngineCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.TransitionsReceived.WithLabelValues("entry", "mqtt").Inc()
	m.ThrottleRejected.WithLabelValues("limit_reached").Add(2)
	m.ArmedRegions.Set(3)

	text := scrape(t, m)
	for _, want := range []string{
		`geofencing_transitions_received_total{event="entry",source="mqtt"} 1`,
		`geofencing_throttle_rejected_total{reason="limit_reached"} 2`,
		`geofencing_armed_regions 3`,
		`go_goroutines`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output misses %q", want)
		}
	}
}

func TestNewUsesIndependentRegistries(t *testing.T) {
	t.Parallel()

	first := New()
	second := New()
	first.ReportsSent.Inc()
	if text := scrape(t, second); !strings.Contains(text, "geofencing_reports_sent_total 0") {
		t.Fatalf("registries must be independent")
	}
}
