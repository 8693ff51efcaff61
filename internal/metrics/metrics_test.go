package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	PingsIngested.Inc()
	EventsPublished.WithLabelValues("positions").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"groupride_pings_ingested_total", "groupride_events_published_total{kind=\"positions\"}"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in output", name)
		}
	}
}
