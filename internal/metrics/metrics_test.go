package metrics

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandlerServesPrometheusFormat(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("metrics handler returned an empty body")
	}
}

func TestObserveAckLatencyDoesNotPanic(t *testing.T) {
	ObserveAckLatency(15 * time.Millisecond)
}
