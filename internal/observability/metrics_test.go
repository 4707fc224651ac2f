package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndServe(t *testing.T) {
	m := NewMetrics()
	m.RecordTurn("done", time.Second)
	m.RecordToolCall("execute_query", "success", 10*time.Millisecond)
	m.ObserveQuery("rejected", time.Millisecond)
	m.SessionOpened()

	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("done")); got != 1 {
		t.Fatalf("expected 1 done turn, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `sqlsight_queries_total{outcome="rejected"} 1`) {
		t.Fatalf("rejected query counter missing from exposition")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("done", time.Second)
	m.RecordModelCall("main_agent", "success", time.Second)
	m.SessionOpened()
	m.SessionClosed()
	m.MessageRateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
