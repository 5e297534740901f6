package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordFeedRequest("ok")
	m.RecordFeedRequest("ok")
	m.RecordFeedRequest("gap")
	m.RecordInserted(34)
	m.RecordInserted(0)
	m.RecordNotification("sent")
	m.RecordNotification("recipient_gone")
	m.ObservePass("ingest", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(m.FeedRequestsTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 ok feed requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.ObservationsInserted); got != 34 {
		t.Fatalf("expected 34 inserted, got %v", got)
	}
	if got := testutil.ToFloat64(m.PassErrorsTotal.WithLabelValues("ingest")); got != 1 {
		t.Fatalf("expected 1 pass error, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordFeedRequest("ok")
	m.RecordInserted(1)
	m.RecordPendingFlags(1)
	m.RecordNotification("sent")
	m.RecordLastObservation(time.Now())
	m.ObservePass("notify", time.Now(), nil)
	m.RecordCommand("start")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordNotification("sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `ratesbot_notifications_total{outcome="sent"} 1`) {
		t.Fatalf("指标输出缺少 notifications_total:\n%s", body)
	}
}
