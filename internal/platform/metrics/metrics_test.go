package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	rec := NewWithRegistry(prometheus.NewRegistry())

	rec.OrderCreated(true)
	rec.OrderCreated(false)
	rec.OrderCreated(true)
	rec.Settlement("paid")
	rec.SweepCompleted(3, nil)
	rec.SweepCompleted(1, errors.New("firestore unavailable"))
	rec.InvoiceStageFailed("deliver")

	if got := testutil.ToFloat64(rec.ordersCreated.WithLabelValues("true")); got != 2 {
		t.Fatalf("expected 2 coupon orders, got %v", got)
	}
	if got := testutil.ToFloat64(rec.settlements.WithLabelValues("paid")); got != 1 {
		t.Fatalf("expected 1 paid settlement, got %v", got)
	}
	if got := testutil.ToFloat64(rec.sweeperDeleted); got != 4 {
		t.Fatalf("expected 4 deleted orders, got %v", got)
	}
	if got := testutil.ToFloat64(rec.sweeperRuns.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed sweep, got %v", got)
	}
	if got := testutil.ToFloat64(rec.invoiceFailures.WithLabelValues("deliver")); got != 1 {
		t.Fatalf("expected 1 deliver failure, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.OrderCreated(true)
	rec.ObserveGateway("ok", time.Second)
	rec.ObserveHTTP("GET", "/", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil recorder, got %d", rr.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	rec := NewWithRegistry(prometheus.NewRegistry())
	rec.ObserveHTTP("POST", "/api/v1/orders", 201, 20*time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rr.Body.String(), `ticketbooth_http_request_duration_seconds_count{method="POST",route="/api/v1/orders",status="201"} 1`) {
		t.Fatalf("expected http histogram in output:\n%s", rr.Body.String())
	}
}
