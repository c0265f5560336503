package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ticketbooth/api/internal/platform/requestctx"
)

func TestEventLoggerLevelsAndOrderID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(core))

	ctx := requestctx.WithOrderID(context.Background(), "ord_1")
	logEvent(ctx, "orders.invoice.deliver_failed", map[string]any{"attempts": 3, "error": errors.New("smtp down")})
	logEvent(ctx, "orders.payment.paid", nil)

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for failure event, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Fatalf("expected info, got %s", entries[1].Level)
	}
	fields := entries[0].ContextMap()
	if fields["orderId"] != "ord_1" {
		t.Fatalf("expected orderId from context, got %v", fields["orderId"])
	}
	if fields["error"] != "smtp down" {
		t.Fatalf("expected error field, got %v", fields["error"])
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"jane@example.com": "j***@example.com",
		"not-an-email":     "***",
		"@example.com":     "***",
	}
	for input, want := range cases {
		if got := MaskEmail(input); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", sc.TraceID())
	}
	if sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span id %s", sc.SpanID())
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatal("expected sampled remote span context")
	}

	if _, ok := parseCloudTraceContext("garbage"); ok {
		t.Fatal("expected malformed header to be rejected")
	}
}

func TestRecoveryAndRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	var observedStatus int
	var observedRoute string
	observe := func(method, route string, status int, elapsed time.Duration) {
		observedStatus = status
		observedRoute = route
	}

	router := chi.NewRouter()
	router.Use(RequestLoggerMiddleware(logger, observe), RecoveryMiddleware(logger))
	router.Get("/orders/{id}", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if observedStatus != http.StatusInternalServerError || observedRoute != "/orders/{id}" {
		t.Fatalf("unexpected observation %d %s", observedStatus, observedRoute)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected panic to be logged")
	}
	if logs.FilterMessage("request completed").Len() != 1 {
		t.Fatal("expected completion log")
	}
}
