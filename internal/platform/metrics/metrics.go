package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticketbooth"

// Recorder holds the order pipeline collectors. A nil *Recorder is valid and records nothing,
// which keeps tests free of registry plumbing.
type Recorder struct {
	gatherer prometheus.Gatherer

	ordersCreated   *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	sweeperDeleted  prometheus.Counter
	sweeperRuns     *prometheus.CounterVec
	invoiceFailures *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	httpDuration    *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go runtime and process
// collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		ordersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders persisted in pending state, by whether a coupon was applied.",
		}, []string{"coupon"}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Payment settlement transitions by outcome.",
		}, []string{"outcome"}),
		sweeperDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_deleted_orders_total",
			Help:      "Expired pending orders removed by the sweeper.",
		}),
		sweeperRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_runs_total",
			Help:      "Sweeper passes by result.",
		}, []string{"result"}),
		invoiceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_stage_failures_total",
			Help:      "Invoice pipeline stage failures.",
		}, []string{"stage"}),
		gatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_gateway_request_seconds",
			Help:      "Latency of payment session requests.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// OrderCreated counts a newly persisted order.
func (r *Recorder) OrderCreated(withCoupon bool) {
	if r == nil {
		return
	}
	r.ordersCreated.WithLabelValues(strconv.FormatBool(withCoupon)).Inc()
}

// Settlement counts a settlement transition; outcome is a terminal or initiated status.
func (r *Recorder) Settlement(outcome string) {
	if r == nil {
		return
	}
	r.settlements.WithLabelValues(outcome).Inc()
}

// SweepCompleted records one sweeper pass.
func (r *Recorder) SweepCompleted(deleted int, err error) {
	if r == nil {
		return
	}
	r.sweeperDeleted.Add(float64(deleted))
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.sweeperRuns.WithLabelValues(result).Inc()
}

// InvoiceStageFailed counts a failed invoice pipeline stage.
func (r *Recorder) InvoiceStageFailed(stage string) {
	if r == nil {
		return
	}
	r.invoiceFailures.WithLabelValues(stage).Inc()
}

// ObserveGateway records a payment gateway call.
func (r *Recorder) ObserveGateway(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.gatewayLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveHTTP matches observability.RequestObserver.
func (r *Recorder) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
