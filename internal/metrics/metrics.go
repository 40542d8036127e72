package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xtrntr/escrowmarket/internal/models"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowmarket_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowmarket_events_total",
		Help: "Committed marketplace events by type",
	}, []string{"type"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowmarket_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	refundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowmarket_wallet_refund_failures_total",
		Help: "Attached value that could not be returned to a wallet after a rejected call",
	})
)

// EventCounter is an engine emitter that counts committed events by type
type EventCounter struct{}

// Emit implements the marketplace emitter contract.
func (EventCounter) Emit(ev models.Event) {
	eventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

// RateLimited records a request rejected by the rate limiter
func RateLimited() { rateLimited.Inc() }

// RefundFailed records attached value that was debited from a wallet but
// could not be returned
func RefundFailed() { refundFailures.Inc() }

// RegisterCustody exposes the value held by the marketplace as a gauge read
// at scrape time.
func RegisterCustody(reg prometheus.Registerer, custody func() *uint256.Int) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "escrowmarket_custody_value",
		Help: "Total value held by the marketplace, in base units",
	}, func() float64 {
		return ToFloat(custody())
	}))
}

// ToFloat converts a 256-bit amount for reporting. Precision beyond float64
// is lost.
func ToFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// Middleware records request counts and latency per route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
