package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_sync_passes_total",
		Help: "Total number of per-connection sync passes.",
	}, []string{"provider", "reason", "result"})

	syncPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_sync_pass_duration_seconds",
		Help:    "Histogram of sync pass wall-clock durations.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider"})

	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_provider_call_duration_seconds",
		Help:    "Histogram of outbound provider API call latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	webhookNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_webhook_notifications_total",
		Help: "Total number of inbound webhook notifications.",
	}, []string{"provider", "result"})

	pushOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_push_outcomes_total",
		Help: "Total number of local-to-provider push attempts by outcome.",
	}, []string{"provider", "result"})

	subscriptionRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_subscription_renewals_total",
		Help: "Total number of webhook subscription renewal attempts.",
	}, []string{"provider", "result"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveSyncPass records the outcome and duration of one sync pass.
func ObserveSyncPass(provider, reason, result string, start time.Time) {
	syncPassesTotal.WithLabelValues(provider, reason, result).Inc()
	syncPassDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// ObserveProviderCall records the latency of one outbound provider API call.
func ObserveProviderCall(provider, operation string, start time.Time) {
	providerCallDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// CountWebhookNotification records an inbound webhook notification outcome.
func CountWebhookNotification(provider, result string) {
	webhookNotificationsTotal.WithLabelValues(provider, result).Inc()
}

// CountPushOutcome records the outcome of a local-to-provider push attempt.
func CountPushOutcome(provider, result string) {
	pushOutcomesTotal.WithLabelValues(provider, result).Inc()
}

// CountSubscriptionRenewal records a subscription renewal attempt outcome.
func CountSubscriptionRenewal(provider, result string) {
	subscriptionRenewalsTotal.WithLabelValues(provider, result).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
