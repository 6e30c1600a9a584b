package worker

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meter is the service's otel instrument provider. Constructed against
// whatever MeterProvider is globally registered (a no-op one if the process
// never wires an exporter), matching the spec §1 decision to treat metrics
// as an external collaborator rather than a component in its own right.
var meter = otel.GetMeterProvider().Meter("thinkdrop-user-memory-service/worker")

var (
	requestCounter, _ = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("count of HTTP requests by route and status"),
	)
	requestDuration, _ = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
)

// statusRecorder captures the status code written by downstream handlers so
// the metrics middleware can label the duration/count instruments with it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records a request counter and latency histogram per
// route, tagged with method and status code.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
		attrs := []attribute.KeyValue{
			attribute.String("route", r.URL.Path),
			attribute.String("method", r.Method),
			attribute.String("status", strconv.Itoa(rec.status)),
		}
		requestCounter.Add(r.Context(), 1, metric.WithAttributes(attrs...))
		requestDuration.Record(r.Context(), elapsedMs, metric.WithAttributes(attrs...))
	})
}
