package obs

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Общие RPC-метрики
var (
	initOnce sync.Once

	grpcInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grpc_in_flight_requests",
		Help: "In-flight gRPC requests.",
	})

	grpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests.",
		},
		[]string{"method", "code"},
	)

	grpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_request_duration_seconds",
			Help:    "gRPC request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of ops HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service accepts traffic.",
	})
)

// Init registers the collectors in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(grpcInFlight, grpcRequestsTotal, grpcRequestDuration, httpRequestsTotal, ready)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the ready gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// MethodName returns the short RPC name of a full method such as
// "/authgate.v1.AuthService/Login".
func MethodName(fullMethod string) string {
	return path.Base(fullMethod)
}

// UnaryServerMetrics records RPS, latency and in-flight count per method.
func UnaryServerMetrics() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := MethodName(info.FullMethod)
		grpcInFlight.Inc()
		start := time.Now()

		resp, err := handler(ctx, req)

		grpcRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		grpcRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		grpcInFlight.Dec()
		return resp, err
	}
}

// Instrument counts ops HTTP requests by route pattern.
func Instrument(pattern func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		p := r.URL.Path
		if pattern != nil {
			if v := pattern(r); v != "" {
				p = v
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, p, strconv.Itoa(sw.code)).Inc()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
