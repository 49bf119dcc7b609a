package metrics

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OracleRequests counts distance oracle calls by outcome (ok, no_route, error)
	OracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "oracle_requests_total", Help: "Distance oracle requests by outcome."},
		[]string{"outcome"},
	)
	// OpDuration tracks optimizer operations (matrix builds, rebuilds) in seconds
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimizer_op_duration_seconds", Help: "Optimizer operation duration in seconds.", Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}},
		[]string{"op", "status"},
	)
	// Assignments counts assignment decisions by outcome
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "assignments_total", Help: "Order assignment decisions by outcome."},
		[]string{"outcome"},
	)
	// Reoptimizations counts per-vehicle reoptimization outcomes
	Reoptimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reoptimizations_total", Help: "Per-vehicle reoptimization outcomes."},
		[]string{"outcome", "trigger"},
	)
	// Notifications counts event deliveries by sink and status
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_total", Help: "Notification deliveries by sink and status."},
		[]string{"sink", "status"},
	)
	// NotificationLatency tracks webhook delivery latencies in milliseconds
	NotificationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notification_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"sink", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OracleRequests)
		Registry.MustRegister(OpDuration)
		Registry.MustRegister(Assignments)
		Registry.MustRegister(Reoptimizations)
		Registry.MustRegister(Notifications)
		Registry.MustRegister(NotificationLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Time logs and observes the duration of op. Use as
//
//	defer metrics.Time("matrix.build")(&err)
func Time(op string) func(errp *error) {
	start := time.Now()
	return func(errp *error) {
		dur := time.Since(start)
		status := "ok"
		if errp != nil && *errp != nil {
			status = "error"
			log.Printf("op=%s dur=%dms err=%v", op, dur.Milliseconds(), *errp)
		} else {
			log.Printf("op=%s dur=%dms", op, dur.Milliseconds())
		}
		OpDuration.WithLabelValues(op, status).Observe(dur.Seconds())
	}
}
