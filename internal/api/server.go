// Package api exposes dispatch and reoptimization over HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetopt/internal/dispatch"
	"fleetopt/internal/metrics"
	"fleetopt/internal/notify"
	"fleetopt/internal/reopt"
	"fleetopt/internal/store"
)

// Checker is a readiness probe for one dependency.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a plain function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

type Server struct {
	Store    store.Store
	Dispatch *dispatch.Coordinator
	Reopt    *reopt.Controller
	Broker   notify.Broker
	// Ready names the dependencies /readyz pings.
	Ready map[string]Checker
	// RequestTimeout bounds the optimizer work behind one request.
	RequestTimeout time.Duration

	upgrader websocket.Upgrader
}

// Handler registers every route and wraps the mux in the logging and
// metrics middleware.
func (s *Server) Handler() http.Handler {
	s.upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orders", s.CreateOrderHandler)
	mux.HandleFunc("POST /v1/orders/{id}/assign", s.AssignHandler)
	mux.HandleFunc("POST /v1/orders/{id}/cancel", s.CancelHandler)

	mux.HandleFunc("PUT /v1/vehicles/{id}", s.UpsertVehicleHandler)
	mux.HandleFunc("GET /v1/vehicles/{id}/route", s.RouteHandler)
	mux.HandleFunc("PUT /v1/vehicles/{id}/location", s.LocationHandler)
	mux.HandleFunc("POST /v1/vehicles/{id}/stops/{stopId}/complete", s.CompleteStopHandler)

	mux.HandleFunc("POST /v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("POST /v1/events", s.ConditionHandler)
	mux.HandleFunc("GET /v1/events/ws", s.EventsWSHandler)
	mux.HandleFunc("GET /v1/admin/reoptimizations", s.ReoptHistoryHandler)

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return logMiddleware(mux)
}

func (s *Server) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.RequestTimeout)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	return h.Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		// the matched pattern keeps path ids out of the label set
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
		log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, rec.status, dur)
	})
}
