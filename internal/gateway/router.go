// Package gateway implements the front-end: two listeners, the routing
// decision, the middleware chain, and reverse proxying to backend targets.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeline/edgeline/internal/certs"
	"github.com/edgeline/edgeline/internal/registry"
	"github.com/edgeline/edgeline/pkg/domain"
)

// Recorder receives routing and request metrics.
type Recorder interface {
	RecordRequest(service string, code int, duration time.Duration)
	RecordRouteError(kind string)
}

// Router matches requests against the service registry and drives the
// middleware chain and backend selection.
type Router struct {
	registry *registry.Registry
	certs    *certs.Manager
	logger   *slog.Logger
	metrics  Recorder

	rr      sync.Map // service id -> *atomic.Uint64 round-robin cursor
	proxies sync.Map // target address -> *httputil.ReverseProxy
	tlsPort string   // appended to redirect locations when non-standard
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) RouterOption {
	return func(rt *Router) { rt.metrics = rec }
}

// WithTLSPort sets the port used when redirecting plaintext requests to the
// TLS entrypoint. Empty means the default 443.
func WithTLSPort(port string) RouterOption {
	return func(rt *Router) { rt.tlsPort = port }
}

// NewRouter creates a router over the registry and certificate manager. The
// certificate manager may be nil when the TLS entrypoint is not served.
func NewRouter(reg *registry.Registry, certMgr *certs.Manager, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{registry: reg, certs: certMgr, logger: logger}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Handler returns the http.Handler for one listener. viaTLS marks whether the
// listener terminates TLS.
func (rt *Router) Handler(viaTLS bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.handle(w, r, viaTLS)
	})
}

func (rt *Router) handle(w http.ResponseWriter, r *http.Request, viaTLS bool) {
	start := time.Now()

	entry, err := rt.registry.Match(r.Host, r.URL.Path)
	if err != nil {
		if errors.Is(err, domain.ErrServiceNotFound) {
			rt.recordRouteError("not_found")
			http.Error(w, "no such service", http.StatusNotFound)
			return
		}
		rt.logger.Error("routing failed", "host", r.Host, "error", err)
		http.Error(w, "routing failed", http.StatusInternalServerError)
		return
	}

	// A plaintext request for a TLS-only service is redirected, not proxied.
	if entry.Entrypoint == domain.EntrypointTLS && !viaTLS {
		rt.redirectToTLS(w, r)
		return
	}

	if entry.Entrypoint == domain.EntrypointTLS && rt.certs != nil {
		if rt.certs.State(hostOnly(r.Host)) != certs.StateValid {
			rt.unavailable(w, entry.ID,
				fmt.Errorf("certificate for %s not ready: %w", hostOnly(r.Host), domain.ErrServiceUnavailable))
			return
		}
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	for _, spec := range entry.Middlewares {
		if stop := rt.applyMiddleware(sw, r, spec); stop {
			rt.recordRequest(entry.ID, sw.status, start)
			return
		}
	}

	target, ok := rt.nextTarget(entry)
	if !ok {
		rt.unavailable(w, entry.ID, fmt.Errorf("no healthy targets: %w", domain.ErrServiceUnavailable))
		return
	}

	rt.proxyFor(target.Address).ServeHTTP(sw, r)
	rt.recordRequest(entry.ID, sw.status, start)
}

// nextTarget selects a backend by round-robin over the healthy targets.
func (rt *Router) nextTarget(entry domain.ServiceEntry) (domain.Target, bool) {
	healthy := entry.HealthyTargets()
	if len(healthy) == 0 {
		return domain.Target{}, false
	}
	cursorAny, _ := rt.rr.LoadOrStore(entry.ID, new(atomic.Uint64))
	cursor := cursorAny.(*atomic.Uint64)
	n := cursor.Add(1) - 1
	return healthy[n%uint64(len(healthy))], true
}

func (rt *Router) redirectToTLS(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	if rt.tlsPort != "" && rt.tlsPort != "443" {
		host = host + ":" + rt.tlsPort
	}
	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

func (rt *Router) recordRequest(service string, code int, start time.Time) {
	if rt.metrics != nil {
		rt.metrics.RecordRequest(service, code, time.Since(start))
	}
}

// unavailable answers 503 for a matched entry that cannot take traffic.
func (rt *Router) unavailable(w http.ResponseWriter, service string, err error) {
	rt.recordRouteError("unavailable")
	rt.logger.Warn("service unavailable", "service", service, "error", err)
	http.Error(w, "service unavailable", http.StatusServiceUnavailable)
}

func (rt *Router) recordRouteError(kind string) {
	if rt.metrics != nil {
		rt.metrics.RecordRouteError(kind)
	}
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Hijacker and Flusher on the
// underlying writer, which the proxy needs for protocol upgrades.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
