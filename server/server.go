// Package server exposes a service.Provider over HTTP using the FHIR
// terminology operations and the Parameters wire format that remote.Client
// speaks, so one txcache instance can serve as the remote of another.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/service"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "txcache"

// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
const ShutdownTimeout = 10 * time.Second

// Server is the HTTP terminology facade.
type Server struct {
	provider   service.Provider
	router     *mux.Router
	registry   *prometheus.Registry
	metrics    *Metrics
	invalidate func()
	version    string
	log        zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithCollectors registers extra collectors, e.g. cache statistics.
func WithCollectors(cs ...prometheus.Collector) Option {
	return func(s *Server) {
		for _, c := range cs {
			s.registry.MustRegister(c)
		}
	}
}

// WithInvalidator sets what DELETE /cache calls. Defaults to the
// provider's InvalidateCaches.
func WithInvalidator(fn func()) Option {
	return func(s *Server) {
		s.invalidate = fn
	}
}

// WithVersion sets the software version reported by /metadata.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New creates a Server for provider. Options are applied in order, so
// WithRegistry must precede WithCollectors.
func New(provider service.Provider, opts ...Option) *Server {
	s := &Server{
		provider:   provider,
		registry:   prometheus.NewRegistry(),
		invalidate: provider.InvalidateCaches,
		version:    "dev",
		log:        logger.Component("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.MustRegister(collectors.NewGoCollector())
	s.metrics = NewMetrics(MetricsNamespace, s.registry)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, s.logRequests, s.observe)

	r.HandleFunc("/ValueSet/$validate-code", s.handleValidateCode("ValueSet")).Methods(http.MethodPost)
	r.HandleFunc("/CodeSystem/$validate-code", s.handleValidateCode("CodeSystem")).Methods(http.MethodPost)
	r.HandleFunc("/CodeSystem/$lookup", s.handleLookup).Methods(http.MethodPost)
	r.HandleFunc("/ValueSet/$expand", s.handleExpand).Methods(http.MethodPost)
	r.HandleFunc("/ConceptMap/$translate", s.handleTranslate).Methods(http.MethodPost)

	r.HandleFunc("/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/CodeSystem", s.handleSearch("CodeSystem")).Methods(http.MethodGet)
	r.HandleFunc("/ValueSet", s.handleSearch("ValueSet")).Methods(http.MethodGet)

	r.HandleFunc("/cache", s.handleInvalidate).Methods(http.MethodDelete)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, notFoundIssue(fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path)))
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the Prometheus registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("terminology server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		s.log.Info().Msg("shutting down terminology server")
		return srv.Shutdown(shutdownCtx)
	}
}
