package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config holds the server's configuration options.
type Config struct {
	// List of allowed origins for CORS requests on handlers registered with
	// HandleWithCORS. If none are indicated, CORS requests are disabled.
	// Passing in "*" will allow any domain.
	AllowedOrigins []string

	// TrustProxyHeaders makes the request scheme and remote address follow
	// X-Forwarded-* headers. Only enable this behind a proxy that sets them.
	TrustProxyHeaders bool

	// Health is called by /healthz. A nil Health always reports healthy.
	Health func(ctx context.Context) error

	Logger logrus.FieldLogger

	PrometheusRegistry *prometheus.Registry
}

// Server routes requests to named, instrumented handlers.
type Server struct {
	mux     *mux.Router
	handler http.Handler

	allowedOrigins []string
	health         func(ctx context.Context) error
	requestCounter *prometheus.CounterVec

	logger logrus.FieldLogger
}

// New constructs a server from the provided config.
func New(c Config) (*Server, error) {
	if c.PrometheusRegistry == nil {
		return nil, errors.New("server: prometheus registry cannot be nil")
	}

	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Count of all HTTP requests.",
	}, []string{"handler", "code", "method"})

	if err := c.PrometheusRegistry.Register(requestCounter); err != nil {
		return nil, errors.Wrap(err, "server: Failed to register Prometheus HTTP metrics")
	}

	s := &Server{
		mux:            mux.NewRouter(),
		allowedOrigins: c.AllowedOrigins,
		health:         c.Health,
		requestCounter: requestCounter,
		logger:         c.Logger,
	}
	s.mux.NotFoundHandler = http.HandlerFunc(http.NotFound)

	s.Handle("healthz", "/healthz", http.HandlerFunc(s.handleHealth)).Methods(http.MethodGet)
	s.Handle("metrics", "/metrics", promhttp.HandlerFor(c.PrometheusRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var h http.Handler = s.mux
	if c.TrustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}
	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(c.Logger),
		handlers.PrintRecoveryStack(true),
	)(h)

	return s, nil
}

// Router returns the underlying router, to add middleware or reverse routes.
func (s *Server) Router() *mux.Router {
	return s.mux
}

// Handle registers h at path. name is used both as the mux route name and as
// the handler label on the request metrics.
func (s *Server) Handle(name, path string, h http.Handler) *mux.Route {
	return s.mux.Handle(path, s.instrument(name, h)).Name(name)
}

// HandleWithCORS is Handle, allowing cross origin requests from the
// configured origins.
func (s *Server) HandleWithCORS(name, path string, h http.Handler) *mux.Route {
	if len(s.allowedOrigins) > 0 {
		corsOption := handlers.AllowedOrigins(s.allowedOrigins)
		h = handlers.CORS(corsOption)(h)
	}
	return s.Handle(name, path, h)
}

func (s *Server) instrument(handlerName string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, w, r)
		s.requestCounter.With(prometheus.Labels{"handler": handlerName, "code": strconv.Itoa(m.Code), "method": r.Method}).Inc()
		s.logger.WithFields(logrus.Fields{
			"handler":  handlerName,
			"method":   r.Method,
			"path":     r.URL.Path,
			"code":     m.Code,
			"duration": m.Duration.Round(time.Microsecond).String(),
		}).Debug("request")
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.WithError(err).Error("health check failed")
			http.Error(w, "Health check failed.", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Health check passed"))
}
