// Package controlapi is the HTTP/JSON/WebSocket control channel: the
// surface a call-control client uses to admit a pending request into
// proxycore, to answer an incoming INVITE directly via dialogmaker, and to
// receive the asynchronous outcome of either over a websocket.
package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sipproxy/sipproxy/internal/controlapi/middleware"
	"github.com/sipproxy/sipproxy/internal/controller"
	"github.com/sipproxy/sipproxy/internal/dialogmaker"
)

// Server holds the control API's HTTP handler dependencies and chi router.
type Server struct {
	router      *chi.Mux
	controller  controllerPort
	dialogMaker *dialogmaker.DialogMaker
	events      *EventsHub
	jwtSecret   []byte
	corsOrigins []string
	rateLimiter *middleware.IPRateLimiter
	logger      *slog.Logger
}

// controllerPort is the exact surface Server.handleProxyRequest needs from
// *controller.Controller.
type controllerPort interface {
	ProxyRequest(params controller.ProxyRequestParams)
}

// NewServer wires the control API's middleware stack and routes. jwtSecret
// authenticates every request except /v1/health and /metrics; corsOrigins configures
// cross-origin access for browser-based control clients.
func NewServer(ctrl controllerPort, dm *dialogmaker.DialogMaker, events *EventsHub, jwtSecret []byte, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		controller:  ctrl,
		dialogMaker: dm,
		events:      events,
		jwtSecret:   jwtSecret,
		corsOrigins: corsOrigins,
		rateLimiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		logger:      logger.With("component", "controlapi"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(s.corsOrigins))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireBearerAuth(s.jwtSecret))
		r.Use(middleware.RateLimit(s.rateLimiter))

		r.Post("/v1/proxy", s.handleProxyRequest)
		r.Post("/v1/dialog/respond", s.handleDialogRespond)
		r.Get("/v1/events", s.events.handleEvents)
	})

	s.logger.Info("control api routes mounted")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
