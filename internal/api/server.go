// internal/api/server.go

// Package api is the HTTP surface of the supervisor: public status and
// health reads, plus an admin group that drives service lifecycles.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/servitorhq/servitor/internal/audit"
	"github.com/servitorhq/servitor/internal/auth"
	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/health"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/metrics"
	"github.com/servitorhq/servitor/pkg/service"
)

const serviceName = "api"

// selfStopTimeout bounds the detached shutdown triggered when the stop
// endpoint targets this server itself.
const selfStopTimeout = 30 * time.Second

// Server is the supervisor's HTTP server.
type Server struct {
	cfg            *config.Config
	router         *chi.Mux
	registry       *service.Registry
	authenticator  *auth.Authenticator
	journal        *audit.Recorder
	logger         *logging.Logger
	collector      *metrics.Metrics
	healthRegistry *health.Registry
	server         *http.Server
	listener       net.Listener

	// self is the lifecycle manager supervising this server, set by
	// Service. The public status endpoint reads its snapshot.
	self *lifecycle.Manager
}

// NewServer creates the API server. journal may be nil when no database is
// configured; the transitions endpoint then reports the history as
// unavailable.
func NewServer(
	cfg *config.Config,
	registry *service.Registry,
	authenticator *auth.Authenticator,
	journal *audit.Recorder,
	healthRegistry *health.Registry,
	collector *metrics.Metrics,
	logger *logging.Logger,
) *Server {
	r := chi.NewRouter()

	s := &Server{
		cfg:            cfg,
		router:         r,
		registry:       registry,
		authenticator:  authenticator,
		journal:        journal,
		logger:         logger.WithField("component", serviceName),
		collector:      collector,
		healthRegistry: healthRegistry,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Service.Port),
			Handler: r,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Service wraps the server in a lifecycle manager. The listener is bound in
// the start hook so a busy port fails Start instead of a goroutine log line.
func (s *Server) Service(opts ...lifecycle.Option) *lifecycle.Manager {
	opts = append(opts,
		lifecycle.WithStartHook(s.start),
		lifecycle.WithStopHook(s.stop),
	)
	s.self = lifecycle.New(&s.cfg.Service, s.logger, opts...)
	return s.self
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return errs.APIWrapWithCode(err, errs.OpStartServer, errs.APIErrServiceUnavailable,
			fmt.Sprintf("binding %s", s.server.Addr))
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("server error")
		}
	}()

	s.logger.Info("listening", "addr", s.server.Addr)
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return errs.APIWrapWithCode(err, errs.OpShutdownServer, errs.APIErrInternalServer,
			"shutting down server")
	}
	return nil
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.collector, serviceName))
	s.router.Use(RecovererWithMetrics(s.logger, s.collector, serviceName))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.API.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	// Public routes
	s.router.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.API.RateLimitPerMinute, time.Minute))

		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.collector.Handler().ServeHTTP)
		r.Get("/api/v1/status", s.handleStatus)
		r.Post("/api/v1/auth/token", s.handleToken)
	})

	// Admin routes - require a token with the admin role
	s.router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.authenticator.TokenAuth()))
		r.Use(jwtauth.Authenticator)
		r.Use(s.adminOnly)

		r.Get("/api/v1/services", s.handleListServices)
		r.Get("/api/v1/services/{name}", s.handleGetService)
		r.Post("/api/v1/services/{name}/start", s.handleStartService)
		r.Post("/api/v1/services/{name}/stop", s.handleStopService)
		r.Get("/api/v1/services/{name}/transitions", s.handleTransitions)
	})
}

// Response represents a standardized API response.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthRegistry.RunChecks(r.Context())

	status := health.StatusUp
	for _, check := range checks {
		if check.Status == health.StatusDown {
			status = health.StatusDown
			break
		} else if check.Status == health.StatusUnknown && status != health.StatusDown {
			status = health.StatusUnknown
		}
	}

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := Response{
		Success: status == health.StatusUp,
		Message: "Service health status: " + string(status),
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Unix(),
			"version":   lifecycle.Version,
			"checks":    checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
				"go_cpus":       runtime.NumCPU(),
			},
		},
	}

	s.renderJSON(w, resp, httpStatus)
}

// handleStatus reports this server's own lifecycle snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var snap lifecycle.Snapshot
	if s.self != nil {
		snap = s.self.Snapshot()
	} else {
		snap = lifecycle.Snapshot{
			Service: s.cfg.Service.Name,
			Status:  service.StatusStopped.Lower(),
			Version: lifecycle.Version,
		}
	}

	s.renderJSON(w, Response{Success: true, Data: snap}, http.StatusOK)
}

// handleToken handles admin login requests.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		s.renderError(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	token, err := s.authenticator.Login(req.Username, req.Password)
	if err != nil {
		s.renderError(w, "Invalid credentials", errs.HTTPStatusFromAPIError(err))
		return
	}

	resp := Response{
		Success: true,
		Message: "Login successful",
		Data: map[string]interface{}{
			"token":      token.Value,
			"expires_at": token.ExpiresAt.Unix(),
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleListServices reports a snapshot for every registered service.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services := s.registry.List()
	snapshots := make([]lifecycle.Snapshot, 0, len(services))
	for _, svc := range services {
		snapshots = append(snapshots, snapshotOf(svc))
	}

	resp := Response{
		Success: true,
		Data: map[string]interface{}{
			"services": snapshots,
			"count":    len(snapshots),
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleGetService reports one service's snapshot.
func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	s.renderJSON(w, Response{Success: true, Data: snapshotOf(svc)}, http.StatusOK)
}

// handleStartService drives a service's Start and reports the resulting
// snapshot. A failed start leaves the service in the error state, which the
// snapshot in the response shows.
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	if err := svc.Start(r.Context()); err != nil {
		s.renderJSON(w, Response{
			Success: false,
			Error:   err.Error(),
			Data:    snapshotOf(svc),
		}, http.StatusInternalServerError)
		return
	}

	resp := Response{
		Success: true,
		Message: fmt.Sprintf("Service %s started", svc.Name()),
		Data:    snapshotOf(svc),
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleStopService drives a service's Stop.
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	// Stopping this server shuts down the listener, and Shutdown waits for
	// in-flight requests, including this one. Answer first, then stop on a
	// context detached from the request.
	if s.self != nil && svc.Name() == s.self.Name() {
		s.renderJSON(w, Response{
			Success: true,
			Message: fmt.Sprintf("Service %s stopping", svc.Name()),
			Data:    snapshotOf(svc),
		}, http.StatusAccepted)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), selfStopTimeout)
			defer cancel()
			if err := svc.Stop(ctx); err != nil {
				s.logger.WithError(err).Error("self stop failed")
			}
		}()
		return
	}

	if err := svc.Stop(r.Context()); err != nil {
		s.renderJSON(w, Response{
			Success: false,
			Error:   err.Error(),
			Data:    snapshotOf(svc),
		}, http.StatusInternalServerError)
		return
	}

	resp := Response{
		Success: true,
		Message: fmt.Sprintf("Service %s stopped", svc.Name()),
		Data:    snapshotOf(svc),
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// handleTransitions reports a service's journalled state transitions.
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	if s.journal == nil {
		s.renderError(w, "Transition history is not available without a database", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	records, err := s.journal.History(r.Context(), svc.Name(), limit)
	if err != nil {
		s.renderError(w, "Failed to retrieve transition history", http.StatusInternalServerError)
		return
	}

	resp := Response{
		Success: true,
		Data: map[string]interface{}{
			"service":     svc.Name(),
			"transitions": records,
			"count":       len(records),
		},
	}

	s.renderJSON(w, resp, http.StatusOK)
}

// lookupService resolves the {name} URL parameter, rendering a 404 when the
// service is not registered.
func (s *Server) lookupService(w http.ResponseWriter, r *http.Request) (service.Service, bool) {
	name := chi.URLParam(r, "name")
	if name == "" {
		s.renderError(w, "Service name is required", http.StatusBadRequest)
		return nil, false
	}

	svc, err := s.registry.Get(name)
	if err != nil {
		s.renderError(w, fmt.Sprintf("Service %s not found", name), http.StatusNotFound)
		return nil, false
	}
	return svc, true
}

// adminOnly is middleware to verify the token carries the admin role.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			s.renderError(w, "Authentication error", http.StatusUnauthorized)
			return
		}

		role, ok := claims["role"].(string)
		if !ok || role != auth.RoleAdmin {
			s.renderError(w, "Admin access required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// snapshotOf builds a snapshot for any registered service. Lifecycle
// managers report their own; anything else gets a minimal one from Status.
func snapshotOf(svc service.Service) lifecycle.Snapshot {
	if reporter, ok := svc.(interface{ Snapshot() lifecycle.Snapshot }); ok {
		return reporter.Snapshot()
	}
	return lifecycle.Snapshot{
		Service: svc.Name(),
		Status:  svc.Status().Lower(),
		Version: lifecycle.Version,
	}
}

// renderJSON renders a JSON response.
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("error encoding JSON response")
	}
}

// renderError renders an error response.
func (s *Server) renderError(w http.ResponseWriter, message string, status int) {
	s.collector.RecordError(serviceName, "http", strconv.Itoa(status))

	s.renderJSON(w, Response{Success: false, Error: message}, status)
}
