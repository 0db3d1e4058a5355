// Package server implements the Farmhand HTTP server: REST API, auth,
// metrics and SSE task notifications.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/config"
	"github.com/acurioustractor/farmhand/metrics"
	"github.com/acurioustractor/farmhand/server/api"
	"github.com/acurioustractor/farmhand/server/ws"
)

// Server is the Farmhand HTTP server.
type Server struct {
	cfg      config.Config
	mux      *http.ServeMux
	httpSrv  *http.Server
	logger   *slog.Logger
	handlers *api.Handlers
	hub      *ws.Hub
	metrics  *metrics.Metrics

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string
}

// New creates a new Server serving the given handlers.
func New(cfg config.Config, h *api.Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if h.Logger == nil {
		h.Logger = logger
	}
	if h.StartAt.IsZero() {
		h.StartAt = time.Now()
	}
	return &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		logger:   logger,
		handlers: h,
		hub:      ws.NewHub(logger),
	}
}

// SetMetrics exposes m on GET /metrics. Call before Start.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// AttachBus streams bus events to SSE clients.
func (s *Server) AttachBus(bus comms.Bus) (unsubscribe func()) {
	return s.hub.Attach(bus)
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.cors(s.mux)
}

// Start registers routes and begins listening. It returns nil after Stop.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := s.handlers

	// Public routes (no auth required)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSSE streams task notifications. The token travels as a query
// parameter.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r.URL.Query().Get("token")); err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.hub.ServeSSE(w, r)
}

// cors answers preflight requests and sets allow headers for configured
// origins. "*" allows any origin.
func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(origins, "*") || slices.Contains(origins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearer extracts the token from an Authorization header.
func bearer(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	return strings.TrimSpace(token), ok && strings.TrimSpace(token) != ""
}
