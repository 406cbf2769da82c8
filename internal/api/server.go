// Package api provides the HTTP REST API for portscribe. It exposes the scan
// controller: start and cancel scans, read the live transcript and results
// table, stream updates over a WebSocket and export the last transcript.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/portscribe/internal/api/handlers"
	"github.com/anstrom/portscribe/internal/api/middleware"
	"github.com/anstrom/portscribe/internal/config"
	"github.com/anstrom/portscribe/internal/controller"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	maxHeaderBytes        = 1 << 20 // 1 MB
)

// Controller is what the server needs from controller.Controller.
type Controller interface {
	apihandlers.Controller
	AddListener(l controller.Listener)
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	ctrl       Controller
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	websocket  *apihandlers.WebSocketHandler
	startTime  time.Time
}

// New creates a new API server instance and subscribes its WebSocket hub
// to ctrl. A nil logger uses the default logger.
func New(cfg *config.Config, ctrl Controller, version string, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller is required")
	}

	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	server := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		ctrl:      ctrl,
		logger:    logger,
		metrics:   metrics.GetGlobalMetrics(),
		startTime: time.Now(),
	}

	server.setupRoutes(version)
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:           cfg.GetAPIAddress(),
		Handler:        server.router,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
		IdleTimeout:    cfg.API.IdleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	return server, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.websocket.Close()
		return err
	}
}

// Stop gracefully stops the API server and disconnects WebSocket clients.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	s.websocket.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(version string) {
	maxRequestSize := s.config.API.MaxRequestSize
	scans := apihandlers.NewScanHandler(s.ctrl, s.logger, maxRequestSize, s.config.API.ExportDir)
	health := apihandlers.NewHealthHandler(s.ctrl, s.logger, version)
	s.websocket = apihandlers.NewWebSocketHandler(s.ctrl, s.logger, s.checkOrigin)
	s.ctrl.AddListener(s.websocket)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health and system endpoints
	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/probe", health.Probe).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	// Scan lifecycle
	api.HandleFunc("/scans", scans.StartScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/current", scans.GetCurrentScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/current", scans.CancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/status", scans.GetStatus).Methods(http.MethodGet)

	// Results
	api.HandleFunc("/table", scans.GetTable).Methods(http.MethodGet)
	api.HandleFunc("/transcript", scans.GetTranscript).Methods(http.MethodGet)
	api.HandleFunc("/findings", scans.ListFindings).Methods(http.MethodGet)
	api.HandleFunc("/export", scans.Export).Methods(http.MethodPost)

	// Live updates
	api.HandleFunc("/ws", s.websocket.ServeWS).Methods(http.MethodGet)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())

	if s.config.API.CORS.Enabled {
		corsOptions := handlers.AllowedOrigins(s.config.API.CORS.AllowedOrigins)
		corsHeaders := handlers.AllowedHeaders([]string{"Content-Type", middleware.RequestIDHeader})
		corsMethods := handlers.AllowedMethods([]string{
			http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions,
		})
		s.router.Use(handlers.CORS(corsOptions, corsHeaders, corsMethods))
	}

	s.router.Use(middleware.ContentType())
}

// checkOrigin admits same-origin WebSocket clients, plus configured origins
// when CORS is enabled.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.config.API.CORS.Enabled {
		for _, allowed := range s.config.API.CORS.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// index lists the main endpoints.
func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"service": "portscribe API",
		"version": "v1",
		"endpoints": map[string]string{
			"scans":     "/api/v1/scans",
			"status":    "/api/v1/status",
			"table":     "/api/v1/table",
			"websocket": "/api/v1/ws",
			"health":    "/api/v1/health",
			"metrics":   "/metrics",
		},
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the configured server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
