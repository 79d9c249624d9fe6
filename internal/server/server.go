// internal/server/server.go

package server

import (
	"context"
	"fmt"
	"net/http"

	"ExamShieldAPI/internal/config"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/metrics"
	"ExamShieldAPI/internal/middleware"
	"ExamShieldAPI/internal/websocket"

	"github.com/gorilla/mux"
)

// RouteRegistrar is implemented by every handler group.
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	cfg        *config.Config
	metrics    *metrics.Metrics
	log        *logger.Logger
}

func New(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) *Server {
	router := mux.NewRouter()

	server := &Server{
		router:  router,
		cfg:     cfg,
		metrics: m,
		log:     log,
		httpServer: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:        router,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		},
	}

	return server
}

// RegisterHandlers mounts the API groups under /api/v1 behind the
// middleware chain. ctx bounds the rate limiter's background cleanup.
func (s *Server) RegisterHandlers(ctx context.Context, health RouteRegistrar, api ...RouteRegistrar) {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.Use(middleware.RequestLogger(s.log, s.metrics))
	v1.Use(middleware.CORS(s.cfg.Security.CORSAllowedOrigins, s.cfg.Security.CORSAllowedMethods))
	v1.Use(middleware.Recovery(s.log))

	if s.cfg.Security.EnableRateLimit {
		v1.Use(middleware.RateLimit(ctx, s.cfg.Security.RateLimitPerMinute))
	}

	for _, h := range api {
		h.RegisterRoutes(v1)
	}
	health.RegisterRoutes(s.router)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.log.Info("All handlers registered")
}

// RegisterWebSocket serves the dashboard push channel on /ws.
func (s *Server) RegisterWebSocket(hub *websocket.Hub) {
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, w, r, s.log.WithComponent("ws"))
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info("Starting HTTP server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.log.Info("HTTP server stopped")
	return nil
}
