// Package server provides the HTTP surface: the NDJSON chat stream,
// session control and the observer event feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatrelay/chatrelay/internal/persona"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/session"
	"github.com/chatrelay/chatrelay/internal/tool"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         4747,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Streaming responses have no write deadline
	}
}

// Server is the HTTP server.
type Server struct {
	config      *Config
	router      *chi.Mux
	httpSrv     *http.Server
	appConfig   *types.Config
	sessions    *session.Registry
	providerReg *provider.Registry
	toolReg     *tool.Registry
	personas    persona.Resolver
	plugins     *tool.PluginStore
}

// New creates a new Server instance.
func New(cfg *Config, appConfig *types.Config, sessions *session.Registry, providerReg *provider.Registry, toolReg *tool.Registry) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:      cfg,
		router:      chi.NewRouter(),
		appConfig:   appConfig,
		sessions:    sessions,
		providerReg: providerReg,
		toolReg:     toolReg,
		personas:    persona.NewConfigResolver(appConfig),
		plugins:     tool.NewPluginStore(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept", "Authorization", "Content-Type", "X-Request-ID",
				types.HeaderSessionID, types.HeaderLastLSN,
			},
			ExposedHeaders:   []string{types.HeaderSessionID, "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
