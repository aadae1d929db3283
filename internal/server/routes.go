package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Chat turn: one NDJSON event stream per request, resumable via
	// the reconnection headers.
	r.Post("/chat", s.handleChat)

	// Session control
	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Get("/", s.getSessionStatus)
		r.Post("/abort", s.abortSession)
	})

	// Observer event feed (SSE)
	r.Get("/event", s.globalEvents)

	// Tool surface
	r.Get("/tool", s.listTools)

	r.Get("/healthz", s.healthz)
}
