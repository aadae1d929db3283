package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/chatrelay/chatrelay/internal/engine"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/persona"
	"github.com/chatrelay/chatrelay/internal/tool"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// handleChat starts a new chat turn, or re-attaches to a running or
// retained one when the reconnection pair is present (headers, or query
// parameters for clients that cannot set headers).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(types.HeaderSessionID)
	lastLSNStr := r.Header.Get(types.HeaderLastLSN)
	if sessionID == "" && lastLSNStr == "" {
		sessionID = r.URL.Query().Get("sessionId")
		lastLSNStr = r.URL.Query().Get("lastLsn")
	}

	if (sessionID == "") != (lastLSNStr == "") {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			types.HeaderSessionID+" and "+types.HeaderLastLSN+" must be sent together")
		return
	}

	if sessionID != "" {
		lastLSN, err := strconv.ParseUint(lastLSNStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid "+types.HeaderLastLSN)
			return
		}
		s.resumeChat(w, r, sessionID, lastLSN)
		return
	}

	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "messages required")
		return
	}

	p, err := s.personas.Resolve(req.Persona)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if req.PersonaConfig != nil {
		override, oerr := personaOverride(req.PersonaConfig)
		if oerr != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid personaConfig: "+oerr.Error())
			return
		}
		p = persona.Override(p, override)
	}

	// An explicit tool list on the request narrows the persona surface.
	toolNames := p.Tools
	if req.Tools != nil {
		toolNames = req.Tools
	}
	surface := s.toolReg
	var missing []string
	if toolNames != nil {
		surface, missing = s.toolReg.Subset(toolNames)
	}

	prov, _, err := s.providerReg.Resolve(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeProviderError, err.Error())
		return
	}

	sessionID = ulid.Make().String()
	eng := engine.New(engine.Params{
		SessionID:     sessionID,
		Request:       &req,
		Persona:       p,
		Provider:      prov,
		Tools:         surface,
		MissingTools:  missing,
		Executor:      tool.NewExecutor(surface, s.plugins),
		Plugins:       s.plugins,
		MaxIterations: s.maxIterations(),
	})

	h, err := s.sessions.Acquire(sessionID, eng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	logging.Info().Str("sessionID", sessionID).Str("persona", p.Name).Msg("chat turn started")
	s.streamSession(w, r, h, 0)
}

// resumeChat re-attaches a reader to an existing session's buffer,
// replaying everything after the client's last seen position.
func (s *Server) resumeChat(w http.ResponseWriter, r *http.Request, sessionID string, lastLSN uint64) {
	h, ok := s.sessions.AcquireExisting(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+sessionID)
		return
	}

	logging.Debug().Str("sessionID", sessionID).Uint64("lastLSN", lastLSN).Msg("chat reconnect")
	s.streamSession(w, r, h, lastLSN)
}

// getSessionStatus reports the writer status and buffer position of a
// session.
func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status, ok := s.sessions.Status(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+sessionID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"status":    status,
	})
}

// abortSession cancels a session's writer.
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.sessions.Abort(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// listTools reports the registered tool definitions.
func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	type toolInfo struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Authority   tool.Authority  `json:"authority"`
		Schema      json.RawMessage `json:"schema,omitempty"`
	}

	tools := s.toolReg.List()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Authority:   t.Authority(),
			Schema:      t.Schema(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) maxIterations() int {
	if s.appConfig != nil && s.appConfig.MaxIterations > 0 {
		return s.appConfig.MaxIterations
	}
	return engine.DefaultMaxIterations
}

// personaOverride converts the request's loose personaConfig object
// into a typed override.
func personaOverride(raw map[string]any) (*types.PersonaConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var pc types.PersonaConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}
