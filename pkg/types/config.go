package types

// Config is the application configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Default model selection, "provider/model" (e.g. "anthropic/claude-sonnet-4").
	Model string `json:"model,omitempty"`

	// Maximum provider calls per turn before the engine gives up.
	MaxIterations int `json:"maxIterations,omitempty"`

	// Provider configs keyed by provider id.
	Provider map[string]ProviderConfig `json:"provider,omitempty"`

	// Persona definitions keyed by name.
	Persona map[string]PersonaConfig `json:"persona,omitempty"`

	// Session buffer lifecycle.
	Session SessionConfig `json:"session,omitempty"`

	// HTTP server settings.
	Server ServerConfig `json:"server,omitempty"`

	// Logging settings.
	Log LogConfig `json:"log,omitempty"`
}

// ProviderConfig holds credentials and defaults for one provider.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
	Disable   bool   `json:"disable,omitempty"`
}

// PersonaConfig defines a persona: its system prompt, the tools it may
// use and the capabilities advertised in session_info.
type PersonaConfig struct {
	Prompt       string         `json:"prompt"`
	Tools        []string       `json:"tools,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// SessionConfig controls retention of idle session buffers.
type SessionConfig struct {
	// IdleTTLSeconds is how long a released session's buffer is kept for
	// late reconnects. Zero means the default (300).
	IdleTTLSeconds int `json:"idleTTLSeconds,omitempty"`

	// MaxSessions caps the number of retained sessions; the longest-idle
	// released sessions are evicted first. Zero means the default (1024).
	MaxSessions int `json:"maxSessions,omitempty"`

	// SweepSeconds is the janitor sweep interval. Zero means the default (30).
	SweepSeconds int `json:"sweepSeconds,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int  `json:"port,omitempty"`
	EnableCORS bool `json:"enableCORS,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}
