// Package persona maps persona names to system prompts and tool surfaces.
package persona

import (
	"fmt"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// Persona is a resolved persona definition.
type Persona struct {
	Name         string
	SystemPrompt string
	Tools        []string
	Capabilities map[string]any
}

// Resolver resolves persona names.
type Resolver interface {
	Resolve(name string) (*Persona, error)
}

// ConfigResolver resolves personas from application config.
type ConfigResolver struct {
	personas map[string]types.PersonaConfig
}

// NewConfigResolver creates a resolver over the configured personas.
func NewConfigResolver(config *types.Config) *ConfigResolver {
	personas := map[string]types.PersonaConfig{}
	if config != nil {
		for name, pc := range config.Persona {
			personas[name] = pc
		}
	}
	return &ConfigResolver{personas: personas}
}

// Resolve looks up a persona by name. An empty name resolves to the
// "default" persona when one is configured, otherwise to a persona with
// no system prompt and no tool restriction.
func (r *ConfigResolver) Resolve(name string) (*Persona, error) {
	if name == "" {
		if pc, ok := r.personas["default"]; ok {
			return fromConfig("default", pc), nil
		}
		return &Persona{Name: "default"}, nil
	}

	pc, ok := r.personas[name]
	if !ok {
		return nil, fmt.Errorf("unknown persona: %s", name)
	}
	return fromConfig(name, pc), nil
}

func fromConfig(name string, pc types.PersonaConfig) *Persona {
	return &Persona{
		Name:         name,
		SystemPrompt: pc.Prompt,
		Tools:        pc.Tools,
		Capabilities: pc.Capabilities,
	}
}

// Override applies a per-request persona config on top of a resolved
// persona. Non-zero fields in the override win.
func Override(base *Persona, override *types.PersonaConfig) *Persona {
	if override == nil {
		return base
	}
	out := *base
	if override.Prompt != "" {
		out.SystemPrompt = override.Prompt
	}
	if override.Tools != nil {
		out.Tools = override.Tools
	}
	if override.Capabilities != nil {
		out.Capabilities = override.Capabilities
	}
	return &out
}
