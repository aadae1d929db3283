package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// Registry manages all available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	config    *types.Config
}

// NewRegistry creates a new provider registry.
func NewRegistry(config *types.Config) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		config:    config,
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return provider, nil
}

// List returns the ids of all registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// Resolve picks a provider for a model selector. The selector is
// "provider/model"; an empty selector falls back to the configured
// default model.
func (r *Registry) Resolve(selector string) (Provider, string, error) {
	if selector == "" && r.config != nil {
		selector = r.config.Model
	}
	providerID, modelID := ParseModelString(selector)
	if providerID == "" {
		return nil, "", fmt.Errorf("model selector %q missing provider prefix", selector)
	}
	p, err := r.Get(providerID)
	if err != nil {
		return nil, "", err
	}
	return p, modelID, nil
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// InitializeProviders creates and registers all providers from config.
func InitializeProviders(ctx context.Context, config *types.Config) (*Registry, error) {
	registry := NewRegistry(config)

	if cfg, ok := config.Provider["anthropic"]; ok && !cfg.Disable {
		provider, err := NewAnthropicProvider(ctx, &AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("skipping anthropic provider")
		} else {
			registry.Register(provider)
		}
	} else if !ok && os.Getenv("ANTHROPIC_API_KEY") != "" {
		provider, err := NewAnthropicProvider(ctx, &AnthropicConfig{})
		if err == nil {
			registry.Register(provider)
		}
	}

	if cfg, ok := config.Provider["openai"]; ok && !cfg.Disable {
		provider, err := NewOpenAIProvider(ctx, &OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			logging.Warn().Err(err).Msg("skipping openai provider")
		} else {
			registry.Register(provider)
		}
	} else if !ok && os.Getenv("OPENAI_API_KEY") != "" {
		provider, err := NewOpenAIProvider(ctx, &OpenAIConfig{})
		if err == nil {
			registry.Register(provider)
		}
	}

	return registry, nil
}
