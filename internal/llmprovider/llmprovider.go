// Package llmprovider defines the LLM collaborator contract consumed by the
// agent adapters and a registry of swappable implementations, built on
// registry.Registry[Provider].
package llmprovider

import (
	"context"
	"fmt"

	"github.com/ai-designing/cadorch/internal/registry"
)

// Message is the universal chat message shape, trimmed to the fields the
// Planner/Generator/Validator adapters actually send: no tool-call
// plumbing, since CAD task generation is a single structured-completion
// round trip, not a multi-turn tool loop.
type Message struct {
	Role    string
	Content string
}

// Completion is a single LLM response.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Provider is the contract every LLM backend satisfies.
type Provider interface {
	// Complete performs a single non-streaming completion request.
	Complete(ctx context.Context, messages []Message) (Completion, error)
	// ModelName identifies the backing model, surfaced in logs and traces.
	ModelName() string
}

// Registry is a named collection of Providers, grounded on
// pkg/llms.LLMRegistry.
type Registry struct {
	*registry.Registry[Provider]
}

// NewRegistry creates an empty provider Registry.
func NewRegistry() *Registry {
	return &Registry{Registry: registry.New[Provider]()}
}

// RegisterProvider adds a provider under name.
func (r *Registry) RegisterProvider(name string, p Provider) error {
	if p == nil {
		return fmt.Errorf("llmprovider: provider cannot be nil")
	}
	return r.Register(name, p)
}

// Resolve returns the provider registered under name, or an error naming
// the registered alternatives.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("llmprovider: no provider registered as %q (have: %v)", name, r.Names())
	}
	return p, nil
}
