// Package llm is the contract for the models execflow talks to directly,
// mainly the judge used by consistency evaluation.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/execflow/types"
)

// Client sends a single prompt and returns the model's text.
type Client interface {
	SimpleRequest(ctx context.Context, prompt string) (string, error)
}

type ClientFunc func(ctx context.Context, prompt string) (string, error)

func (f ClientFunc) SimpleRequest(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type Response struct {
	Text  string
	Usage *types.Usage
}

// Completer is implemented by clients that also report token usage.
type Completer interface {
	Client
	Complete(ctx context.Context, prompt string) (Response, error)
}

// Complete calls c.Complete when available and falls back to SimpleRequest.
func Complete(ctx context.Context, c Client, prompt string) (Response, error) {
	if completer, ok := c.(Completer); ok {
		return completer.Complete(ctx, prompt)
	}
	text, err := c.SimpleRequest(ctx, prompt)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: text}, nil
}

// Factory opens a client for a model name.
type Factory func(model string) (Client, error)

// Registry resolves model names to clients. Clients are created on first
// use when a Factory is set.
type Registry struct {
	mu           sync.Mutex
	clients      map[string]Client
	factory      Factory
	defaultModel string
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{clients: map[string]Client{}, factory: factory}
}

func (r *Registry) Register(model string, c Client) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return types.ArgumentError("model name is required")
	}
	if c == nil {
		return types.ArgumentError("client for %q is nil", model)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[model] = c
	return nil
}

func (r *Registry) SetDefault(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = strings.TrimSpace(model)
}

func (r *Registry) DefaultModel() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultModel
}

func (r *Registry) Get(model string) (Client, error) {
	if r == nil {
		return nil, types.ConfigurationError("no model registry configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[model]; ok {
		return c, nil
	}
	if r.factory == nil {
		return nil, types.ConfigurationError("model %q is not registered", model)
	}
	c, err := r.factory(model)
	if err != nil {
		return nil, fmt.Errorf("failed to open model %q: %w", model, err)
	}
	r.clients[model] = c
	return c, nil
}

// Default returns the client of the default model, or a configuration
// error when none is set.
func (r *Registry) Default() (Client, error) {
	model := r.DefaultModel()
	if model == "" {
		return nil, types.ConfigurationError("no default model configured")
	}
	return r.Get(model)
}

func (r *Registry) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
