// Package workflow keeps the registry of named workflow graphs that can be
// launched by name.
package workflow

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/runtimeconfig"
	"github.com/PipeOpsHQ/execflow/types"
)

// Deps are the collaborators a builder may wire into its graph.
type Deps struct {
	Models *llm.Registry
	Config *runtimeconfig.Config
	Logger *zap.Logger
}

// Client resolves model in Models, or the default model when model is
// empty.
func (d Deps) Client(model string) (llm.Client, error) {
	if d.Models == nil {
		return nil, types.ConfigurationError("no model registry configured")
	}
	if model == "" {
		return d.Models.Default()
	}
	return d.Models.Get(model)
}

// EvalConfig returns the configured consistency settings, or zero values.
func (d Deps) EvalConfig() runtimeconfig.EvalConfig {
	if d.Config == nil {
		return runtimeconfig.EvalConfig{}
	}
	return d.Config.Eval
}

type Builder interface {
	Name() string
	Description() string
	NewExecutor(deps Deps) (*graph.Executor, error)
}

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

func Register(b Builder) error {
	if b == nil {
		return fmt.Errorf("workflow builder is nil")
	}
	name := b.Name()
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := builders[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	builders[name] = b
	return nil
}

func MustRegister(b Builder) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

func Get(name string) (Builder, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := builders[name]
	return b, ok
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
