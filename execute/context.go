package execute

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/prompt"
	"github.com/PipeOpsHQ/execflow/runtimeconfig"
	"github.com/PipeOpsHQ/execflow/state"
)

// ExecutionContext is the per-node environment handed to every Executable:
// the node's Source, the sink its events go to and the collaborators shared
// by the whole run. Child contexts share everything but the Source.
type ExecutionContext struct {
	Source      observe.Source
	Renderer    *prompt.Renderer
	Config      *runtimeconfig.Config
	Checkpoint  Checkpoint
	Filters     map[string]any
	Connections map[string]runtimeconfig.Connection
	UserID      string
	RunInfo     state.RunInfo
	// Variables are the persisted variables of the run being executed.
	Variables map[string]any
	Logger    *zap.Logger

	sink observe.Sink
}

type ContextOption func(*ExecutionContext)

func WithRenderer(r *prompt.Renderer) ContextOption {
	return func(ec *ExecutionContext) { ec.Renderer = r }
}

// WithConfig also copies filters and connections from cfg.
func WithConfig(cfg *runtimeconfig.Config) ContextOption {
	return func(ec *ExecutionContext) {
		ec.Config = cfg
		if cfg != nil {
			ec.Filters = cfg.Filters
			ec.Connections = cfg.Connections
		}
	}
}

func WithCheckpoint(cp Checkpoint) ContextOption {
	return func(ec *ExecutionContext) { ec.Checkpoint = cp }
}

func WithRunInfo(info state.RunInfo) ContextOption {
	return func(ec *ExecutionContext) { ec.RunInfo = info }
}

func WithVariables(vars map[string]any) ContextOption {
	return func(ec *ExecutionContext) { ec.Variables = vars }
}

func WithUserID(id string) ContextOption {
	return func(ec *ExecutionContext) { ec.UserID = id }
}

func WithLogger(l *zap.Logger) ContextOption {
	return func(ec *ExecutionContext) {
		if l != nil {
			ec.Logger = l
		}
	}
}

// NewContext creates a root context for source.
func NewContext(source observe.Source, sink observe.Sink, opts ...ContextOption) *ExecutionContext {
	if sink == nil {
		sink = observe.NoopSink{}
	}
	ec := &ExecutionContext{
		Source: source,
		sink:   sink,
		Logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.Renderer == nil {
		var globals map[string]any
		if ec.Config != nil {
			globals = ec.Config.Globals
		}
		ec.Renderer = prompt.NewRenderer(globals)
	}
	ec.Logger = ec.Logger.With(
		zap.String("source.id", source.ID),
		zap.String("source.kind", string(source.Kind)),
	)
	return ec
}

func (ec *ExecutionContext) clone() *ExecutionContext {
	cp := *ec
	return &cp
}

// Child derives a context for a new child Source of kind.
func (ec *ExecutionContext) Child(kind observe.SourceKind) *ExecutionContext {
	child := ec.clone()
	child.Source = ec.Source.Child(kind)
	child.Logger = ec.log().With(
		zap.String("source.id", child.Source.ID),
		zap.String("source.kind", string(kind)),
	)
	return child
}

// WithSink returns a copy of ec whose events go to sink.
func (ec *ExecutionContext) WithSink(sink observe.Sink) *ExecutionContext {
	child := ec.clone()
	if sink == nil {
		sink = observe.NoopSink{}
	}
	child.sink = sink
	return child
}

func (ec *ExecutionContext) Sink() observe.Sink {
	if ec.sink == nil {
		return observe.NoopSink{}
	}
	return ec.sink
}

func (ec *ExecutionContext) log() *zap.Logger {
	if ec.Logger == nil {
		return zap.NewNop()
	}
	return ec.Logger
}

// Emit sends kind as an event of this context's Source.
func (ec *ExecutionContext) Emit(ctx context.Context, kind observe.EventKind) error {
	return ec.Sink().Emit(ctx, observe.NewEvent(ec.Source, kind))
}

func (ec *ExecutionContext) Start(ctx context.Context, name string, attrs map[string]any) error {
	return ec.Emit(ctx, observe.Started{Name: name, Attributes: attrs})
}

// Finish emits Finished, carrying err's text when err is non-nil.
func (ec *ExecutionContext) Finish(ctx context.Context, err error) error {
	finished := observe.Finished{}
	if err != nil {
		finished.Error = err.Error()
	}
	return ec.Emit(ctx, finished)
}

func (ec *ExecutionContext) Message(ctx context.Context, format string, args ...any) error {
	return ec.Emit(ctx, observe.Message{Text: fmt.Sprintf(format, args...)})
}

// Render renders a handlebars template with the run globals applied.
func (ec *ExecutionContext) Render(template string, vars map[string]any) (string, error) {
	if ec.Renderer == nil {
		return prompt.NewRenderer(nil).Render(template, vars)
	}
	return ec.Renderer.Render(template, vars)
}

// IsRetry reports whether the current run replays an earlier one.
func (ec *ExecutionContext) IsRetry() bool {
	return ec.RunInfo.ReplayID != ""
}
