package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/internal/logging"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/llm/ollama"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/observe/console"
	"github.com/PipeOpsHQ/execflow/observe/metrics"
	obsotel "github.com/PipeOpsHQ/execflow/observe/otel"
	"github.com/PipeOpsHQ/execflow/observe/redisstream"
	observestore "github.com/PipeOpsHQ/execflow/observe/store"
	tracesqlite "github.com/PipeOpsHQ/execflow/observe/store/sqlite"
	"github.com/PipeOpsHQ/execflow/runtimeconfig"
	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/state/factory"
)

// environment is everything a command needs to execute or inspect runs.
type environment struct {
	cfg    *runtimeconfig.Config
	logger *zap.Logger
	store  state.Store
	models *llm.Registry
	traces observestore.Store
	stream *redisstream.Client
}

func loadConfig(opts *RootOptions) (*runtimeconfig.Config, error) {
	cfg, err := runtimeconfig.LoadWithEnvFile(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, err
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Log.Level = level
		if err := cfg.Log.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openEnvironment loads configuration and opens the state store. The trace
// store and the redis event stream are optional and only logged when they
// cannot be opened.
func openEnvironment(ctx context.Context, opts *RootOptions) (*environment, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := factory.Open(ctx, cfg.State, logger)
	if err != nil {
		_ = logging.Sync(logger)
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	env := &environment{
		cfg:    cfg,
		logger: logger,
		store:  store,
		models: newModelRegistry(cfg.LLM),
	}

	if path := strings.TrimSpace(cfg.Trace.SQLitePath); path != "" {
		traces, err := tracesqlite.New(path)
		if err != nil {
			logger.Warn("trace store unavailable", zap.String("path", path), zap.Error(err))
		} else {
			env.traces = traces
		}
	}
	if addr := strings.TrimSpace(cfg.Trace.RedisAddr); addr != "" {
		stream, err := redisstream.New(addr, redisstream.WithPrefix(cfg.State.RedisPrefix))
		if err != nil {
			logger.Warn("redis event stream unavailable", zap.String("redis_addr", addr), zap.Error(err))
		} else {
			env.stream = stream
		}
	}
	return env, nil
}

func newModelRegistry(cfg runtimeconfig.LLMConfig) *llm.Registry {
	models := llm.NewRegistry(ollama.Factory(
		ollama.WithBaseURL(cfg.OllamaURL),
		ollama.WithTimeout(cfg.Timeout),
	))
	defaultModel := cfg.DefaultModel
	if defaultModel == "" && len(cfg.Models) > 0 {
		defaultModel = cfg.Models[0]
	}
	models.SetDefault(defaultModel)
	return models
}

func (e *environment) Close() {
	if e == nil {
		return
	}
	if e.stream != nil {
		if err := e.stream.Close(); err != nil {
			e.logger.Warn("failed to close event stream", zap.Error(err))
		}
	}
	if e.traces != nil {
		if err := e.traces.Close(); err != nil {
			e.logger.Warn("failed to close trace store", zap.Error(err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close state store", zap.Error(err))
		}
	}
	_ = logging.Sync(e.logger)
}

type sinkOptions struct {
	console     io.Writer
	verbose     bool
	metricsAddr string
}

// sinks assembles the event consumers of one launch. The returned stop
// function shuts down the metrics endpoint, if any.
func (e *environment) sinks(opts sinkOptions) (observe.Sink, func(), error) {
	var out []observe.Sink
	if opts.console != nil {
		out = append(out, console.New(opts.console, console.WithVerbose(opts.verbose)))
	}
	if e.traces != nil {
		out = append(out, observestore.NewHandler(e.traces))
	}
	if e.stream != nil {
		out = append(out, e.stream.Publisher())
	}
	out = append(out, obsotel.NewSink(otel.GetTracerProvider()))

	stop := func() {}
	if addr := strings.TrimSpace(opts.metricsAddr); addr != "" {
		reg := prometheus.NewRegistry()
		out = append(out, metrics.NewSink(reg))
		srv, err := serveMetrics(addr, reg, e.logger)
		if err != nil {
			return nil, nil, err
		}
		stop = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
	}
	return observe.NewMultiSink(out...), stop, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return srv, nil
}
