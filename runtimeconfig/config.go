// Package runtimeconfig loads the execflow configuration surface.
//
// Precedence, highest first:
//  1. EXECFLOW_* environment variables (after an optional .env file is loaded)
//  2. the YAML config file
//  3. defaults
//
// Environment names drop the prefix and split on the first underscore:
//
//	EXECFLOW_EVAL_JUDGE_MODEL -> eval.judge_model
//	EXECFLOW_STATE_BACKEND    -> state.backend
package runtimeconfig

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/PipeOpsHQ/execflow/internal/logging"
	"github.com/PipeOpsHQ/execflow/types"
)

const (
	EnvPrefix         = "EXECFLOW_"
	maxConfigFileSize = 1024 * 1024
)

type Config struct {
	Filters     map[string]any        `koanf:"filters"`
	Connections map[string]Connection `koanf:"connections"`
	Globals     map[string]any        `koanf:"globals"`
	Eval        EvalConfig            `koanf:"eval"`
	State       StateConfig           `koanf:"state"`
	Trace       TraceConfig           `koanf:"trace"`
	Log         logging.Config        `koanf:"log"`
	LLM         LLMConfig             `koanf:"llm"`
}

// Connection names an external data source tasks may query.
type Connection struct {
	Driver  string            `koanf:"driver"`
	DSN     string            `koanf:"dsn"`
	Options map[string]string `koanf:"options"`
}

type EvalConfig struct {
	JudgeModel  string  `koanf:"judge_model"`
	Samples     int     `koanf:"samples"`
	Concurrency int     `koanf:"concurrency"`
	Threshold   float64 `koanf:"threshold"`
	Prompt      string  `koanf:"prompt"`
}

type StateConfig struct {
	Backend       string        `koanf:"backend"`
	SQLitePath    string        `koanf:"sqlite_path"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	RedisPrefix   string        `koanf:"redis_prefix"`
	RedisTTL      time.Duration `koanf:"redis_ttl"`
}

type TraceConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
	RedisAddr  string `koanf:"redis_addr"`
}

type LLMConfig struct {
	OllamaURL    string        `koanf:"ollama_url"`
	DefaultModel string        `koanf:"default_model"`
	Models       []string      `koanf:"models"`
	Timeout      time.Duration `koanf:"timeout"`
}

func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads path (optional) and the environment. A .env file in the
// working directory is loaded first when present.
func Load(path string) (*Config, error) {
	return LoadWithEnvFile(path, ".env")
}

func LoadWithEnvFile(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, types.ConfigurationError("failed to load env file %q: %w", envFile, err)
		}
	}

	k := koanf.New(".")
	path = strings.TrimSpace(path)
	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, types.ConfigurationError("failed to parse config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, types.ConfigurationError("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, types.ConfigurationError("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, types.ConfigurationError("failed to resolve config path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, types.ConfigurationError("failed to open config file %q: %w", absPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, types.ConfigurationError("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, types.ConfigurationError("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, types.ConfigurationError("failed to read config file: %w", err)
	}
	return content, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Filters == nil {
		cfg.Filters = map[string]any{}
	}
	if cfg.Connections == nil {
		cfg.Connections = map[string]Connection{}
	}
	if cfg.Globals == nil {
		cfg.Globals = map[string]any{}
	}
	if cfg.Eval.Samples == 0 {
		cfg.Eval.Samples = 5
	}
	if cfg.Eval.Concurrency == 0 {
		cfg.Eval.Concurrency = 5
	}
	if cfg.Eval.Threshold == 0 {
		cfg.Eval.Threshold = 0.25
	}
	if cfg.Eval.Prompt == "" {
		cfg.Eval.Prompt = "consistency-judge"
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "sqlite"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = defaultDataPath("state.db")
	}
	if cfg.State.RedisPrefix == "" {
		cfg.State.RedisPrefix = "execflow"
	}
	if cfg.Trace.SQLitePath == "" {
		cfg.Trace.SQLitePath = defaultDataPath("trace.db")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.LLM.OllamaURL == "" {
		cfg.LLM.OllamaURL = "http://localhost:11434"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.Eval.JudgeModel == "" {
		cfg.Eval.JudgeModel = cfg.LLM.DefaultModel
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".execflow", name)
	}
	return filepath.Join(home, ".execflow", name)
}

func (c Config) Validate() error {
	if c.Eval.Samples < 2 {
		return types.ConfigurationError("eval.samples must be at least 2, got %d", c.Eval.Samples)
	}
	if c.Eval.Concurrency < 1 {
		return types.ConfigurationError("eval.concurrency must be at least 1, got %d", c.Eval.Concurrency)
	}
	if c.Eval.Threshold < 0 || c.Eval.Threshold > 1 {
		return types.ConfigurationError("eval.threshold must be within [0,1], got %v", c.Eval.Threshold)
	}
	switch c.State.Backend {
	case "memory", "sqlite", "redis", "hybrid":
	default:
		return types.ConfigurationError("unsupported state.backend %q", c.State.Backend)
	}
	if c.State.Backend == "redis" && strings.TrimSpace(c.State.RedisAddr) == "" {
		return types.ConfigurationError("state.redis_addr is required for the redis backend")
	}
	for name, conn := range c.Connections {
		if strings.TrimSpace(conn.Driver) == "" {
			return types.ConfigurationError("connection %q has no driver", name)
		}
	}
	if err := c.Log.Validate(); err != nil {
		return types.ConfigurationError("log: %w", err)
	}
	return nil
}
