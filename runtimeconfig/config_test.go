package runtimeconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/execflow/types"
)

func TestLoad_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "execflow.yaml")
	content := `
globals:
  company: Acme
filters:
  region: eu
connections:
  warehouse:
    driver: postgres
    dsn: postgres://localhost/wh
eval:
  samples: 4
  concurrency: 2
state:
  backend: memory
  redis_ttl: 1h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("EXECFLOW_EVAL_JUDGE_MODEL", "llama3")
	t.Setenv("EXECFLOW_LOG_LEVEL", "debug")

	cfg, err := LoadWithEnvFile(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Globals["company"] != "Acme" || cfg.Filters["region"] != "eu" {
		t.Fatalf("unexpected globals/filters: %#v %#v", cfg.Globals, cfg.Filters)
	}
	if cfg.Connections["warehouse"].Driver != "postgres" {
		t.Fatalf("unexpected connections: %#v", cfg.Connections)
	}
	if cfg.Eval.Samples != 4 || cfg.Eval.Concurrency != 2 || cfg.Eval.Threshold != 0.25 {
		t.Fatalf("unexpected eval config: %+v", cfg.Eval)
	}
	if cfg.Eval.JudgeModel != "llama3" {
		t.Fatalf("env override not applied: %+v", cfg.Eval)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
	if cfg.State.RedisTTL != time.Hour {
		t.Fatalf("unexpected ttl %v", cfg.State.RedisTTL)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("EXECFLOW_STATE_BACKEND=memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXECFLOW_STATE_BACKEND", "")
	os.Unsetenv("EXECFLOW_STATE_BACKEND")
	cfg, err := LoadWithEnvFile("", envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.State.Backend != "memory" {
		t.Fatalf("expected backend from .env, got %q", cfg.State.Backend)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("eval: [unclosed"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err := LoadWithEnvFile(path, "")
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := LoadWithEnvFile(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"samples":    func(c *Config) { c.Eval.Samples = 1 },
		"threshold":  func(c *Config) { c.Eval.Threshold = 2 },
		"backend":    func(c *Config) { c.State.Backend = "mongo" },
		"redis addr": func(c *Config) { c.State.Backend = "redis" },
		"connection": func(c *Config) { c.Connections["x"] = Connection{} },
		"log":        func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, types.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
