package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRendererAppliesGlobals(t *testing.T) {
	r := NewRenderer(map[string]any{"company": "Acme", "tone": "formal"})
	out, err := r.Render("{{company}} / {{tone}} / {{globals.tone}}", map[string]any{"tone": "casual"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Acme / casual / formal" {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := r.Render("  ", nil); err == nil {
		t.Fatalf("expected error for empty template")
	}
	if _, err := r.Render("{{#if}}", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRegistryResolvesLatestVersion(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Spec{Name: "Judge", Version: "v1", Template: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(Spec{Name: "judge", Version: "v2", Template: "two"}); err != nil {
		t.Fatal(err)
	}
	spec, ok := reg.Resolve("judge")
	if !ok || spec.Template != "two" {
		t.Fatalf("expected latest version, got %+v", spec)
	}
	spec, ok = reg.Resolve("judge@v1")
	if !ok || spec.Template != "one" {
		t.Fatalf("expected v1, got %+v", spec)
	}
	if err := reg.Register(Spec{Name: "bad name!", Template: "x"}); err == nil {
		t.Fatalf("expected identifier error")
	}
	if err := reg.Register(Spec{Name: "empty"}); err == nil {
		t.Fatalf("expected empty template error")
	}
	if err := reg.Register(Spec{Name: "judge", Version: "v10", Template: "ten"}); err != nil {
		t.Fatal(err)
	}
	if spec, _ := reg.Resolve("judge"); spec.Version != "v10" {
		t.Fatalf("v10 should sort after v2, got %s", spec.Version)
	}
	var versions []string
	for _, spec := range reg.List() {
		versions = append(versions, spec.Ref())
	}
	if diff := cmp.Diff([]string{"judge@v1", "judge@v2", "judge@v10"}, versions); diff != "" {
		t.Fatalf("list order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryValidatesVerdicts(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Spec{Name: "same", Template: "x", Verdict: &Verdict{Agree: "A", Disagree: "A"}}); err == nil {
		t.Fatalf("expected error for identical verdict labels")
	}
	if err := reg.Register(Spec{Name: "half", Template: "x", Verdict: &Verdict{Agree: "A"}}); err == nil {
		t.Fatalf("expected error for a missing disagree label")
	}
	RegisterBuiltins(reg)
	_ = reg.Register(Spec{Name: "plain", Template: "x"})
	var judges []string
	for _, spec := range reg.Judges() {
		judges = append(judges, spec.Name)
	}
	if diff := cmp.Diff([]string{ConsistencyJudge, ConsistencyJudgeStrict}, judges); diff != "" {
		t.Fatalf("judges mismatch (-want +got):\n%s", diff)
	}
}

func TestVerdictScoreMap(t *testing.T) {
	v := Verdict{Agree: "SAME", Disagree: "DIFF", Scores: map[string]float64{"PART": 0.5}}
	want := map[string]float64{"SAME": 1, "DIFF": 0, "PART": 0.5}
	if diff := cmp.Diff(want, v.ScoreMap()); diff != "" {
		t.Fatalf("scores mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderSpecBindsVerdictAndReportsMissing(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	r := NewRenderer(map[string]any{"task": "from globals"})

	out, err := r.RenderSpec(reg, ConsistencyJudge, map[string]any{"first": "1", "second": "2"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "A if the answers are consistent") || !strings.Contains(out, "from globals") {
		t.Fatalf("verdict labels and globals should be bound:\n%s", out)
	}

	_, err = r.RenderSpec(reg, ConsistencyJudge, map[string]any{"first": "1"})
	if err == nil || !strings.Contains(err.Error(), "missing variables: second") {
		t.Fatalf("expected missing variable error, got %v", err)
	}
	if _, err := r.RenderSpec(nil, ConsistencyJudge, nil); err == nil {
		t.Fatalf("expected error without a registry")
	}
}

func TestBuiltinJudgeTemplateRenders(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	r := NewRenderer(nil)
	out, err := r.RenderSpec(reg, ConsistencyJudge, map[string]any{
		"task": "Sum <a> and b", "first": "3 & 4", "second": "7",
		"agree": "A", "disagree": "B",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "3 & 4") || !strings.Contains(out, "Sum <a> and b") {
		t.Fatalf("outputs must not be escaped:\n%s", out)
	}
	if !strings.HasSuffix(out, "B if they are not") {
		t.Fatalf("unexpected tail:\n%s", out)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "short.hbs"), []byte("Compare {{first}} and {{second}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spec.json"), []byte(`{"version":"v3","template":"hi {{name}}"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "graded.json"), []byte(`{"template":"{{first}} vs {{second}}","verdict":{"agree":"SAME","disagree":"DIFF"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	n, err := LoadDir(reg, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 loaded, got %d", n)
	}
	if spec, ok := reg.Resolve("graded"); !ok || spec.Verdict == nil || spec.Verdict.Agree != "SAME" {
		t.Fatalf("verdict should load from json, got %+v", spec)
	}
	if spec, ok := reg.Resolve("spec@v3"); !ok || spec.Template != "hi {{name}}" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if n, err := LoadDir(reg, filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Fatalf("missing dir should be ignored: %d %v", n, err)
	}
}
