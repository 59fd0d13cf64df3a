// Package eval measures how reliable a non-deterministic executable is by
// sampling it several times and asking a judge model whether the samples
// agree with each other.
package eval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/prompt"
	"github.com/PipeOpsHQ/execflow/runtimeconfig"
	"github.com/PipeOpsHQ/execflow/types"
)

const (
	DefaultAgreeLabel    = "A"
	DefaultDisagreeLabel = "B"
	DefaultThreshold     = 0.25
	DefaultSamples       = 5
	DefaultConcurrency   = 5
)

var builtinPrompts = sync.OnceValue(func() *prompt.Registry {
	reg := prompt.NewRegistry()
	prompt.RegisterBuiltins(reg)
	return reg
})

// Consistent is the representative sample chosen by an Evaluator.
type Consistent[R any] struct {
	Output R
	// Index is the sample index of Output.
	Index int
	// Scores has one entry per sample; failed samples score 0.
	Scores []float64
	Metric Metric
}

// Consistency returns the winning sample's score.
func (c Consistent[R]) Consistency() float64 {
	if c.Index < 0 || c.Index >= len(c.Scores) {
		return 0
	}
	return c.Scores[c.Index]
}

// Evaluator runs Target Samples times, judges every pair of successful
// outputs and returns the output that agreed with the others most often.
// It is itself an Executable, so it composes with builders and workflows.
type Evaluator[I, R any] struct {
	Target      execute.Executable[I, R]
	Samples     int
	Concurrency int
	// JudgeConcurrency bounds concurrent judge calls; 0 runs them all at once.
	JudgeConcurrency int

	Task string
	// Prompt is a judge template. When empty PromptRef is resolved in
	// Prompts, falling back to the built-in judge templates.
	Prompt    string
	PromptRef string
	Prompts   *prompt.Registry

	Scores        map[string]float64
	AgreeLabel    string
	DisagreeLabel string
	// Threshold below which LowConsistencyDetected is emitted. Zero means
	// DefaultThreshold; a negative value turns the warning off.
	Threshold float64

	Format func(R) string

	Judge      llm.Client
	JudgeModel string
	Models     *llm.Registry
}

// NewEvaluator applies the eval section of the runtime configuration.
func NewEvaluator[I, R any](target execute.Executable[I, R], cfg runtimeconfig.EvalConfig, models *llm.Registry) *Evaluator[I, R] {
	return &Evaluator[I, R]{
		Target:      target,
		Samples:     cfg.Samples,
		Concurrency: cfg.Concurrency,
		Threshold:   cfg.Threshold,
		PromptRef:   cfg.Prompt,
		JudgeModel:  cfg.JudgeModel,
		Models:      models,
	}
}

type settings[R any] struct {
	samples     int
	concurrency int
	threshold   float64
	agree       string
	disagree    string
	scores      map[string]float64
	labels      map[string]bool
	template    string
	format      func(R) string
	judge       llm.Client
}

func (e *Evaluator[I, R]) resolve() (settings[R], error) {
	s := settings[R]{
		samples:     e.Samples,
		concurrency: e.Concurrency,
		threshold:   e.Threshold,
		agree:       e.AgreeLabel,
		disagree:    e.DisagreeLabel,
		format:      e.Format,
		judge:       e.Judge,
	}
	if e.Target == nil {
		return s, types.ConfigurationError("consistency evaluator needs a target executable")
	}
	if s.samples == 0 {
		s.samples = DefaultSamples
	}
	if s.samples < 2 {
		return s, types.ConfigurationError("consistency evaluation needs at least 2 samples, got %d", s.samples)
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.threshold == 0 {
		s.threshold = DefaultThreshold
	}
	s.template = e.Prompt
	var verdict *prompt.Verdict
	if strings.TrimSpace(s.template) == "" {
		ref := e.PromptRef
		if ref == "" {
			ref = prompt.ConsistencyJudge
		}
		spec, ok := e.lookupPrompt(ref)
		if !ok {
			return s, types.ConfigurationError("judge prompt %q not found", ref)
		}
		s.template = spec.Template
		verdict = spec.Verdict
	}

	s.scores = e.Scores
	if verdict != nil {
		if s.agree == "" {
			s.agree = verdict.Agree
		}
		if s.disagree == "" {
			s.disagree = verdict.Disagree
		}
		if len(s.scores) == 0 && s.agree == verdict.Agree && s.disagree == verdict.Disagree {
			s.scores = verdict.ScoreMap()
		}
	}
	if s.agree == "" {
		s.agree = DefaultAgreeLabel
	}
	if s.disagree == "" {
		s.disagree = DefaultDisagreeLabel
	}
	if s.agree == s.disagree {
		return s, types.ConfigurationError("agreement and disagreement labels must differ, both are %q", s.agree)
	}
	if len(s.scores) == 0 {
		s.scores = map[string]float64{s.agree: 1.0, s.disagree: 0.0}
	}
	s.labels = map[string]bool{s.agree: true, s.disagree: true}
	for label := range s.scores {
		s.labels[label] = true
	}
	if s.format == nil {
		s.format = func(v R) string { return fmt.Sprint(v) }
	}

	if s.judge == nil {
		if e.Models == nil {
			return s, types.ConfigurationError("consistency evaluator has no judge client and no model registry")
		}
		var err error
		if e.JudgeModel != "" {
			s.judge, err = e.Models.Get(e.JudgeModel)
		} else {
			s.judge, err = e.Models.Default()
		}
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

func (e *Evaluator[I, R]) lookupPrompt(ref string) (prompt.Spec, bool) {
	if e.Prompts != nil {
		if spec, ok := e.Prompts.Resolve(ref); ok {
			return spec, true
		}
	}
	return builtinPrompts().Resolve(ref)
}

type pair struct {
	First, Second int
}

type verdict struct {
	Record Record
	Err    error
}

func (e *Evaluator[I, R]) Execute(ctx context.Context, ec *execute.ExecutionContext, input I) (Consistent[R], error) {
	s, err := e.resolve()
	if err != nil {
		return Consistent[R]{}, err
	}

	evalEC := ec.Child(observe.SourceConsistency)
	logger := evalEC.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	_ = evalEC.Start(ctx, "consistency", map[string]any{"samples": s.samples, "concurrency": s.concurrency})
	out, err := e.evaluate(ctx, evalEC, logger, s, input)
	if err != nil {
		logger.Warn("consistency evaluation failed", zap.Error(err))
		_ = evalEC.Finish(context.WithoutCancel(ctx), err)
		return Consistent[R]{}, err
	}
	_ = evalEC.Emit(context.WithoutCancel(ctx), observe.Finished{Attributes: map[string]any{
		"index":       out.Index,
		"consistency": out.Consistency(),
		"judged":      len(out.Metric.Records),
	}})
	return out, nil
}

func (e *Evaluator[I, R]) evaluate(ctx context.Context, ec *execute.ExecutionContext, logger *zap.Logger, s settings[R], input I) (Consistent[R], error) {
	inputs := make([]I, s.samples)
	for i := range inputs {
		inputs[i] = input
	}
	sampler := &execute.LoopExecutor[I, R]{
		Exec:        e.Target,
		Concurrency: s.concurrency,
		Mode:        execute.Buffered,
		Name:        "sample",
	}
	pending, w := sampler.Start(ctx, ec, inputs)
	result, err := pending.Wait(ctx)
	if err != nil {
		return Consistent[R]{}, errors.Join(err, w.Drain(context.WithoutCancel(ctx)))
	}

	successes := result.Successes()
	if len(successes) < 2 {
		drainErr := w.Drain(context.WithoutCancel(ctx))
		err := types.RuntimeError("consistency evaluation needs at least 2 successful samples, got %d of %d: %w",
			len(successes), s.samples, result.Err())
		return Consistent[R]{}, errors.Join(err, drainErr)
	}
	if failed := result.Failed(); len(failed) > 0 {
		logger.Warn("some samples failed", zap.Int("failed", len(failed)), zap.Int("samples", s.samples))
	}

	pairs := make([]pair, 0, len(successes)*(len(successes)-1)/2)
	for a := 0; a < len(successes); a++ {
		for b := a + 1; b < len(successes); b++ {
			pairs = append(pairs, pair{First: a, Second: b})
		}
	}

	judgeWidth := e.JudgeConcurrency
	if judgeWidth <= 0 {
		judgeWidth = len(pairs)
	}
	judging := &execute.LoopExecutor[pair, verdict]{
		Exec: execute.Step("judge", observe.SourceJudge, execute.Func[pair, verdict](
			func(ctx context.Context, jec *execute.ExecutionContext, p pair) (verdict, error) {
				return e.judgePair(ctx, jec, s, successes[p.First], successes[p.Second])
			})),
		Concurrency: judgeWidth,
		Name:        "judge",
	}
	judged, err := judging.Run(ctx, ec, pairs)
	if err != nil {
		return Consistent[R]{}, errors.Join(err, w.Drain(context.WithoutCancel(ctx)))
	}

	counts := make([]int, s.samples)
	var metric Metric
	for k, item := range judged.Items {
		p := pairs[k]
		if item.Err != nil {
			logger.Warn("judge call failed", zap.Int("first", successes[p.First].Index), zap.Int("second", successes[p.Second].Index), zap.Error(item.Err))
			metric.Records = append(metric.Records, Record{Label: s.disagree, Score: s.scores[s.disagree]})
			metric.Errors = append(metric.Errors, item.Err.Error())
			continue
		}
		metric.Records = append(metric.Records, item.Value.Record)
		if item.Value.Record.Label == s.agree {
			counts[successes[p.First].Index]++
			counts[successes[p.Second].Index]++
		}
	}

	total := float64(len(pairs))
	scores := make([]float64, s.samples)
	for i, c := range counts {
		scores[i] = float64(c) / total
	}
	best := successes[0]
	for _, item := range successes[1:] {
		if scores[item.Index] > scores[best.Index] {
			best = item
		}
	}
	consistency := scores[best.Index]

	if consistency < s.threshold {
		logger.Warn("low consistency", zap.Float64("consistency", consistency), zap.Float64("threshold", s.threshold))
		if err := ec.Emit(ctx, observe.LowConsistencyDetected{Consistency: consistency}); err != nil {
			logger.Warn("failed to emit low consistency warning", zap.Error(err))
		}
	}

	// Dropped samples stay hidden but their tokens were still spent.
	var hidden types.Usage
	for i := 0; i < s.samples; i++ {
		if i != best.Index {
			hidden = hidden.Add(w.Usage(i))
		}
	}
	if err := w.Replay(context.WithoutCancel(ctx), best.Index); err != nil {
		return Consistent[R]{}, fmt.Errorf("replay sample %d: %w", best.Index, err)
	}
	if !hidden.IsZero() {
		if err := ec.Emit(context.WithoutCancel(ctx), observe.UsageReported{Usage: hidden}); err != nil {
			logger.Warn("failed to report usage of dropped samples", zap.Error(err))
		}
	}
	logger.Debug("consistency evaluated",
		zap.Int("index", best.Index),
		zap.Float64("consistency", consistency),
		zap.Int("pairs", len(pairs)))

	return Consistent[R]{
		Output: best.Value,
		Index:  best.Index,
		Scores: scores,
		Metric: metric,
	}, nil
}

func (e *Evaluator[I, R]) judgePair(ctx context.Context, ec *execute.ExecutionContext, s settings[R], first, second execute.ItemResult[R]) (verdict, error) {
	_ = ec.Emit(ctx, observe.SetMetadata{Attributes: map[string]any{"first": first.Index, "second": second.Index}})
	rendered, err := ec.Render(s.template, map[string]any{
		"task":     e.Task,
		"first":    s.format(first.Value),
		"second":   s.format(second.Value),
		"agree":    s.agree,
		"disagree": s.disagree,
	})
	if err != nil {
		return verdict{}, fmt.Errorf("render judge prompt: %w", err)
	}
	resp, err := llm.Complete(ctx, s.judge, rendered)
	if err != nil {
		return verdict{}, fmt.Errorf("judge samples %d and %d: %w", first.Index, second.Index, err)
	}
	if resp.Usage != nil {
		_ = ec.Emit(ctx, observe.UsageReported{Usage: *resp.Usage})
	}
	label, reasoning := ParseVerdict(resp.Text, s.labels, s.disagree)
	return verdict{Record: Record{Reasoning: reasoning, Label: label, Score: s.scores[label]}}, nil
}

// ParseVerdict scans response from its last line backwards for a line that
// is exactly one of labels. The text before that line is the reasoning.
// Without a label line the fallback label is returned with the whole text.
func ParseVerdict(response string, labels map[string]bool, fallback string) (label, reasoning string) {
	lines := strings.Split(strings.ReplaceAll(response, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(lines[i])
		if labels[candidate] {
			return candidate, strings.TrimSpace(strings.Join(lines[:i], "\n"))
		}
	}
	return fallback, strings.TrimSpace(response)
}
