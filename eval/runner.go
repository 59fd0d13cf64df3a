package eval

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/observe"
)

// Runner evaluates a dataset with a consistency evaluator, one case per
// worker.
type Runner[R any] struct {
	evaluator execute.Executable[string, Consistent[R]]
	format    func(R) string
}

type RunOptions struct {
	DatasetPath    string
	MaxCases       int
	Workers        int
	Retries        int
	RetryBackoff   time.Duration
	CaseTimeout    time.Duration
	Timeout        time.Duration
	MinConsistency float64
}

type Report struct {
	Dataset        string                `json:"dataset,omitempty"`
	StartedAt      time.Time             `json:"startedAt"`
	CompletedAt    time.Time             `json:"completedAt"`
	Total          int                   `json:"total"`
	Passed         int                   `json:"passed"`
	Failed         int                   `json:"failed"`
	PassRate       float64               `json:"passRate"`
	AvgConsistency float64               `json:"avgConsistency"`
	AvgAccuracy    float64               `json:"avgAccuracy"`
	LowConsistency int                   `json:"lowConsistency"`
	JudgeErrors    int                   `json:"judgeErrors"`
	AvgLatencyMs   float64               `json:"avgLatencyMs"`
	LatencyP50Ms   int64                 `json:"latencyP50Ms"`
	LatencyP95Ms   int64                 `json:"latencyP95Ms"`
	PerTag         map[string]TagMetrics `json:"perTag,omitempty"`
	Results        []CaseResult          `json:"results"`
}

type TagMetrics struct {
	Total          int     `json:"total"`
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	PassRate       float64 `json:"passRate"`
	AvgConsistency float64 `json:"avgConsistency"`
}

type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

type CaseResult struct {
	CaseID      string        `json:"caseId"`
	Input       string        `json:"input,omitempty"`
	Output      string        `json:"output,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Pass        bool          `json:"pass"`
	Error       string        `json:"error,omitempty"`
	Index       int           `json:"index"`
	Consistency float64       `json:"consistency"`
	Accuracy    float64       `json:"accuracy"`
	Low         bool          `json:"low,omitempty"`
	JudgeErrors int           `json:"judgeErrors,omitempty"`
	LatencyMs   int64         `json:"latencyMs"`
	Attempts    int           `json:"attempts,omitempty"`
	Checks      []CheckResult `json:"checks"`
}

func NewRunner[R any](evaluator execute.Executable[string, Consistent[R]], format func(R) string) (*Runner[R], error) {
	if evaluator == nil {
		return nil, errors.New("runner evaluator is required")
	}
	if format == nil {
		format = func(v R) string { return fmt.Sprint(v) }
	}
	return &Runner[R]{evaluator: evaluator, format: format}, nil
}

// Run evaluates cases under ec. Each case runs in its own task Source.
func (r *Runner[R]) Run(ctx context.Context, ec *execute.ExecutionContext, cases []Case, opts RunOptions) (Report, error) {
	if r == nil || r.evaluator == nil {
		return Report{}, errors.New("runner evaluator is required")
	}
	if len(cases) == 0 {
		return Report{}, errors.New("at least one case is required")
	}
	if opts.MaxCases > 0 && opts.MaxCases < len(cases) {
		cases = cases[:opts.MaxCases]
	}
	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers(len(cases))
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 400 * time.Millisecond
	}
	minConsistency := opts.MinConsistency
	if minConsistency <= 0 {
		minConsistency = DefaultThreshold
	}

	report := Report{
		Dataset:   opts.DatasetPath,
		StartedAt: time.Now().UTC(),
		PerTag:    map[string]TagMetrics{},
	}

	results := make([]CaseResult, len(cases))
	var g errgroup.Group
	g.SetLimit(workers)
	for idx, c := range cases {
		if runCtx.Err() != nil {
			results[idx] = contextFailureResult(c, runCtx.Err(), 0)
			continue
		}
		g.Go(func() error {
			results[idx] = r.runCaseWithRetry(runCtx, ec, c, opts, retries, backoff, minConsistency)
			return nil
		})
	}
	_ = g.Wait()

	latencies := make([]int64, 0, len(cases))
	var consistencySum, accuracySum float64
	tagConsistency := map[string]float64{}
	for _, res := range results {
		report.Results = append(report.Results, res)
		report.Total++
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		if res.Low {
			report.LowConsistency++
		}
		report.JudgeErrors += res.JudgeErrors
		consistencySum += res.Consistency
		accuracySum += res.Accuracy
		latencies = append(latencies, res.LatencyMs)

		for _, tag := range res.Tags {
			m := report.PerTag[tag]
			m.Total++
			if res.Pass {
				m.Passed++
			} else {
				m.Failed++
			}
			tagConsistency[tag] += res.Consistency
			report.PerTag[tag] = m
		}
	}

	report.CompletedAt = time.Now().UTC()
	report.PassRate = ratio(report.Passed, report.Total)
	report.AvgConsistency = consistencySum / float64(report.Total)
	report.AvgAccuracy = accuracySum / float64(report.Total)
	report.AvgLatencyMs = averageInt64(latencies)
	report.LatencyP50Ms = percentile(latencies, 50)
	report.LatencyP95Ms = percentile(latencies, 95)
	for tag, m := range report.PerTag {
		m.PassRate = ratio(m.Passed, m.Total)
		m.AvgConsistency = tagConsistency[tag] / float64(m.Total)
		report.PerTag[tag] = m
	}
	return report, nil
}

func (r *Runner[R]) runCaseWithRetry(ctx context.Context, ec *execute.ExecutionContext, c Case, opts RunOptions, retries int, backoff time.Duration, minConsistency float64) CaseResult {
	caseCtx := ctx
	cancel := func() {}
	if opts.CaseTimeout > 0 {
		caseCtx, cancel = context.WithTimeout(ctx, opts.CaseTimeout)
	}
	defer cancel()

	var last CaseResult
	attempts := retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := caseCtx.Err(); err != nil {
			return contextFailureResult(c, err, attempt-1)
		}
		res := r.runCase(caseCtx, ec, c, minConsistency)
		res.Attempts = attempt
		last = res
		if strings.TrimSpace(res.Error) == "" {
			return res
		}
		if attempt < attempts {
			select {
			case <-caseCtx.Done():
				return last
			case <-time.After(backoffForAttempt(backoff, attempt)):
			}
		}
	}
	return last
}

func (r *Runner[R]) runCase(ctx context.Context, ec *execute.ExecutionContext, c Case, minConsistency float64) CaseResult {
	started := time.Now()
	result := CaseResult{
		CaseID: c.ID,
		Input:  c.Input,
		Tags:   append([]string(nil), c.Tags...),
		Index:  -1,
		Checks: make([]CheckResult, 0, 2),
	}

	caseEC := ec.Child(observe.SourceTask)
	_ = caseEC.Start(ctx, "case "+c.ID, map[string]any{"case_id": c.ID, "tags": c.Tags})
	out, err := r.evaluator.Execute(ctx, caseEC, c.Input)
	_ = caseEC.Finish(context.WithoutCancel(ctx), err)
	result.LatencyMs = time.Since(started).Milliseconds()
	if err != nil {
		caseEC.Logger.Warn("case failed", zap.String("case_id", c.ID), zap.Error(err))
		result.Error = err.Error()
		result.Checks = append(result.Checks, CheckResult{Name: "run", Pass: false, Detail: err.Error()})
		return result
	}

	result.Output = r.format(out.Output)
	result.Index = out.Index
	result.Consistency = out.Consistency()
	result.Accuracy = out.Metric.Accuracy()
	result.JudgeErrors = len(out.Metric.Errors)
	result.Low = result.Consistency < minConsistency

	check := CheckResult{Name: "consistency", Pass: !result.Low}
	check.Detail = fmt.Sprintf("consistency %.3f, min %.3f", result.Consistency, minConsistency)
	result.Checks = append(result.Checks, check)

	if expected := strings.TrimSpace(c.Expected); expected != "" {
		if strings.Contains(result.Output, expected) {
			result.Checks = append(result.Checks, CheckResult{Name: "expected_output", Pass: true})
		} else {
			result.Checks = append(result.Checks, CheckResult{
				Name:   "expected_output",
				Pass:   false,
				Detail: fmt.Sprintf("output does not contain expected substring %q", expected),
			})
		}
	}
	result.Pass = allChecksPass(result.Checks)
	return result
}

func contextFailureResult(c Case, err error, attempts int) CaseResult {
	errText := "context canceled"
	if err != nil {
		errText = err.Error()
	}
	return CaseResult{
		CaseID:   c.ID,
		Input:    c.Input,
		Tags:     append([]string(nil), c.Tags...),
		Index:    -1,
		Error:    errText,
		Checks:   []CheckResult{{Name: "run", Pass: false, Detail: errText}},
		Attempts: attempts,
	}
}

func defaultWorkers(total int) int {
	if total <= 1 {
		return 1
	}
	cpu := runtime.NumCPU()
	if cpu < 2 {
		cpu = 2
	}
	if cpu > 8 {
		cpu = 8
	}
	if cpu > total {
		cpu = total
	}
	return cpu
}

func backoffForAttempt(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := 1 << (attempt - 1)
	if mult > 16 {
		mult = 16
	}
	return time.Duration(mult) * base
}

func allChecksPass(checks []CheckResult) bool {
	for _, check := range checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return (float64(numerator) / float64(denominator)) * 100
}

func averageInt64(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int((float64(p) / 100) * float64(len(sorted)-1))
	return sorted[idx]
}
