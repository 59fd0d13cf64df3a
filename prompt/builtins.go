package prompt

const (
	ConsistencyJudge       = "consistency-judge"
	ConsistencyJudgeStrict = "consistency-judge-strict"
)

// ConsistencyJudgeTemplate compares two sampled outputs for the same task.
// Variables: task, first, second, agree, disagree.
const ConsistencyJudgeTemplate = `You are comparing two answers produced for the same task.

Task:
{{{task}}}

Answer 1:
{{{first}}}

Answer 2:
{{{second}}}

Decide whether the two answers are consistent: they reach the same conclusions and do not contradict each other. Differences in wording or formatting do not matter.

Explain your reasoning in a few sentences. Then write the verdict alone on the last line:
{{agree}} if the answers are consistent
{{disagree}} if they are not`

var judgeVerdict = Verdict{Agree: "A", Disagree: "B"}

// RegisterBuiltins adds the built-in judge templates to reg.
func RegisterBuiltins(reg *Registry) {
	verdict := judgeVerdict
	_ = reg.Register(Spec{
		Name:        ConsistencyJudge,
		Version:     "v1",
		Description: "Pairwise consistency judge for sampled outputs",
		Template:    ConsistencyJudgeTemplate,
		Variables:   []string{"task", "first", "second", "agree", "disagree"},
		Tags:        []string{"eval", "judge"},
		Verdict:     &verdict,
	})
	_ = reg.Register(Spec{
		Name:        ConsistencyJudgeStrict,
		Version:     "v1",
		Description: "Pairwise judge that also compares concrete figures and names",
		Template: `You are auditing two answers produced for the same task{{#if globals.domain}} in the {{globals.domain}} domain{{/if}}.

Task:
{{{task}}}

Answer 1:
{{{first}}}

Answer 2:
{{{second}}}

The answers are consistent only if every number, name and conclusion they share agrees. Wording does not matter.

Give a short justification, then the verdict alone on the last line:
{{agree}} if the answers are consistent
{{disagree}} if they are not`,
		Variables: []string{"task", "first", "second", "agree", "disagree"},
		Tags:      []string{"eval", "judge"},
		Verdict:   &verdict,
	})
}
