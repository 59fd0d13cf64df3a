package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

type OutputKind string

const (
	OutputText  OutputKind = "text"
	OutputJSON  OutputKind = "json"
	OutputTable OutputKind = "table"
)

// Output is the value produced by a step. Text is always populated so that
// outputs can be compared and rendered into prompts.
type Output struct {
	Kind OutputKind     `json:"kind,omitempty"`
	Text string         `json:"text,omitempty"`
	Data any            `json:"data,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

func TextOutput(text string) Output {
	return Output{Kind: OutputText, Text: text}
}

func JSONOutput(data any) (Output, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode json output: %w", err)
	}
	return Output{Kind: OutputJSON, Text: string(raw), Data: data}, nil
}

func (o Output) String() string {
	return o.Text
}

// Merge appends a streamed delta to the output.
func (o Output) Merge(delta Output) Output {
	out := o
	if out.Kind == "" {
		out.Kind = delta.Kind
	}
	out.Text += delta.Text
	if delta.Data != nil {
		out.Data = delta.Data
	}
	if len(delta.Meta) > 0 {
		if out.Meta == nil {
			out.Meta = map[string]any{}
		}
		for k, v := range delta.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// Chunk is one increment of a possibly streamed Output.
type Chunk struct {
	Key      string `json:"key,omitempty"`
	Delta    Output `json:"delta"`
	Finished bool   `json:"finished,omitempty"`
}

func JoinOutputs(outputs []Output, sep string) Output {
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if strings.TrimSpace(o.Text) == "" {
			continue
		}
		parts = append(parts, o.Text)
	}
	return TextOutput(strings.Join(parts, sep))
}
