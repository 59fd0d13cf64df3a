package graph

import "maps"

// State flows through a workflow graph. Every node receives a copy of the
// state left by the previous node.
type State struct {
	Input      string         `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	LastNodeID string         `json:"lastNodeId,omitempty"`
	Trace      []string       `json:"trace,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewState seeds a state with input and a copy of vars.
func NewState(input string, vars map[string]any) State {
	s := State{Input: input, Data: map[string]any{}}
	maps.Copy(s.Data, vars)
	return s
}

func (s *State) EnsureData() {
	if s.Data == nil {
		s.Data = map[string]any{}
	}
}

// Clone copies the state. Values inside Data are shared.
func (s State) Clone() State {
	out := s
	out.Trace = append([]string(nil), s.Trace...)
	out.Data = make(map[string]any, len(s.Data))
	maps.Copy(out.Data, s.Data)
	return out
}

// Vars exposes the state to templates as input, output and data.
func (s State) Vars() map[string]any {
	return map[string]any{
		"input":  s.Input,
		"output": s.Output,
		"data":   s.Data,
	}
}

// String returns Data[key] as a string when it holds one.
func (s State) String(key string) string {
	v, _ := s.Data[key].(string)
	return v
}
