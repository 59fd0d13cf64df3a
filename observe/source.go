package observe

import "github.com/google/uuid"

type SourceKind string

const (
	SourceWorkflow    SourceKind = "workflow"
	SourceTask        SourceKind = "task"
	SourceAgent       SourceKind = "agent"
	SourceTool        SourceKind = "tool"
	SourceStep        SourceKind = "step"
	SourceLoop        SourceKind = "loop"
	SourceLoopItem    SourceKind = "loop_item"
	SourceConsistency SourceKind = "consistency"
	SourceJudge       SourceKind = "judge"
)

// Source identifies a node in the execution tree.
type Source struct {
	ID       string     `json:"id"`
	Kind     SourceKind `json:"kind"`
	ParentID string     `json:"parentId,omitempty"`
}

func NewSource(kind SourceKind) Source {
	return Source{ID: uuid.NewString(), Kind: kind}
}

func NewSourceWithID(id string, kind SourceKind) Source {
	if id == "" {
		id = uuid.NewString()
	}
	return Source{ID: id, Kind: kind}
}

func (s Source) Child(kind SourceKind) Source {
	return Source{ID: uuid.NewString(), Kind: kind, ParentID: s.ID}
}

func (s Source) IsRoot() bool {
	return s.ParentID == ""
}

func (s Source) IsZero() bool {
	return s.ID == ""
}
