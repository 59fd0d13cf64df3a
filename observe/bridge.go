package observe

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the flat, column-friendly projection of an Event used by
// persistent and cross-process consumers.
type Record struct {
	RunID      string         `json:"runId,omitempty"`
	SourceID   string         `json:"sourceId"`
	ParentID   string         `json:"parentId,omitempty"`
	SourceKind SourceKind     `json:"sourceKind"`
	Type       EventType      `json:"type"`
	Status     Status         `json:"status"`
	Name       string         `json:"name,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Payload    []byte         `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Flatten projects an event onto a Record. RunID is left for the caller,
// which knows the root of the source tree.
func Flatten(e Event) Record {
	e.Normalize()
	r := Record{
		SourceID:   e.Source.ID,
		ParentID:   e.Source.ParentID,
		SourceKind: e.Source.Kind,
		Type:       e.Type(),
		Status:     StatusRunning,
		Timestamp:  e.Timestamp,
	}
	switch k := e.Kind.(type) {
	case Started:
		r.Status = StatusStarted
		r.Name = k.Name
		r.Attributes = k.Attributes
	case Finished:
		r.Status = StatusCompleted
		r.Message = k.Message
		r.Attributes = k.Attributes
		if k.Error != "" {
			r.Status = StatusFailed
			r.Error = k.Error
		}
	case Updated:
		r.Message = k.Chunk.Delta.String()
		if k.Chunk.Key != "" {
			r.Attributes = map[string]any{"key": k.Chunk.Key}
		}
	case Message:
		r.Message = k.Text
	case Failure:
		r.Status = StatusFailed
		r.Error = k.Text
	case ArtifactStarted:
		r.Name = k.Title
		r.Attributes = map[string]any{"kind": k.Kind}
	case ArtifactFinished:
		if k.Error != "" {
			r.Status = StatusFailed
			r.Error = k.Error
		}
	case SetMetadata:
		r.Attributes = k.Attributes
	case Progress:
		r.Attributes = map[string]any{"phase": string(k.Phase), "total": k.Total, "n": k.N}
	case UsageReported:
		r.Attributes = map[string]any{
			"inputTokens":  k.Usage.InputTokens,
			"outputTokens": k.Usage.OutputTokens,
			"totalTokens":  k.Usage.TotalTokens,
		}
	case LowConsistencyDetected:
		r.Attributes = map[string]any{"consistency": k.Consistency}
	}
	if raw, err := json.Marshal(e); err == nil {
		r.Payload = raw
	}
	return r
}

// Event rebuilds the original event from the stored payload.
func (r Record) Event() (Event, error) {
	var e Event
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
