package observe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/execflow/types"
)

type EventType string

const (
	EventStarted          EventType = "started"
	EventFinished         EventType = "finished"
	EventUpdated          EventType = "updated"
	EventUsage            EventType = "usage"
	EventProgress         EventType = "progress"
	EventMessage          EventType = "message"
	EventError            EventType = "error"
	EventArtifactStarted  EventType = "artifact.started"
	EventArtifactFinished EventType = "artifact.finished"
	EventSetMetadata      EventType = "metadata"
	EventLowConsistency   EventType = "consistency.low"
)

// EventKind is the closed set of event payloads. Only types in this package
// implement it.
type EventKind interface {
	Type() EventType
	isEventKind()
}

type Started struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Finished struct {
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Updated struct {
	Chunk types.Chunk `json:"chunk"`
}

type UsageReported struct {
	Usage types.Usage `json:"usage"`
}

type ProgressPhase string

const (
	ProgressPhaseStarted  ProgressPhase = "started"
	ProgressPhaseUpdated  ProgressPhase = "updated"
	ProgressPhaseFinished ProgressPhase = "finished"
)

type Progress struct {
	Phase ProgressPhase `json:"phase"`
	Total int           `json:"total,omitempty"`
	N     int           `json:"n,omitempty"`
}

func ProgressStarted(total int) Progress { return Progress{Phase: ProgressPhaseStarted, Total: total} }
func ProgressUpdated(n int) Progress     { return Progress{Phase: ProgressPhaseUpdated, N: n} }
func ProgressFinished() Progress         { return Progress{Phase: ProgressPhaseFinished} }

type Message struct {
	Text string `json:"text"`
}

// Failure carries a non-terminal error report.
type Failure struct {
	Text string `json:"text"`
}

type ArtifactStarted struct {
	Kind  string `json:"kind"`
	Title string `json:"title,omitempty"`
}

type ArtifactFinished struct {
	Error string `json:"error,omitempty"`
}

type SetMetadata struct {
	Attributes map[string]any `json:"attributes"`
}

// LowConsistencyDetected is a warning: sampled outputs rarely agreed.
type LowConsistencyDetected struct {
	Consistency float64 `json:"consistency"`
}

func (Started) Type() EventType                { return EventStarted }
func (Finished) Type() EventType               { return EventFinished }
func (Updated) Type() EventType                { return EventUpdated }
func (UsageReported) Type() EventType          { return EventUsage }
func (Progress) Type() EventType               { return EventProgress }
func (Message) Type() EventType                { return EventMessage }
func (Failure) Type() EventType                { return EventError }
func (ArtifactStarted) Type() EventType        { return EventArtifactStarted }
func (ArtifactFinished) Type() EventType       { return EventArtifactFinished }
func (SetMetadata) Type() EventType            { return EventSetMetadata }
func (LowConsistencyDetected) Type() EventType { return EventLowConsistency }

func (Started) isEventKind()                {}
func (Finished) isEventKind()               {}
func (Updated) isEventKind()                {}
func (UsageReported) isEventKind()          {}
func (Progress) isEventKind()               {}
func (Message) isEventKind()                {}
func (Failure) isEventKind()                {}
func (ArtifactStarted) isEventKind()        {}
func (ArtifactFinished) isEventKind()       {}
func (SetMetadata) isEventKind()            {}
func (LowConsistencyDetected) isEventKind() {}

type Event struct {
	Source    Source    `json:"source"`
	Kind      EventKind `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(source Source, kind EventKind) Event {
	return Event{Source: source, Kind: kind, Timestamp: time.Now().UTC()}
}

func (e Event) Type() EventType {
	if e.Kind == nil {
		return ""
	}
	return e.Kind.Type()
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

type eventEnvelope struct {
	Source    Source          `json:"source"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == nil {
		return nil, fmt.Errorf("event kind is required")
	}
	data, err := json.Marshal(e.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Kind.Type(), err)
	}
	return json.Marshal(eventEnvelope{
		Source:    e.Source,
		Type:      e.Kind.Type(),
		Data:      data,
		Timestamp: e.Timestamp,
	})
}

func (e *Event) UnmarshalJSON(raw []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode event envelope: %w", err)
	}
	kind, err := decodeKind(env.Type, env.Data)
	if err != nil {
		return err
	}
	e.Source = env.Source
	e.Kind = kind
	e.Timestamp = env.Timestamp
	return nil
}

func decodeKind(t EventType, data json.RawMessage) (EventKind, error) {
	var kind EventKind
	switch t {
	case EventStarted:
		kind = &Started{}
	case EventFinished:
		kind = &Finished{}
	case EventUpdated:
		kind = &Updated{}
	case EventUsage:
		kind = &UsageReported{}
	case EventProgress:
		kind = &Progress{}
	case EventMessage:
		kind = &Message{}
	case EventError:
		kind = &Failure{}
	case EventArtifactStarted:
		kind = &ArtifactStarted{}
	case EventArtifactFinished:
		kind = &ArtifactFinished{}
	case EventSetMetadata:
		kind = &SetMetadata{}
	case EventLowConsistency:
		kind = &LowConsistencyDetected{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, kind); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", t, err)
		}
	}
	return deref(kind), nil
}

func deref(kind EventKind) EventKind {
	switch k := kind.(type) {
	case *Started:
		return *k
	case *Finished:
		return *k
	case *Updated:
		return *k
	case *UsageReported:
		return *k
	case *Progress:
		return *k
	case *Message:
		return *k
	case *Failure:
		return *k
	case *ArtifactStarted:
		return *k
	case *ArtifactFinished:
		return *k
	case *SetMetadata:
		return *k
	case *LowConsistencyDetected:
		return *k
	}
	return kind
}
