// Package event defines the flight-log record that flows through Sentinel:
// proxy handler → store → bus → subscribers.
//
// An Event is created once (by the proxy handler or the label ingress),
// assigned a sequence number at durable insert time, and is immutable from
// then on. The payload is a tagged union — exactly one of the variant
// pointers is set, matching the Type discriminator.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload type discriminators.
const (
	TypeUserMessage       = "user_message"
	TypeAssistantResponse = "assistant_response"
	TypeAgentActivity     = "agent_activity"
	TypeLabel             = "label"
	TypeError             = "error"
)

// Agent activity phases, emitted mid-stream for UI liveness.
const (
	PhaseThinking = "thinking"
	PhaseWriting  = "writing"
	PhaseToolUse  = "tool_use"
)

// TimestampFormat is RFC3339 with millisecond precision. All event
// timestamps are UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Event is the fundamental record. Seq is zero until the store assigns it;
// agent_activity events are never stored and keep Seq == 0 for their whole
// life on the bus.
type Event struct {
	Seq       int64   `json:"seq"`
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	SessionID string  `json:"session_id,omitempty"`
	Agent     string  `json:"agent,omitempty"`
	Topic     string  `json:"topic,omitempty"`
	Payload   Payload `json:"payload"`
}

// Payload is the tagged union carried by an event. Type selects which
// variant pointer is populated.
type Payload struct {
	Type              string             `json:"type"`
	UserMessage       *UserMessage       `json:"user_message,omitempty"`
	AssistantResponse *AssistantResponse `json:"assistant_response,omitempty"`
	AgentActivity     *AgentActivity     `json:"agent_activity,omitempty"`
	Label             *Label             `json:"label,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty"`
}

// UserMessage is the request-side payload: the last user-authored text
// block concatenated from the request body's message list.
type UserMessage struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// AssistantResponse is the reconstructed response-side payload. ToolCalls
// and Usage are always structurally present (possibly empty), never null.
type AssistantResponse struct {
	Streaming  bool       `json:"streaming"`
	Model      string     `json:"model,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Thinking   string     `json:"thinking"`
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	Usage      Usage      `json:"usage"`
}

// ToolCall is one tool invocation in content-block order.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage holds token accounting. Fields are pointers because the upstream
// reports them incrementally and some may never arrive.
type Usage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
}

// AgentActivity is a transient phase indicator. Bus-only — the store
// rejects it at the boundary.
type AgentActivity struct {
	Phase string `json:"phase"`
}

// Label is a structured record posted by the semantic-labeling sidecar
// through the ingress endpoint. Stored verbatim.
type Label struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ErrorInfo records a proxy-observed upstream failure: a failed forward or
// a non-200 upstream response. An abandoned tap produces no error event;
// its partial reconstruction is recorded as an assistant_response.
// UpstreamStatus is zero when no upstream response was seen.
type ErrorInfo struct {
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// New creates an unpersisted event with a fresh id and the current
// wall-clock timestamp. Seq stays zero until the store assigns it.
func New(payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(TimestampFormat),
		Payload:   payload,
	}
}

// Validate checks the union's structural invariants: the discriminator is
// known and matches the populated variant.
func (p Payload) Validate() error {
	switch p.Type {
	case TypeUserMessage:
		if p.UserMessage == nil {
			return fmt.Errorf("payload type %s with nil variant", p.Type)
		}
	case TypeAssistantResponse:
		if p.AssistantResponse == nil {
			return fmt.Errorf("payload type %s with nil variant", p.Type)
		}
	case TypeAgentActivity:
		if p.AgentActivity == nil {
			return fmt.Errorf("payload type %s with nil variant", p.Type)
		}
	case TypeLabel:
		if p.Label == nil {
			return fmt.Errorf("payload type %s with nil variant", p.Type)
		}
	case TypeError:
		if p.Error == nil {
			return fmt.Errorf("payload type %s with nil variant", p.Type)
		}
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	return nil
}

// NewAssistantResponse returns a response payload with ToolCalls and Usage
// structurally present, as the data model requires.
func NewAssistantResponse() *AssistantResponse {
	return &AssistantResponse{ToolCalls: []ToolCall{}}
}

// Envelope is the push-channel record shape. Every frame written to a
// subscriber is one envelope: either a live event or a resync notice.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Push-channel envelope types.
const (
	EnvelopeObservabilityEvent = "observability_event"
	EnvelopeResyncRequired     = "resync_required"
)

// Resync tells a consumer that bus-side drops occurred and history must be
// re-fetched from the backfill endpoints.
type Resync struct {
	EventsDropped int64 `json:"events_dropped"`
	LatestSeq     int64 `json:"latest_seq"`
}

// MarshalEnvelope wraps a live event in the push-channel envelope.
func MarshalEnvelope(e Event) ([]byte, error) {
	inner, err := json.Marshal(struct {
		Event Event `json:"event"`
	}{Event: e})
	if err != nil {
		return nil, fmt.Errorf("marshaling event %s: %w", e.ID, err)
	}
	return json.Marshal(Envelope{Type: EnvelopeObservabilityEvent, Payload: inner})
}

// MarshalResync wraps a resync notice in the push-channel envelope.
func MarshalResync(r Resync) ([]byte, error) {
	inner, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling resync: %w", err)
	}
	return json.Marshal(Envelope{Type: EnvelopeResyncRequired, Payload: inner})
}
