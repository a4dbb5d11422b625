// Package transport carries the stream of events produced by one agent's
// conversational turn. Events are a closed tagged union: every Payload type in
// this file reports its own EventType, and Decode maps a wire tag back to the
// matching payload.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixgo-dev/agentops/pkg/message"
)

// EventType tags a stream event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventHeartbeat        EventType = "heartbeat"
	EventAgentRuntimeInit EventType = "agent_runtime_init"
	EventAgentRuntimeEnd  EventType = "agent_runtime_end"
	EventStreamStart      EventType = "stream_start"
	EventStreamChunk      EventType = "stream_chunk"
	EventStreamEnd        EventType = "stream_end"
	EventContentPart      EventType = "content_part"
	EventStepStart        EventType = "step_start"
	EventStepComplete     EventType = "step_complete"
	EventError            EventType = "error"
)

// ChunkType selects the message field a stream_chunk appends to.
type ChunkType string

const (
	ChunkText         ChunkType = "text"
	ChunkReasoning    ChunkType = "reasoning"
	ChunkToolsCalling ChunkType = "tools_calling"
)

// PartType is the kind of a multimodal content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Phase names a runtime step.
type Phase string

const (
	PhaseHumanApproval Phase = "human_approval"
	PhaseLLMCall       Phase = "llm_call"
	PhaseToolExecution Phase = "tool_execution"
)

// Payload is implemented by every event data type.
type Payload interface {
	EventType() EventType
}

// Event is one element of a turn's stream.
type Event struct {
	Type        EventType `json:"type"`
	OperationID string    `json:"operationId,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Data        Payload   `json:"data"`
}

// NewEvent wraps a payload.
func NewEvent(p Payload) Event {
	return Event{Type: p.EventType(), Timestamp: time.Now(), Data: p}
}

type Connected struct {
	SessionID string `json:"sessionId,omitempty"`
}

type Heartbeat struct{}

type AgentRuntimeInit struct {
	AgentID string `json:"agentId,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentRuntimeEnd is the authoritative end of a turn.
type AgentRuntimeEnd struct {
	Reason string `json:"reason,omitempty"`
}

// StreamStart announces the assistant message the turn writes into.
type StreamStart struct {
	MessageID string `json:"messageId"`
	ParentID  string `json:"parentId,omitempty"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

type StreamChunk struct {
	ChunkType    ChunkType          `json:"chunkType"`
	Content      string             `json:"content,omitempty"`
	Reasoning    string             `json:"reasoning,omitempty"`
	ToolsCalling []message.ToolCall `json:"toolsCalling,omitempty"`
}

type ContentPart struct {
	PartType PartType       `json:"partType"`
	Content  string         `json:"content,omitempty"`
	Image    *message.Image `json:"image,omitempty"`
}

// StepStart opens a runtime step. A human_approval step pauses the turn
// until an intervention arrives.
type StepStart struct {
	Phase           Phase          `json:"phase"`
	StepIndex       int            `json:"stepIndex,omitempty"`
	PendingApproval map[string]any `json:"pendingApproval,omitempty"`
}

// StepComplete closes a runtime step. After an llm_call step, ToolCalls lists
// the calls that must be executed by the client.
type StepComplete struct {
	Phase     Phase              `json:"phase"`
	StepIndex int                `json:"stepIndex,omitempty"`
	ToolCalls []message.ToolCall `json:"toolCalls,omitempty"`
}

// StreamEnd carries the final persisted content of the assistant message.
type StreamEnd struct {
	Content      string             `json:"content"`
	Reasoning    *message.Reasoning `json:"reasoning,omitempty"`
	Tools        []message.ToolCall `json:"tools,omitempty"`
	Images       []message.Image    `json:"images,omitempty"`
	Grounding    map[string]any     `json:"grounding,omitempty"`
	FinishReason string             `json:"finishReason,omitempty"`
}

// Error reports a runtime failure.
type Error struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Body    map[string]any `json:"body,omitempty"`
}

func (Connected) EventType() EventType        { return EventConnected }
func (Heartbeat) EventType() EventType        { return EventHeartbeat }
func (AgentRuntimeInit) EventType() EventType { return EventAgentRuntimeInit }
func (AgentRuntimeEnd) EventType() EventType  { return EventAgentRuntimeEnd }
func (StreamStart) EventType() EventType      { return EventStreamStart }
func (StreamChunk) EventType() EventType      { return EventStreamChunk }
func (ContentPart) EventType() EventType      { return EventContentPart }
func (StepStart) EventType() EventType        { return EventStepStart }
func (StepComplete) EventType() EventType     { return EventStepComplete }
func (StreamEnd) EventType() EventType        { return EventStreamEnd }
func (Error) EventType() EventType            { return EventError }

// Decode builds an event from its wire tag and JSON payload.
func Decode(t EventType, data []byte) (Event, error) {
	var p Payload
	var err error

	switch t {
	case EventConnected:
		p, err = decodeAs[Connected](data)
	case EventHeartbeat:
		p = Heartbeat{}
	case EventAgentRuntimeInit:
		p, err = decodeAs[AgentRuntimeInit](data)
	case EventAgentRuntimeEnd:
		p, err = decodeAs[AgentRuntimeEnd](data)
	case EventStreamStart:
		p, err = decodeAs[StreamStart](data)
	case EventStreamChunk:
		p, err = decodeAs[StreamChunk](data)
	case EventContentPart:
		p, err = decodeAs[ContentPart](data)
	case EventStepStart:
		p, err = decodeAs[StepStart](data)
	case EventStepComplete:
		p, err = decodeAs[StepComplete](data)
	case EventStreamEnd:
		p, err = decodeAs[StreamEnd](data)
	case EventError:
		p, err = decodeAs[Error](data)
	default:
		return Event{}, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", t, err)
	}
	return Event{Type: t, Data: p}, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// envelope is the JSON shape of an Event on the wire.
type envelope struct {
	Type        EventType       `json:"type"`
	OperationID string          `json:"operationId,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitzero"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes a full event envelope.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	ev, err := Decode(env.Type, env.Data)
	if err != nil {
		return err
	}
	ev.OperationID = env.OperationID
	ev.Timestamp = env.Timestamp
	*e = ev
	return nil
}
