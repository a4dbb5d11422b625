package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Intervention actions understood by ScriptedTransport.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// ScriptStep is the YAML/JSON form of one scripted event.
type ScriptStep struct {
	Type EventType      `json:"type" yaml:"type"`
	Data map[string]any `json:"data,omitempty" yaml:"data"`
}

// ToEvent decodes the step into a typed event.
func (s ScriptStep) ToEvent() (Event, error) {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", s.Type, err)
	}
	if s.Data == nil {
		data = nil
	}
	return Decode(s.Type, data)
}

// ScriptFunc produces the events of a turn for agents without a fixed script.
type ScriptFunc func(req Request) []Event

// ScriptedTransport replays fixed event sequences per agent. A human_approval
// step blocks the stream until Intervene is called for the operation.
type ScriptedTransport struct {
	mu       sync.Mutex
	scripts  map[string][]Event
	fallback ScriptFunc
	delay    time.Duration
	pending  map[string]chan string
	requests []Request
}

// NewScriptedTransport creates an empty scripted transport.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		scripts: make(map[string][]Event),
		pending: make(map[string]chan string),
	}
}

// Script sets the events replayed for an agent.
func (t *ScriptedTransport) Script(agentID string, events ...Event) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[agentID] = events
	return t
}

// ScriptSteps sets an agent's events from their serialised form.
func (t *ScriptedTransport) ScriptSteps(agentID string, steps []ScriptStep) error {
	events := make([]Event, 0, len(steps))
	for i, s := range steps {
		ev, err := s.ToEvent()
		if err != nil {
			return fmt.Errorf("agent %s step %d: %w", agentID, i, err)
		}
		events = append(events, ev)
	}
	t.Script(agentID, events...)
	return nil
}

// Fallback sets the generator used for agents without a script.
func (t *ScriptedTransport) Fallback(fn ScriptFunc) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fallback = fn
	return t
}

// Delay sets a pause between events.
func (t *ScriptedTransport) Delay(d time.Duration) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay = d
	return t
}

// Requests returns every request opened so far.
func (t *ScriptedTransport) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Request(nil), t.requests...)
}

// Open starts replaying the agent's script.
func (t *ScriptedTransport) Open(ctx context.Context, req Request) (Stream, error) {
	t.mu.Lock()
	events, ok := t.scripts[req.Agent.AgentID]
	fallback := t.fallback
	delay := t.delay
	t.requests = append(t.requests, req)
	t.mu.Unlock()

	if !ok {
		if fallback == nil {
			return nil, fmt.Errorf("no script for agent %q", req.Agent.AgentID)
		}
		events = fallback(req)
	}

	stream := NewChannelStream(ctx)
	go t.replay(stream, req.OperationID, events, delay)
	return stream, nil
}

func (t *ScriptedTransport) replay(stream *ChannelStream, operationID string, events []Event, delay time.Duration) {
	for _, ev := range events {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-stream.Done():
				return
			}
		}

		ev.OperationID = operationID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if err := stream.Send(ev); err != nil {
			return
		}

		if start, ok := ev.Data.(StepStart); ok && start.Phase == PhaseHumanApproval {
			action, ok := t.await(stream, operationID)
			if !ok {
				return
			}
			if action == ActionReject {
				_ = stream.Send(Event{Type: EventStreamEnd, OperationID: operationID, Timestamp: time.Now(),
					Data: StreamEnd{Content: "Request rejected by user", FinishReason: "rejected"}})
				_ = stream.Send(Event{Type: EventAgentRuntimeEnd, OperationID: operationID, Timestamp: time.Now(),
					Data: AgentRuntimeEnd{Reason: "rejected"}})
				stream.Finish(nil)
				return
			}
		}
	}
	stream.Finish(nil)
}

func (t *ScriptedTransport) await(stream *ChannelStream, operationID string) (string, bool) {
	t.mu.Lock()
	ch, ok := t.pending[operationID]
	if !ok {
		ch = make(chan string, 1)
		t.pending[operationID] = ch
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, operationID)
		t.mu.Unlock()
	}()

	select {
	case action := <-ch:
		return action, true
	case <-stream.Done():
		return "", false
	}
}

// Intervene resumes a turn paused at a human_approval step.
func (t *ScriptedTransport) Intervene(ctx context.Context, operationID, action string, data map[string]any) error {
	t.mu.Lock()
	ch, ok := t.pending[operationID]
	if !ok {
		ch = make(chan string, 1)
		t.pending[operationID] = ch
	}
	t.mu.Unlock()

	select {
	case ch <- action:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("intervention already pending for operation %s", operationID)
	}
}
