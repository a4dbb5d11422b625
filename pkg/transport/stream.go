package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aixgo-dev/agentops/pkg/message"
)

// ErrStreamClosed is returned when sending on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// AgentConfig describes the agent whose turn is being run.
type AgentConfig struct {
	AgentID    string         `json:"agentId" yaml:"agent_id"`
	Model      string         `json:"model,omitempty" yaml:"model"`
	Provider   string         `json:"provider,omitempty" yaml:"provider"`
	SystemRole string         `json:"systemRole,omitempty" yaml:"system_role"`
	Plugins    []string       `json:"plugins,omitempty" yaml:"plugins"`
	Params     map[string]any `json:"params,omitempty" yaml:"params"`
}

// Request opens one turn.
type Request struct {
	OperationID string             `json:"operationId"`
	GroupID     string             `json:"groupId,omitempty"`
	TopicID     string             `json:"topicId,omitempty"`
	ThreadID    string             `json:"threadId,omitempty"`
	MessageID   string             `json:"messageId,omitempty"`
	Agent       AgentConfig        `json:"agent"`
	Messages    []*message.Message `json:"messages"`
}

// Stream yields the events of one turn. Recv returns io.EOF once the stream
// is exhausted.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Transport opens turn streams.
type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Intervener is implemented by transports that accept human decisions for a
// turn paused at a human_approval step.
type Intervener interface {
	Intervene(ctx context.Context, operationID, action string, data map[string]any) error
}

// ChannelStream is an in-process Stream fed by a producer goroutine.
type ChannelStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	err       error
	errMu     sync.Mutex
	closed    bool
	closeMu   sync.Mutex
	closeOnce sync.Once
	doneOnce  sync.Once
}

// NewChannelStream creates a stream bound to ctx.
func NewChannelStream(ctx context.Context) *ChannelStream {
	ctx, cancel := context.WithCancel(ctx)
	return &ChannelStream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 100),
	}
}

// Recv receives the next event from the stream
func (s *ChannelStream) Recv() (Event, error) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return Event{}, io.EOF
	}
	s.closeMu.Unlock()

	select {
	case <-s.ctx.Done():
		return Event{}, context.Cause(s.ctx)
	case ev, ok := <-s.events:
		if !ok {
			s.errMu.Lock()
			err := s.err
			s.errMu.Unlock()
			if err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// Close closes the stream from the consumer side.
func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()
		s.cancel()
	})
	return nil
}

// Send delivers one event. It blocks while the buffer is full.
func (s *ChannelStream) Send(ev Event) error {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return ErrStreamClosed
	}

	select {
	case <-s.ctx.Done():
		return ErrStreamClosed
	case s.events <- ev:
		return nil
	}
}

// Finish ends the stream from the producer side. A non-nil err is returned
// by Recv once buffered events are drained.
func (s *ChannelStream) Finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.events)
	})
}

// Done is closed when the consumer closes the stream.
func (s *ChannelStream) Done() <-chan struct{} {
	return s.ctx.Done()
}
