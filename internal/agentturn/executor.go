// Package agentturn runs one agent's conversational turn: it opens a
// transport stream, applies every stream event to the assistant message and
// the owning operation, executes requested tool calls and pauses for human
// approval when the runtime asks for it.
package agentturn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentops/internal/observability"
	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/pkg/message"
	metrics "github.com/aixgo-dev/agentops/pkg/observability"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

// ErrUserAborted is returned when a turn stopped because its operation was
// cancelled. It matches context.Canceled.
var ErrUserAborted = fmt.Errorf("user aborted: %w", context.Canceled)

// PlaceholderContent is shown in the assistant message until the runtime
// announces the real one.
const PlaceholderContent = "..."

// Notification is sent when a turn finished writing its answer.
type Notification struct {
	AgentID   string
	TopicID   string
	MessageID string
	Content   string
}

// Notifier surfaces finished turns to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	MarkUnreadCompleted(ctx context.Context, agentID, topicID string) error
}

// Viewer reports what the user is looking at.
type Viewer interface {
	IsViewing(agentID, topicID string) bool
}

// Loading tracks which messages show a loading indicator.
type Loading interface {
	SetLoading(messageID string, loading bool)
}

// Executor runs agent turns against a transport.
type Executor struct {
	ops       *operation.Store
	messages  message.Dispatcher
	transport transport.Transport
	tools     ToolRunner
	notifier  Notifier
	viewer    Viewer
	loading   Loading

	maxParallelTools int

	mu     sync.Mutex
	active map[string]string
}

// Option configures an Executor.
type Option func(*Executor)

// WithToolRunner sets the runner used for tool calls requested by the model.
func WithToolRunner(r ToolRunner) Option {
	return func(e *Executor) { e.tools = r }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithViewer sets the view tracker used for unread marking.
func WithViewer(v Viewer) Option {
	return func(e *Executor) { e.viewer = v }
}

// WithLoading sets the loading indicator tracker.
func WithLoading(l Loading) Option {
	return func(e *Executor) { e.loading = l }
}

// WithMaxParallelTools bounds concurrent tool calls within one step.
func WithMaxParallelTools(n int) Option {
	return func(e *Executor) { e.maxParallelTools = n }
}

// NewExecutor creates a turn executor.
func NewExecutor(ops *operation.Store, messages message.Dispatcher, tr transport.Transport, opts ...Option) *Executor {
	e := &Executor{
		ops:              ops,
		messages:         messages,
		transport:        tr,
		loading:          NewLoadingSet(),
		maxParallelTools: 4,
		active:           make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunParams describes one turn.
type RunParams struct {
	ParentOperationID string
	Agent             transport.AgentConfig
	Messages          []*message.Message
	GroupID           string
	TopicID           string
	ThreadID          string

	// AssistantMessageID is set when the caller already created the
	// assistant message; stream_start then leaves it in place.
	AssistantMessageID string
	ParentMessageID    string
}

// Result summarises a finished turn.
type Result struct {
	OperationID  string
	MessageID    string
	Content      string
	FinishReason string
	Status       operation.Status
	ToolCalls    []message.ToolCall
}

// Run executes one turn under a new execAgentRuntime operation. It returns
// ErrUserAborted when the operation was cancelled and the structured error
// when the runtime reported one.
func (e *Executor) Run(ctx context.Context, p RunParams) (Result, error) {
	opID, _ := e.ops.StartOperation(ctx, operation.StartParams{
		Type:              operation.TypeExecAgentRuntime,
		ParentOperationID: p.ParentOperationID,
		Context: operation.Context{
			AgentID:   p.Agent.AgentID,
			GroupID:   p.GroupID,
			TopicID:   p.TopicID,
			ThreadID:  p.ThreadID,
			MessageID: p.AssistantMessageID,
		},
		Label: "agent turn",
	})
	signal, err := e.ops.GetOperationAbortSignal(opID)
	if err != nil {
		return Result{OperationID: opID}, err
	}

	signal, span := observability.StartSpanWithOtel(signal, "agentturn.run",
		trace.WithAttributes(
			attribute.String("agentturn.operation_id", opID),
			attribute.String("agentturn.agent_id", p.Agent.AgentID),
		),
	)
	defer span.End()

	t := &turn{
		e:            e,
		opID:         opID,
		params:       p,
		messageID:    p.AssistantMessageID,
		fixedMessage: p.AssistantMessageID != "",
	}
	if t.aborted(signal) {
		e.ops.CancelOperation(opID, abortReason(signal))
		res := t.result()
		res.Status = operation.StatusCancelled
		return res, ErrUserAborted
	}
	if !t.fixedMessage {
		if err := t.createPlaceholder(signal); err != nil {
			e.ops.FailOperation(opID, operation.ErrorInfo{Type: operation.ErrorTypeAgentExecution, Message: err.Error()})
			return t.result(), err
		}
	}
	e.track(t.messageID, opID)
	defer func() { e.untrack(t.messageID) }()
	e.loading.SetLoading(t.messageID, true)

	err = t.run(signal)
	res := t.result()

	switch {
	case t.aborted(signal):
		// Cancellation never surfaces as a message error.
		e.loading.SetLoading(t.messageID, false)
		span.SetAttributes(attribute.Bool("agentturn.aborted", true))
		log.Printf("[agentturn] %s: aborted", opID)
		e.ops.CancelOperation(opID, abortReason(signal))
		res.Status = operation.StatusCancelled
		return res, ErrUserAborted
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	e.loading.SetLoading(t.messageID, false)
	e.ops.CompleteOperation(opID)
	e.ops.RunAfterCompletionCallbacks(context.WithoutCancel(signal), opID)
	res.Status = operation.StatusCompleted
	return res, nil
}

// abortReason names why an aborted turn stopped, for turns whose signal
// ended before the store cancelled their operation.
func abortReason(signal context.Context) string {
	var cancelErr *operation.CancelError
	if errors.As(context.Cause(signal), &cancelErr) {
		return cancelErr.Reason
	}
	return "user aborted"
}

func (e *Executor) track(messageID, opID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[messageID] = opID
}

func (e *Executor) untrack(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, messageID)
}

func (e *Executor) activeOperation(messageID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.active[messageID]
	return id, ok
}

// run pumps the stream until it ends, the runtime reports the end of the
// turn, an error event arrives or the operation is cancelled.
func (t *turn) run(ctx context.Context) error {
	stream, err := t.e.transport.Open(ctx, transport.Request{
		OperationID: t.opID,
		GroupID:     t.params.GroupID,
		TopicID:     t.params.TopicID,
		ThreadID:    t.params.ThreadID,
		MessageID:   t.messageID,
		Agent:       t.params.Agent,
		Messages:    t.params.Messages,
	})
	if err != nil {
		if t.aborted(ctx) {
			return nil
		}
		return t.fail(ctx, transport.Error{Type: operation.ErrorTypeAgentExecution, Message: err.Error()})
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if t.aborted(ctx) {
				return nil
			}
			return t.fail(ctx, transport.Error{Type: operation.ErrorTypeAgentExecution, Message: err.Error()})
		}

		metrics.RecordAgentTurnEvent(string(ev.Type))
		done, err := t.handle(ctx, ev)
		if err != nil || done {
			return err
		}
		if t.aborted(ctx) {
			return nil
		}
	}
}

// aborted reports whether the turn's operation was cancelled.
func (t *turn) aborted(ctx context.Context) bool {
	if st, ok := t.e.ops.Status(t.opID); ok && st == operation.StatusCancelled {
		return true
	}
	return ctx.Err() != nil && !t.failed
}
