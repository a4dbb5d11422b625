package agentturn

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/pkg/message"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

// Message metadata keys written during a turn.
const (
	MetaIsMultimodal       = "isMultimodal"
	MetaTempDisplayContent = "tempDisplayContent"
	MetaFinishReason       = "finishReason"
	MetaModel              = "model"
	MetaProvider           = "provider"
)

// turn is the per-run accumulator. It is only touched by the goroutine
// running the turn.
type turn struct {
	e            *Executor
	opID         string
	params       RunParams
	messageID    string
	fixedMessage bool

	content      strings.Builder
	reasoning    strings.Builder
	display      strings.Builder
	tools        []message.ToolCall
	images       []message.Image
	finishReason string
	ended        bool
	failed       bool
}

func (t *turn) result() Result {
	st, _ := t.e.ops.Status(t.opID)
	return Result{
		OperationID:  t.opID,
		MessageID:    t.messageID,
		Content:      t.content.String(),
		FinishReason: t.finishReason,
		Status:       st,
		ToolCalls:    append([]message.ToolCall(nil), t.tools...),
	}
}

func (t *turn) dispatch(ctx context.Context, d message.Dispatch) error {
	return t.e.messages.DispatchMessage(ctx, d, message.DispatchOptions{OperationID: t.opID})
}

func (t *turn) update(ctx context.Context, u message.Update) {
	if err := t.dispatch(ctx, message.Dispatch{ID: t.messageID, Type: message.DispatchUpdate, Update: u}); err != nil {
		log.Printf("[agentturn] %s: update message %s: %v", t.opID, t.messageID, err)
	}
}

func (t *turn) createPlaceholder(ctx context.Context) error {
	msg := t.assistantMessage(message.NewID())
	msg.Content = PlaceholderContent
	if err := t.dispatch(ctx, message.Dispatch{Type: message.DispatchCreate, Create: msg}); err != nil {
		return fmt.Errorf("create placeholder: %w", err)
	}
	t.messageID = msg.ID
	return nil
}

func (t *turn) assistantMessage(id string) *message.Message {
	return &message.Message{
		ID:       id,
		Role:     message.RoleAssistant,
		AgentID:  t.params.Agent.AgentID,
		GroupID:  t.params.GroupID,
		TopicID:  t.params.TopicID,
		ThreadID: t.params.ThreadID,
		ParentID: t.params.ParentMessageID,
	}
}

// handle applies one event. It reports true once the turn is over.
func (t *turn) handle(ctx context.Context, ev transport.Event) (bool, error) {
	switch d := ev.Data.(type) {
	case transport.Connected, transport.Heartbeat:
		return false, nil
	case transport.AgentRuntimeInit:
		t.onRuntimeInit(d)
	case transport.StreamStart:
		t.onStreamStart(ctx, d)
	case transport.StreamChunk:
		t.onStreamChunk(ctx, d)
	case transport.ContentPart:
		t.onContentPart(ctx, d)
	case transport.StepStart:
		t.onStepStart(d)
	case transport.StepComplete:
		t.onStepComplete(ctx, d)
	case transport.StreamEnd:
		t.onStreamEnd(ctx, d)
	case transport.AgentRuntimeEnd:
		t.onRuntimeEnd(d)
		return true, nil
	case transport.Error:
		return true, t.fail(ctx, d)
	default:
		log.Printf("[agentturn] %s: ignoring event %s", t.opID, ev.Type)
	}
	return false, nil
}

func (t *turn) onRuntimeInit(d transport.AgentRuntimeInit) {
	if d.Model == "" {
		return
	}
	t.e.ops.UpdateOperationMetadata(t.opID, func(m *operation.Metadata) {
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[MetaModel] = d.Model
	})
}

// onStreamStart swaps the placeholder for the message announced by the
// runtime. Turns whose message was created by the caller keep it.
func (t *turn) onStreamStart(ctx context.Context, d transport.StreamStart) {
	if t.fixedMessage || d.MessageID == "" || d.MessageID == t.messageID {
		return
	}

	old := t.messageID
	if err := t.dispatch(ctx, message.Dispatch{ID: old, Type: message.DispatchDelete}); err != nil {
		log.Printf("[agentturn] %s: delete placeholder %s: %v", t.opID, old, err)
	}

	msg := t.assistantMessage(d.MessageID)
	if d.ParentID != "" {
		msg.ParentID = d.ParentID
	}
	msg.Metadata = map[string]any{}
	if d.Model != "" {
		msg.Metadata[MetaModel] = d.Model
	}
	if d.Provider != "" {
		msg.Metadata[MetaProvider] = d.Provider
	}
	if err := t.dispatch(ctx, message.Dispatch{Type: message.DispatchCreate, Create: msg}); err != nil {
		log.Printf("[agentturn] %s: create message %s: %v", t.opID, d.MessageID, err)
		return
	}

	t.e.loading.SetLoading(old, false)
	t.e.untrack(old)
	t.messageID = d.MessageID
	t.e.track(t.messageID, t.opID)
	t.e.loading.SetLoading(t.messageID, true)
}

func (t *turn) onStreamChunk(ctx context.Context, d transport.StreamChunk) {
	switch d.ChunkType {
	case transport.ChunkText:
		t.content.WriteString(d.Content)
		t.update(ctx, message.Update{Content: message.String(t.content.String())})
	case transport.ChunkReasoning:
		t.reasoning.WriteString(d.Reasoning)
		t.update(ctx, message.Update{Reasoning: &message.Reasoning{Content: t.reasoning.String()}})
	case transport.ChunkToolsCalling:
		t.tools = append([]message.ToolCall(nil), d.ToolsCalling...)
		t.update(ctx, message.Update{Tools: t.tools})
	default:
		log.Printf("[agentturn] %s: unknown chunk type %q", t.opID, d.ChunkType)
	}
}

// onContentPart stages multimodal output until stream_end persists it.
func (t *turn) onContentPart(ctx context.Context, d transport.ContentPart) {
	u := message.Update{Metadata: map[string]any{MetaIsMultimodal: true}}
	switch d.PartType {
	case transport.PartImage:
		if d.Image != nil {
			t.images = append(t.images, *d.Image)
			u.Images = t.images
		}
	case transport.PartText:
		t.display.WriteString(d.Content)
		u.Metadata[MetaTempDisplayContent] = t.display.String()
	}
	t.update(ctx, u)
}

func (t *turn) onStepStart(d transport.StepStart) {
	if d.Phase != transport.PhaseHumanApproval {
		return
	}

	// The transport holds the stream until HandleHumanIntervention forwards
	// the decision, so the next Recv blocks here.
	t.e.ops.UpdateOperationMetadata(t.opID, func(m *operation.Metadata) {
		m.NeedsHumanInput = true
		m.PendingApproval = d.PendingApproval
		if m.PendingApproval == nil {
			m.PendingApproval = map[string]any{}
		}
	})
	t.e.ops.PauseOperation(t.opID)
	t.e.loading.SetLoading(t.messageID, false)
}

func (t *turn) onStepComplete(ctx context.Context, d transport.StepComplete) {
	if d.Phase != transport.PhaseLLMCall || len(d.ToolCalls) == 0 {
		return
	}

	// The operation may have been cancelled while the model was answering.
	if t.aborted(ctx) {
		t.cancelToolOperations()
		return
	}

	t.tools = t.e.runTools(ctx, t.opID, d.ToolCalls)
	t.update(ctx, message.Update{Tools: t.tools})
}

func (t *turn) onStreamEnd(ctx context.Context, d transport.StreamEnd) {
	t.content.Reset()
	t.content.WriteString(d.Content)
	t.finishReason = d.FinishReason

	u := message.Update{
		Content:   message.String(d.Content),
		Reasoning: d.Reasoning,
		Grounding: d.Grounding,
		Metadata:  map[string]any{},
	}
	if d.Reasoning == nil && t.reasoning.Len() > 0 {
		u.Reasoning = &message.Reasoning{Content: t.reasoning.String()}
	}
	if d.Tools != nil {
		t.tools = append([]message.ToolCall(nil), d.Tools...)
	}
	if len(t.tools) > 0 {
		u.Tools = t.tools
	}
	if d.Images != nil {
		t.images = append([]message.Image(nil), d.Images...)
	}
	if len(t.images) > 0 {
		u.Images = t.images
		u.Metadata[MetaTempDisplayContent] = nil
	}
	if d.FinishReason != "" {
		u.Metadata[MetaFinishReason] = d.FinishReason
	}
	t.update(ctx, u)
	t.e.loading.SetLoading(t.messageID, false)
	t.notify(ctx, d.Content)
}

// notify sends the completion notification and marks the conversation
// unread when the user is looking elsewhere.
func (t *turn) notify(ctx context.Context, content string) {
	if t.e.notifier == nil {
		return
	}
	agentID, topicID := t.params.Agent.AgentID, t.params.TopicID
	if err := t.e.notifier.Notify(ctx, Notification{
		AgentID:   agentID,
		TopicID:   topicID,
		MessageID: t.messageID,
		Content:   content,
	}); err != nil {
		log.Printf("[agentturn] %s: notify: %v", t.opID, err)
	}
	if t.e.viewer != nil && t.e.viewer.IsViewing(agentID, topicID) {
		return
	}
	if err := t.e.notifier.MarkUnreadCompleted(ctx, agentID, topicID); err != nil {
		log.Printf("[agentturn] %s: mark unread: %v", t.opID, err)
	}
}

func (t *turn) onRuntimeEnd(d transport.AgentRuntimeEnd) {
	t.ended = true
	if d.Reason != "" && t.finishReason == "" {
		t.finishReason = d.Reason
	}
	t.e.loading.SetLoading(t.messageID, false)
}

// fail records a runtime error on the operation and the message, then tears
// down everything the turn started.
func (t *turn) fail(ctx context.Context, d transport.Error) error {
	errType := d.Type
	if errType == "" {
		errType = operation.ErrorTypeAgentExecution
	}
	info := operation.ErrorInfo{Type: errType, Message: d.Message, Details: d.Body}

	t.failed = true
	t.e.ops.FailOperation(t.opID, info)
	t.update(context.WithoutCancel(ctx), message.Update{Error: &message.Error{
		Type:    errType,
		Message: d.Message,
		Body:    d.Body,
	}})
	t.e.loading.SetLoading(t.messageID, false)
	t.e.ops.AbortTree(t.opID, "agent runtime error")
	log.Printf("[agentturn] %s: failed: %s", t.opID, info.Error())
	return &info
}
