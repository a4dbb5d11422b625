package orchestration

import (
	"context"
	"time"

	"github.com/aixgo-dev/agentops/internal/operation"
)

// TaskResultKey is the operation metadata key holding a task's textual result.
const TaskResultKey = "result"

// SpeakParams asks one agent for a turn. OperationID is the groupAgentStream
// operation the turn runs under.
type SpeakParams struct {
	AgentID     string
	Instruction string
	GroupID     string
	TopicID     string
	OperationID string
}

// BroadcastParams asks several agents for a turn. OperationIDs maps each
// agent to the operation its turn runs under.
type BroadcastParams struct {
	AgentIDs     []string
	Instruction  string
	GroupID      string
	TopicID      string
	OperationIDs map[string]string
}

// DelegateParams hands the conversation to one agent. OperationID is the
// orchestration operation.
type DelegateParams struct {
	AgentID     string
	Reason      string
	GroupID     string
	TopicID     string
	OperationID string
}

// TaskParams describes one background task. OperationID is the
// execServerTask or execClientTask operation tracking it.
type TaskParams struct {
	TaskID      string
	AgentID     string
	Instruction string
	Title       string
	GroupID     string
	TopicID     string
	OperationID string
	RunInClient bool
	Timeout     time.Duration
}

// TasksParams is a batch of background tasks.
type TasksParams struct {
	Tasks []TaskParams
}

// Callbacks performs the side effect of each decision kind. Implementations
// return once the work is finished or its operation was cancelled. Server
// tasks may record their output with CompleteTask before returning.
type Callbacks interface {
	TriggerSpeak(ctx context.Context, p SpeakParams) error
	TriggerBroadcast(ctx context.Context, p BroadcastParams) error
	TriggerDelegate(ctx context.Context, p DelegateParams) error
	TriggerExecuteTask(ctx context.Context, p TaskParams) error
	TriggerExecuteTasks(ctx context.Context, p TasksParams) error
}

// CallbackFuncs implements Callbacks from optional functions; nil fields are
// no-ops.
type CallbackFuncs struct {
	Speak        func(ctx context.Context, p SpeakParams) error
	Broadcast    func(ctx context.Context, p BroadcastParams) error
	Delegate     func(ctx context.Context, p DelegateParams) error
	ExecuteTask  func(ctx context.Context, p TaskParams) error
	ExecuteTasks func(ctx context.Context, p TasksParams) error
}

func (c CallbackFuncs) TriggerSpeak(ctx context.Context, p SpeakParams) error {
	if c.Speak == nil {
		return nil
	}
	return c.Speak(ctx, p)
}

func (c CallbackFuncs) TriggerBroadcast(ctx context.Context, p BroadcastParams) error {
	if c.Broadcast == nil {
		return nil
	}
	return c.Broadcast(ctx, p)
}

func (c CallbackFuncs) TriggerDelegate(ctx context.Context, p DelegateParams) error {
	if c.Delegate == nil {
		return nil
	}
	return c.Delegate(ctx, p)
}

func (c CallbackFuncs) TriggerExecuteTask(ctx context.Context, p TaskParams) error {
	if c.ExecuteTask == nil {
		return nil
	}
	return c.ExecuteTask(ctx, p)
}

func (c CallbackFuncs) TriggerExecuteTasks(ctx context.Context, p TasksParams) error {
	if c.ExecuteTasks == nil {
		return nil
	}
	return c.ExecuteTasks(ctx, p)
}

// CompleteTask marks a task operation completed with its result.
func CompleteTask(store *operation.Store, operationID, result string) {
	store.CompleteOperation(operationID, func(m *operation.Metadata) {
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[TaskResultKey] = result
	})
}
