package agentturn

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/internal/orchestration"
	"github.com/aixgo-dev/agentops/pkg/message"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

// Message metadata keys for task messages handed to the client.
const (
	MetaTaskID      = "taskId"
	MetaRunInClient = "runInClient"
	MetaTaskTitle   = "taskTitle"
)

// GroupCallbacks performs orchestration decisions by running agent turns.
// Every turn runs as an execAgentRuntime child of the operation the
// orchestration executor started for it.
type GroupCallbacks struct {
	exec        *Executor
	ops         *operation.Store
	messages    message.Dispatcher
	agents      map[string]transport.AgentConfig
	limiter     *rate.Limiter
	maxParallel int
}

// GroupOption configures GroupCallbacks.
type GroupOption func(*GroupCallbacks)

// WithDispatchRate paces turn starts; zero means unlimited.
func WithDispatchRate(perSecond float64, burst int) GroupOption {
	return func(g *GroupCallbacks) {
		if perSecond <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithGroupParallelism bounds concurrent turns in a broadcast or task batch.
func WithGroupParallelism(n int) GroupOption {
	return func(g *GroupCallbacks) { g.maxParallel = n }
}

// NewGroupCallbacks creates callbacks for the given agents.
func NewGroupCallbacks(exec *Executor, ops *operation.Store, messages message.Dispatcher, agents []transport.AgentConfig, opts ...GroupOption) *GroupCallbacks {
	g := &GroupCallbacks{
		exec:        exec,
		ops:         ops,
		messages:    messages,
		agents:      make(map[string]transport.AgentConfig, len(agents)),
		limiter:     rate.NewLimiter(rate.Inf, 0),
		maxParallel: orchestration.DefaultMaxParallel,
	}
	for _, a := range agents {
		g.agents[a.AgentID] = a
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ orchestration.Callbacks = (*GroupCallbacks)(nil)

// turnSpec is one agent turn requested by a decision.
type turnSpec struct {
	agentID     string
	instruction string
	groupID     string
	topicID     string
	parentOpID  string
}

func (g *GroupCallbacks) runTurn(ctx context.Context, s turnSpec) (Result, error) {
	agent, ok := g.agents[s.agentID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", orchestration.ErrAgentNotFound, s.agentID)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	history, err := g.messages.ListByTopic(ctx, s.topicID)
	if err != nil {
		return Result{}, fmt.Errorf("load topic %s: %w", s.topicID, err)
	}
	if s.instruction != "" {
		history = append(history, &message.Message{
			Role:    message.RoleSupervisor,
			Content: s.instruction,
			GroupID: s.groupID,
			TopicID: s.topicID,
		})
	}

	assistant := &message.Message{
		ID:      message.NewID(),
		Role:    message.RoleAssistant,
		AgentID: s.agentID,
		GroupID: s.groupID,
		TopicID: s.topicID,
	}
	if err := g.messages.DispatchMessage(ctx, message.Dispatch{Type: message.DispatchCreate, Create: assistant},
		message.DispatchOptions{OperationID: s.parentOpID}); err != nil {
		return Result{}, fmt.Errorf("create assistant message: %w", err)
	}

	return g.exec.Run(ctx, RunParams{
		ParentOperationID:  s.parentOpID,
		Agent:              agent,
		Messages:           history,
		GroupID:            s.groupID,
		TopicID:            s.topicID,
		AssistantMessageID: assistant.ID,
	})
}

// TriggerSpeak runs one agent turn.
func (g *GroupCallbacks) TriggerSpeak(ctx context.Context, p orchestration.SpeakParams) error {
	_, err := g.runTurn(ctx, turnSpec{
		agentID:     p.AgentID,
		instruction: p.Instruction,
		groupID:     p.GroupID,
		topicID:     p.TopicID,
		parentOpID:  p.OperationID,
	})
	return err
}

// TriggerBroadcast runs one turn per agent concurrently. A failed turn fails
// only its own operation.
func (g *GroupCallbacks) TriggerBroadcast(ctx context.Context, p orchestration.BroadcastParams) error {
	var eg errgroup.Group
	eg.SetLimit(max(g.maxParallel, 1))
	for _, agentID := range p.AgentIDs {
		opID := p.OperationIDs[agentID]
		eg.Go(func() error {
			turnCtx, err := g.ops.GetOperationAbortSignal(opID)
			if err != nil {
				turnCtx = ctx
			}
			_, err = g.runTurn(turnCtx, turnSpec{
				agentID:     agentID,
				instruction: p.Instruction,
				groupID:     p.GroupID,
				topicID:     p.TopicID,
				parentOpID:  opID,
			})
			g.settleTurn(opID, err)
			return nil
		})
	}
	return eg.Wait()
}

func (g *GroupCallbacks) settleTurn(opID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		g.ops.CancelOperation(opID, orchestration.TurnCancelledReason)
		return
	}
	g.ops.FailOperation(opID, operation.ErrorInfo{
		Type:    operation.ErrorTypeAgentExecution,
		Message: err.Error(),
	})
}

// TriggerDelegate records the hand-over on the orchestration operation; the
// delegate's turn follows as a forced speak.
func (g *GroupCallbacks) TriggerDelegate(_ context.Context, p orchestration.DelegateParams) error {
	if _, ok := g.agents[p.AgentID]; !ok {
		return fmt.Errorf("%w: %s", orchestration.ErrAgentNotFound, p.AgentID)
	}
	g.ops.UpdateOperationMetadata(p.OperationID, func(m *operation.Metadata) {
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra["delegatedTo"] = p.AgentID
	})
	log.Printf("[agentturn] %s: delegated to %s (%s)", p.OperationID, p.AgentID, p.Reason)
	return nil
}

// TriggerExecuteTask runs one task.
func (g *GroupCallbacks) TriggerExecuteTask(ctx context.Context, p orchestration.TaskParams) error {
	return g.runTask(ctx, p)
}

// TriggerExecuteTasks runs a batch of tasks concurrently. Each task observes
// its own operation's signal so timeouts stay per task.
func (g *GroupCallbacks) TriggerExecuteTasks(ctx context.Context, p orchestration.TasksParams) error {
	var eg errgroup.Group
	eg.SetLimit(max(g.maxParallel, 1))
	for _, task := range p.Tasks {
		eg.Go(func() error {
			taskCtx, err := g.ops.GetOperationAbortSignal(task.OperationID)
			if err != nil {
				taskCtx = ctx
			}
			g.settleTurn(task.OperationID, g.runTask(taskCtx, task))
			return nil
		})
	}
	return eg.Wait()
}

// runTask hands client tasks to the client through a task message and runs
// server tasks as an agent turn whose final content is the task result.
func (g *GroupCallbacks) runTask(ctx context.Context, p orchestration.TaskParams) error {
	if p.RunInClient {
		msg := &message.Message{
			Role:    message.RoleTool,
			AgentID: p.AgentID,
			GroupID: p.GroupID,
			TopicID: p.TopicID,
			Content: p.Instruction,
			Metadata: map[string]any{
				MetaTaskID:      p.TaskID,
				MetaRunInClient: true,
				MetaTaskTitle:   p.Title,
			},
		}
		return g.messages.DispatchMessage(ctx, message.Dispatch{Type: message.DispatchCreate, Create: msg},
			message.DispatchOptions{OperationID: p.OperationID})
	}

	res, err := g.runTurn(ctx, turnSpec{
		agentID:     p.AgentID,
		instruction: p.Instruction,
		groupID:     p.GroupID,
		topicID:     p.TopicID,
		parentOpID:  p.OperationID,
	})
	if err != nil {
		return err
	}
	orchestration.CompleteTask(g.ops, p.OperationID, res.Content)
	return nil
}
