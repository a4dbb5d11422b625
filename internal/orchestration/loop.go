package orchestration

import (
	"context"
	"fmt"
	"log"

	"github.com/aixgo-dev/agentops/internal/operation"
	metrics "github.com/aixgo-dev/agentops/pkg/observability"
)

// OrchestrationFailedMessage is the fixed message recorded on a failed
// orchestration operation. The cause is only logged.
const OrchestrationFailedMessage = "Orchestration failed"

// GroupOrchestrator owns the loop driving one Runtime under a
// groupOrchestration operation.
type GroupOrchestrator struct {
	store   *operation.Store
	runtime *Runtime
	sink    EventSink
}

// Option configures a GroupOrchestrator.
type Option func(*GroupOrchestrator)

// WithEventSink forwards every step event to sink.
func WithEventSink(sink EventSink) Option {
	return func(g *GroupOrchestrator) { g.sink = sink }
}

// NewGroupOrchestrator creates an orchestrator.
func NewGroupOrchestrator(store *operation.Store, runtime *Runtime, opts ...Option) *GroupOrchestrator {
	g := &GroupOrchestrator{store: store, runtime: runtime}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RunParams starts a group orchestration.
type RunParams struct {
	GroupID           string
	TopicID           string
	SupervisorAgentID string
	AgentIDs          []string
	MaxRounds         int
	ParentOperationID string

	// InitialResult seeds the first step, typically a SupervisorDecided
	// produced by the caller from the user's message.
	InitialResult ExecutorResult

	// AfterCompletion callbacks run once the orchestration completes.
	AfterCompletion []operation.AfterCompletionCallback
}

// RunResult is the final state of a loop invocation.
type RunResult struct {
	OperationID string
	State       AgentState
}

// ExecGroupOrchestration starts a groupOrchestration operation and steps the
// runtime until the run is done, failed, cancelled or waiting for a human.
func (g *GroupOrchestrator) ExecGroupOrchestration(ctx context.Context, p RunParams) RunResult {
	opID, signal := g.store.StartOperation(ctx, operation.StartParams{
		Type:              operation.TypeGroupOrchestration,
		ParentOperationID: p.ParentOperationID,
		Context: operation.Context{
			AgentID: p.SupervisorAgentID,
			GroupID: p.GroupID,
			TopicID: p.TopicID,
		},
		Label: "group orchestration",
	})
	for _, cb := range p.AfterCompletion {
		g.store.RegisterAfterCompletionCallback(ctx, opID, cb)
	}

	state := g.runtime.CreateInitialState(InitialStateParams{
		OperationID:       opID,
		GroupID:           p.GroupID,
		TopicID:           p.TopicID,
		SupervisorAgentID: p.SupervisorAgentID,
		AgentIDs:          p.AgentIDs,
		MaxRounds:         p.MaxRounds,
	})
	log.Printf("[orchestration] %s: started group=%s agents=%d maxRounds=%d", opID, p.GroupID, len(p.AgentIDs), state.MaxRounds)

	state = g.loop(signal, state, p.InitialResult)
	g.finish(signal, state)
	return RunResult{OperationID: opID, State: state}
}

// Resume continues a run that stopped in waiting_for_human. result carries
// the human's answer, usually a SupervisorDecided.
func (g *GroupOrchestrator) Resume(ctx context.Context, state AgentState, result ExecutorResult) (RunResult, error) {
	op, ok := g.store.Get(state.OperationID)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: %s", operation.ErrOperationNotFound, state.OperationID)
	}
	if op.Status.IsTerminal() {
		return RunResult{}, fmt.Errorf("%w: %s is %s", operation.ErrAlreadyTerminal, op.ID, op.Status)
	}

	g.store.ResumeOperation(op.ID)
	next := state.clone()
	next.Status = StatusRunning

	signal := op.Signal()
	if signal == nil {
		signal = ctx
	}
	next = g.loop(signal, next, result)
	g.finish(signal, next)
	return RunResult{OperationID: op.ID, State: next}, nil
}

// loop steps the runtime until it stops. The operation status is checked
// before every step so a cancelled run never reaches another executor or
// the supervisor.
func (g *GroupOrchestrator) loop(ctx context.Context, state AgentState, result ExecutorResult) AgentState {
	for {
		if st, ok := g.store.Status(state.OperationID); ok && st == operation.StatusCancelled {
			state.Status = StatusDone
			g.publish(Event{
				Type:        EventDone,
				OperationID: state.OperationID,
				Round:       state.RoundCount,
				Message:     "operation cancelled",
				Time:        g.runtime.now(),
			})
			return state
		}

		out := g.runtime.Step(ctx, state, result)
		for _, ev := range out.Events {
			g.publish(ev)
		}
		state = out.NewState
		result = out.Result

		if result == nil || state.Status != StatusRunning {
			break
		}
	}
	if state.Status == StatusRunning {
		state.Status = StatusDone
	}
	return state
}

func (g *GroupOrchestrator) publish(ev Event) {
	if g.sink != nil {
		g.sink.OnOrchestrationEvent(ev)
	}
}

// finish maps the loop status onto the operation.
func (g *GroupOrchestrator) finish(ctx context.Context, state AgentState) {
	opID := state.OperationID
	metrics.RecordOrchestrationRun(string(state.Status))

	if st, ok := g.store.Status(opID); ok && st == operation.StatusCancelled {
		log.Printf("[orchestration] %s: cancelled after %d rounds", opID, state.RoundCount)
		return
	}

	switch state.Status {
	case StatusDone:
		g.store.CompleteOperation(opID)
		g.store.RunAfterCompletionCallbacks(context.WithoutCancel(ctx), opID)
	case StatusError:
		log.Printf("[orchestration] %s: failed: %s", opID, state.Error)
		g.store.FailOperation(opID, operation.ErrorInfo{
			Type:    operation.ErrorTypeOrchestration,
			Message: OrchestrationFailedMessage,
		})
	case StatusWaitingForHuman:
		g.store.PauseOperation(opID)
	}
	log.Printf("[orchestration] %s: exit status=%s rounds=%d steps=%d", opID, state.Status, state.RoundCount, state.StepCount)
}
