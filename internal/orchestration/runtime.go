package orchestration

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/agentops/internal/observability"
	metrics "github.com/aixgo-dev/agentops/pkg/observability"
)

// Runtime advances an orchestration run one step at a time. It never talks
// to a transport; executors do.
type Runtime struct {
	supervisor *Supervisor
	executors  map[DecisionKind]Executor
	now        func() time.Time
}

// NewRuntime creates a runtime from a supervisor and an executor table.
func NewRuntime(supervisor *Supervisor, executors map[DecisionKind]Executor) *Runtime {
	return &Runtime{
		supervisor: supervisor,
		executors:  executors,
		now:        time.Now,
	}
}

// InitialStateParams seeds a new run.
type InitialStateParams struct {
	OperationID       string
	GroupID           string
	TopicID           string
	SupervisorAgentID string
	AgentIDs          []string
	MaxRounds         int
}

// CreateInitialState returns the state of a fresh run.
func (r *Runtime) CreateInitialState(p InitialStateParams) AgentState {
	maxRounds := p.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	now := r.now()
	return AgentState{
		Status:            StatusRunning,
		OperationID:       p.OperationID,
		GroupID:           p.GroupID,
		TopicID:           p.TopicID,
		SupervisorAgentID: p.SupervisorAgentID,
		AgentIDs:          append([]string(nil), p.AgentIDs...),
		MaxRounds:         maxRounds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Step feeds result to the supervisor and, when it picks a decision, runs
// the matching executor. The returned Result is nil once the run stopped.
func (r *Runtime) Step(ctx context.Context, state AgentState, result ExecutorResult) StepOutput {
	ctx, span := observability.StartSpanWithOtel(ctx, "orchestration.step",
		trace.WithAttributes(
			attribute.String("orchestration.operation_id", state.OperationID),
			attribute.Int("orchestration.round", state.RoundCount),
			attribute.Int("orchestration.max_rounds", state.MaxRounds),
		),
	)
	defer span.End()

	next := state.clone()
	next.StepCount++
	next.UpdatedAt = r.now()

	var events []Event
	emit := func(ev Event) {
		ev.OperationID = next.OperationID
		ev.Round = next.RoundCount
		ev.Time = next.UpdatedAt
		events = append(events, ev)
	}

	v := r.supervisor.Next(ctx, next, result)
	if v.Status != StatusRunning {
		next.Status = v.Status
		switch v.Status {
		case StatusError:
			next.Error = v.Reason
			span.SetStatus(codes.Error, v.Reason)
			log.Printf("[orchestration] %s: error after %d rounds: %s", next.OperationID, next.RoundCount, v.Reason)
			emit(Event{Type: EventError, Message: v.Reason})
		case StatusWaitingForHuman:
			emit(Event{Type: EventWaitingForHuman, Message: v.Reason})
		default:
			emit(Event{Type: EventDone, Message: v.Reason})
		}
		span.SetAttributes(attribute.String("orchestration.status", string(next.Status)))
		return StepOutput{NewState: next, Events: events}
	}

	d := v.Decision
	kind := d.Kind()
	agents := decisionAgents(d)
	span.SetAttributes(attribute.String("orchestration.decision", string(kind)))
	emit(Event{Type: EventSupervisorDecided, Decision: kind, AgentIDs: agents, Forced: v.Forced})

	exec, ok := r.executors[kind]
	if !ok {
		next.Status = StatusError
		next.Error = fmt.Sprintf("%v: %s", ErrUnknownDecision, kind)
		span.SetStatus(codes.Error, next.Error)
		emit(Event{Type: EventError, Decision: kind, Message: next.Error})
		return StepOutput{NewState: next, Events: events}
	}

	next.RoundCount++
	next.LastDecision = d
	next.skipSupervisor = v.Forced
	metrics.RecordOrchestrationRound(string(kind))
	emit(Event{Type: EventExecutorStarted, Decision: kind, AgentIDs: agents})

	execCtx, execSpan := observability.StartSpanWithOtel(ctx, "orchestration.executor."+string(kind),
		trace.WithAttributes(attribute.StringSlice("orchestration.agents", agents)),
	)
	res := exec.Execute(execCtx, next, d)
	if ee, isErr := res.(ExecutorError); isErr {
		execSpan.RecordError(ee)
		execSpan.SetStatus(codes.Error, ee.Message)
	}
	execSpan.End()

	round := Round{Index: next.RoundCount, Decision: kind, AgentIDs: agents, Forced: v.Forced}
	if res != nil {
		round.Result = res.ResultKind()
	}
	next.History = append(next.History, round)
	next.UpdatedAt = r.now()
	emit(Event{Type: EventExecutorFinished, Decision: kind, AgentIDs: agents, Result: round.Result})

	return StepOutput{NewState: next, Events: events, Result: res}
}
