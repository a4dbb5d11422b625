// Package orchestration runs a supervisor agent that coordinates several
// worker agents through a bounded number of rounds. Each round the
// supervisor picks one decision, the matching executor performs it, and the
// executor's result feeds the next round.
package orchestration

import (
	"errors"
	"slices"
	"time"

	"github.com/aixgo-dev/agentops/internal/operation"
)

// DefaultMaxRounds bounds an orchestration run when no limit is given.
const DefaultMaxRounds = 10

var (
	// ErrUnknownDecision is returned for decision kinds with no executor
	ErrUnknownDecision = errors.New("unknown supervisor decision")

	// ErrAgentNotFound is returned when a decision names an agent outside the group
	ErrAgentNotFound = errors.New("agent not found in group")
)

// Status is the orchestration loop state.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingForHuman Status = "waiting_for_human"
	StatusDone            Status = "done"
	StatusError           Status = "error"
)

// IsTerminal reports whether the loop must stop.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Round records one executed decision.
type Round struct {
	Index    int          `json:"index"`
	Decision DecisionKind `json:"decision"`
	AgentIDs []string     `json:"agentIds,omitempty"`
	Forced   bool         `json:"forced,omitempty"`
	Result   ResultKind   `json:"result,omitempty"`
}

// AgentState is threaded through every step of one orchestration run.
type AgentState struct {
	Status            Status    `json:"status"`
	OperationID       string    `json:"operationId"`
	GroupID           string    `json:"groupId,omitempty"`
	TopicID           string    `json:"topicId,omitempty"`
	SupervisorAgentID string    `json:"supervisorAgentId,omitempty"`
	AgentIDs          []string  `json:"agentIds"`
	RoundCount        int       `json:"roundCount"`
	StepCount         int       `json:"stepCount"`
	MaxRounds         int       `json:"maxRounds"`
	LastDecision      Decision  `json:"-"`
	History           []Round   `json:"history,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`

	// skipSupervisor is set while executing a decision that was forced with
	// SkipCallSupervisor; the result of that decision ends the run instead of
	// going back to the policy.
	skipSupervisor bool
}

// HasAgent reports whether agentID belongs to the group.
func (s AgentState) HasAgent(agentID string) bool {
	return slices.Contains(s.AgentIDs, agentID)
}

func (s AgentState) clone() AgentState {
	out := s
	out.AgentIDs = slices.Clone(s.AgentIDs)
	out.History = slices.Clone(s.History)
	return out
}

// DecisionKind names a supervisor decision.
type DecisionKind string

const (
	DecisionSpeak        DecisionKind = "speak"
	DecisionBroadcast    DecisionKind = "broadcast"
	DecisionDelegate     DecisionKind = "delegate"
	DecisionExecuteTask  DecisionKind = "execute_task"
	DecisionExecuteTasks DecisionKind = "execute_tasks"
)

// Decision is one supervisor action. Each kind maps to exactly one executor.
type Decision interface {
	Kind() DecisionKind
}

// Speak asks one agent to take a turn.
type Speak struct {
	AgentID     string `json:"agentId"`
	Instruction string `json:"instruction,omitempty"`
}

// Broadcast asks several agents to respond to the same instruction.
type Broadcast struct {
	AgentIDs    []string `json:"agentIds"`
	Instruction string   `json:"instruction,omitempty"`
}

// Delegate hands the conversation over to one agent.
type Delegate struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// ExecuteTask runs one background task on an agent. Timeout is in
// milliseconds; zero means the executor default.
type ExecuteTask struct {
	AgentID     string `json:"agentId"`
	Instruction string `json:"instruction"`
	Title       string `json:"title,omitempty"`
	Timeout     int64  `json:"timeout,omitempty"`
	RunInClient bool   `json:"runInClient,omitempty"`
}

// TimeoutDuration converts Timeout to a duration.
func (d ExecuteTask) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Millisecond
}

// ExecuteTasks runs several background tasks concurrently.
type ExecuteTasks struct {
	Tasks []ExecuteTask `json:"tasks"`
}

func (Speak) Kind() DecisionKind        { return DecisionSpeak }
func (Broadcast) Kind() DecisionKind    { return DecisionBroadcast }
func (Delegate) Kind() DecisionKind     { return DecisionDelegate }
func (ExecuteTask) Kind() DecisionKind  { return DecisionExecuteTask }
func (ExecuteTasks) Kind() DecisionKind { return DecisionExecuteTasks }

// decisionAgents lists the agents a decision addresses.
func decisionAgents(d Decision) []string {
	switch d := d.(type) {
	case Speak:
		return []string{d.AgentID}
	case Broadcast:
		return slices.Clone(d.AgentIDs)
	case Delegate:
		return []string{d.AgentID}
	case ExecuteTask:
		return []string{d.AgentID}
	case ExecuteTasks:
		ids := make([]string, 0, len(d.Tasks))
		for _, t := range d.Tasks {
			ids = append(ids, t.AgentID)
		}
		return ids
	}
	return nil
}

// ResultKind names an executor result.
type ResultKind string

const (
	ResultSupervisorDecided ResultKind = "supervisor_decided"
	ResultAgentSpoke        ResultKind = "agent_spoke"
	ResultBroadcasted       ResultKind = "agents_broadcasted"
	ResultTaskCompleted     ResultKind = "task_completed"
	ResultTasksCompleted    ResultKind = "tasks_completed"
	ResultError             ResultKind = "error"
)

// ExecutorResult is the only value passed between steps.
type ExecutorResult interface {
	ResultKind() ResultKind
}

// SupervisorDecided carries a decision that was already made, either by the
// caller or by an executor chaining a follow-up. It is executed without
// consulting the policy. SkipCallSupervisor also ends the run once that
// decision's executor returns.
type SupervisorDecided struct {
	Decision           Decision
	SkipCallSupervisor bool
}

// AgentSpoke reports one finished agent turn.
type AgentSpoke struct {
	AgentID     string
	OperationID string
	Status      operation.Status
	Error       string
}

// AgentsBroadcasted reports the turns started by a broadcast.
type AgentsBroadcasted struct {
	Turns []AgentSpoke
}

// TaskCompleted reports one background task.
type TaskCompleted struct {
	TaskID      string
	AgentID     string
	OperationID string
	Status      operation.Status
	Result      string
	Error       string
	TimedOut    bool
}

// TasksCompleted reports a batch of background tasks.
type TasksCompleted struct {
	Tasks []TaskCompleted
}

// ExecutorError reports a decision that could not be carried out.
type ExecutorError struct {
	Decision DecisionKind
	AgentID  string
	Message  string
}

func (SupervisorDecided) ResultKind() ResultKind { return ResultSupervisorDecided }
func (AgentSpoke) ResultKind() ResultKind        { return ResultAgentSpoke }
func (AgentsBroadcasted) ResultKind() ResultKind { return ResultBroadcasted }
func (TaskCompleted) ResultKind() ResultKind     { return ResultTaskCompleted }
func (TasksCompleted) ResultKind() ResultKind    { return ResultTasksCompleted }
func (ExecutorError) ResultKind() ResultKind     { return ResultError }

func (e ExecutorError) Error() string {
	if e.AgentID != "" {
		return string(e.Decision) + " " + e.AgentID + ": " + e.Message
	}
	return string(e.Decision) + ": " + e.Message
}

// EventType names an orchestration event.
type EventType string

const (
	EventSupervisorDecided EventType = "supervisor_decided"
	EventExecutorStarted   EventType = "executor_started"
	EventExecutorFinished  EventType = "executor_finished"
	EventWaitingForHuman   EventType = "waiting_for_human"
	EventDone              EventType = "done"
	EventError             EventType = "error"
)

// Event is emitted by Step for observers of the loop.
type Event struct {
	Type        EventType    `json:"type"`
	OperationID string       `json:"operationId"`
	Round       int          `json:"round"`
	Decision    DecisionKind `json:"decision,omitempty"`
	AgentIDs    []string     `json:"agentIds,omitempty"`
	Result      ResultKind   `json:"result,omitempty"`
	Forced      bool         `json:"forced,omitempty"`
	Message     string       `json:"message,omitempty"`
	Time        time.Time    `json:"time"`
}

// EventSink receives the events produced by each step.
type EventSink interface {
	OnOrchestrationEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// OnOrchestrationEvent calls f(e).
func (f EventSinkFunc) OnOrchestrationEvent(e Event) {
	f(e)
}

// StepOutput is the result of one Runtime.Step call.
type StepOutput struct {
	NewState AgentState
	Events   []Event
	Result   ExecutorResult
}
