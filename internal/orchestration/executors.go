package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/agentops/internal/operation"
)

const (
	// DefaultPollInterval is how often client-run task status is polled
	DefaultPollInterval = 5000 * time.Millisecond

	// DefaultMaxParallel bounds concurrent client task polling
	DefaultMaxParallel = 8

	// TaskTimeoutReason is the cancel reason recorded when a task times out
	TaskTimeoutReason = "timeout"
)

// Executor realises one decision kind.
type Executor interface {
	Execute(ctx context.Context, state AgentState, d Decision) ExecutorResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, state AgentState, d Decision) ExecutorResult

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, state AgentState, d Decision) ExecutorResult {
	return f(ctx, state, d)
}

// TaskStatus is the externally reported state of a client-run task.
type TaskStatus struct {
	Status operation.Status
	Result string
	Error  string
}

// TaskStatusSource reports the progress of tasks executed by a client.
type TaskStatusSource interface {
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// ExecutorConfig tunes the built-in executors.
type ExecutorConfig struct {
	PollInterval       time.Duration
	DefaultTaskTimeout time.Duration
	MaxParallel        int
	NewTaskID          func() string
}

// ExecutorOption configures Executors.
type ExecutorOption func(*ExecutorConfig)

// WithPollInterval sets the client task polling interval.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) { c.PollInterval = d }
}

// WithDefaultTaskTimeout sets the timeout for tasks that do not specify one.
func WithDefaultTaskTimeout(d time.Duration) ExecutorOption {
	return func(c *ExecutorConfig) { c.DefaultTaskTimeout = d }
}

// WithMaxParallel bounds concurrent client task polling.
func WithMaxParallel(n int) ExecutorOption {
	return func(c *ExecutorConfig) { c.MaxParallel = n }
}

// WithTaskIDGenerator replaces the task id generator.
func WithTaskIDGenerator(gen func() string) ExecutorOption {
	return func(c *ExecutorConfig) { c.NewTaskID = gen }
}

// Executors holds the built-in executor for every decision kind.
type Executors struct {
	store     *operation.Store
	callbacks Callbacks
	tasks     TaskStatusSource
	cfg       ExecutorConfig
}

// NewExecutors creates the executors. tasks may be nil when no decision
// runs tasks in the client.
func NewExecutors(store *operation.Store, callbacks Callbacks, tasks TaskStatusSource, opts ...ExecutorOption) *Executors {
	cfg := ExecutorConfig{
		PollInterval: DefaultPollInterval,
		MaxParallel:  DefaultMaxParallel,
		NewTaskID:    func() string { return "task_" + uuid.New().String() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Executors{store: store, callbacks: callbacks, tasks: tasks, cfg: cfg}
}

// Map returns the executor table used by Runtime.
func (e *Executors) Map() map[DecisionKind]Executor {
	return map[DecisionKind]Executor{
		DecisionSpeak:        ExecutorFunc(e.speak),
		DecisionBroadcast:    ExecutorFunc(e.broadcast),
		DecisionDelegate:     ExecutorFunc(e.delegate),
		DecisionExecuteTask:  ExecutorFunc(e.executeTask),
		DecisionExecuteTasks: ExecutorFunc(e.executeTasks),
	}
}

func unknownAgent(kind DecisionKind, agentID string) ExecutorError {
	return ExecutorError{Decision: kind, AgentID: agentID, Message: ErrAgentNotFound.Error()}
}

func wrongDecision(kind DecisionKind, d Decision) ExecutorError {
	return ExecutorError{Decision: kind, Message: fmt.Sprintf("unexpected decision %T", d)}
}

func (e *Executors) startTurn(ctx context.Context, state AgentState, agentID, label string) (string, context.Context) {
	return e.store.StartOperation(ctx, operation.StartParams{
		Type:              operation.TypeGroupAgentStream,
		ParentOperationID: state.OperationID,
		Context:           operation.Context{AgentID: agentID},
		Label:             label,
	})
}

// TurnCancelledReason is recorded on a turn operation whose agent turn was
// cancelled while the orchestration itself kept running.
const TurnCancelledReason = "agent turn cancelled"

// finishTurn settles a turn operation after its callback returned. A turn
// that ended cancelled is reported cancelled, never completed.
func (e *Executors) finishTurn(opID, agentID string, err error) AgentSpoke {
	switch {
	case errors.Is(err, context.Canceled):
		e.store.CancelOperation(opID, TurnCancelledReason)
	case err != nil:
		e.store.FailOperation(opID, operation.ErrorInfo{
			Type:    operation.ErrorTypeAgentExecution,
			Message: err.Error(),
		})
	default:
		e.store.CompleteOperation(opID)
	}

	res := AgentSpoke{AgentID: agentID, OperationID: opID}
	if op, ok := e.store.Get(opID); ok {
		res.Status = op.Status
		if op.Metadata.Error != nil {
			res.Error = op.Metadata.Error.Message
		}
	}
	return res
}

func (e *Executors) speak(ctx context.Context, state AgentState, d Decision) ExecutorResult {
	sp, ok := d.(Speak)
	if !ok {
		return wrongDecision(DecisionSpeak, d)
	}
	if !state.HasAgent(sp.AgentID) {
		return unknownAgent(DecisionSpeak, sp.AgentID)
	}

	opID, signal := e.startTurn(ctx, state, sp.AgentID, "speak")
	err := e.callbacks.TriggerSpeak(signal, SpeakParams{
		AgentID:     sp.AgentID,
		Instruction: sp.Instruction,
		GroupID:     state.GroupID,
		TopicID:     state.TopicID,
		OperationID: opID,
	})
	return e.finishTurn(opID, sp.AgentID, err)
}

func (e *Executors) broadcast(ctx context.Context, state AgentState, d Decision) ExecutorResult {
	bc, ok := d.(Broadcast)
	if !ok {
		return wrongDecision(DecisionBroadcast, d)
	}
	if len(bc.AgentIDs) == 0 {
		return ExecutorError{Decision: DecisionBroadcast, Message: "no agents to broadcast to"}
	}
	for _, id := range bc.AgentIDs {
		if !state.HasAgent(id) {
			return unknownAgent(DecisionBroadcast, id)
		}
	}

	opIDs := make(map[string]string, len(bc.AgentIDs))
	for _, id := range bc.AgentIDs {
		opIDs[id], _ = e.startTurn(ctx, state, id, "broadcast")
	}

	err := e.callbacks.TriggerBroadcast(ctx, BroadcastParams{
		AgentIDs:     bc.AgentIDs,
		Instruction:  bc.Instruction,
		GroupID:      state.GroupID,
		TopicID:      state.TopicID,
		OperationIDs: opIDs,
	})

	res := AgentsBroadcasted{Turns: make([]AgentSpoke, 0, len(bc.AgentIDs))}
	for _, id := range bc.AgentIDs {
		res.Turns = append(res.Turns, e.finishTurn(opIDs[id], id, err))
	}
	return res
}

func (e *Executors) delegate(ctx context.Context, state AgentState, d Decision) ExecutorResult {
	dg, ok := d.(Delegate)
	if !ok {
		return wrongDecision(DecisionDelegate, d)
	}
	if !state.HasAgent(dg.AgentID) {
		return unknownAgent(DecisionDelegate, dg.AgentID)
	}

	err := e.callbacks.TriggerDelegate(ctx, DelegateParams{
		AgentID:     dg.AgentID,
		Reason:      dg.Reason,
		GroupID:     state.GroupID,
		TopicID:     state.TopicID,
		OperationID: state.OperationID,
	})
	if err != nil {
		return ExecutorError{Decision: DecisionDelegate, AgentID: dg.AgentID, Message: err.Error()}
	}

	// The delegate answers next without another policy round trip.
	return SupervisorDecided{
		Decision:           Speak{AgentID: dg.AgentID, Instruction: dg.Reason},
		SkipCallSupervisor: true,
	}
}

func (e *Executors) executeTask(ctx context.Context, state AgentState, d Decision) ExecutorResult {
	t, ok := d.(ExecuteTask)
	if !ok {
		return wrongDecision(DecisionExecuteTask, d)
	}
	if !state.HasAgent(t.AgentID) {
		return unknownAgent(DecisionExecuteTask, t.AgentID)
	}

	results := e.runTasks(ctx, state, []ExecuteTask{t}, func(ctx context.Context, params []TaskParams) error {
		return e.callbacks.TriggerExecuteTask(ctx, params[0])
	})
	return results[0]
}

func (e *Executors) executeTasks(ctx context.Context, state AgentState, d Decision) ExecutorResult {
	ts, ok := d.(ExecuteTasks)
	if !ok {
		return wrongDecision(DecisionExecuteTasks, d)
	}
	if len(ts.Tasks) == 0 {
		return ExecutorError{Decision: DecisionExecuteTasks, Message: "no tasks"}
	}
	for _, t := range ts.Tasks {
		if !state.HasAgent(t.AgentID) {
			return unknownAgent(DecisionExecuteTasks, t.AgentID)
		}
	}

	results := e.runTasks(ctx, state, ts.Tasks, func(ctx context.Context, params []TaskParams) error {
		return e.callbacks.TriggerExecuteTasks(ctx, TasksParams{Tasks: params})
	})
	return TasksCompleted{Tasks: results}
}

// runTasks starts one operation per task, arms its timeout and races the
// trigger against every task operation reaching a terminal state. A timeout
// goes through the regular cancel path with TaskTimeoutReason.
func (e *Executors) runTasks(ctx context.Context, state AgentState, tasks []ExecuteTask, trigger func(context.Context, []TaskParams) error) []TaskCompleted {
	params := make([]TaskParams, len(tasks))
	signals := make([]context.Context, len(tasks))
	var timers []*time.Timer
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for i, t := range tasks {
		typ := operation.TypeExecServerTask
		if t.RunInClient {
			typ = operation.TypeExecClientTask
		}
		timeout := t.TimeoutDuration()
		if timeout <= 0 {
			timeout = e.cfg.DefaultTaskTimeout
		}
		taskID := e.cfg.NewTaskID()

		opID, signal := e.store.StartOperation(ctx, operation.StartParams{
			Type:              typ,
			ParentOperationID: state.OperationID,
			Context:           operation.Context{AgentID: t.AgentID},
			Label:             t.Title,
			Description:       t.Instruction,
			Extra:             map[string]any{"taskId": taskID},
		})
		if timeout > 0 {
			timers = append(timers, time.AfterFunc(timeout, func() {
				e.store.CancelOperation(opID, TaskTimeoutReason)
			}))
		}

		signals[i] = signal
		params[i] = TaskParams{
			TaskID:      taskID,
			AgentID:     t.AgentID,
			Instruction: t.Instruction,
			Title:       t.Title,
			GroupID:     state.GroupID,
			TopicID:     state.TopicID,
			OperationID: opID,
			RunInClient: t.RunInClient,
			Timeout:     timeout,
		}
	}

	// A single task's trigger observes that task's own signal.
	triggerCtx := ctx
	if len(signals) == 1 {
		triggerCtx = signals[0]
	}
	done := make(chan error, 1)
	go func() {
		done <- trigger(triggerCtx, params)
	}()

	stop := make(chan struct{})
	defer close(stop)
	allEnded := make(chan struct{})
	go func() {
		defer close(allEnded)
		for _, sig := range signals {
			select {
			case <-sig.Done():
			case <-stop:
				return
			}
		}
	}()

	select {
	case err := <-done:
		e.settleTasks(params, err)
	case <-allEnded:
		// Every task was cancelled or timed out; the trigger has been signalled
		// and is left to unwind on its own.
	}

	out := make([]TaskCompleted, len(params))
	for i, p := range params {
		out[i] = e.taskResult(p)
	}
	return out
}

// settleTasks finishes task operations after the trigger returned. Server
// tasks are done once the trigger returns; client tasks are polled.
func (e *Executors) settleTasks(params []TaskParams, err error) {
	if errors.Is(err, context.Canceled) {
		for _, p := range params {
			e.store.CancelOperation(p.OperationID, TurnCancelledReason)
		}
		return
	}
	if err != nil {
		for _, p := range params {
			e.store.FailOperation(p.OperationID, operation.ErrorInfo{
				Type:    operation.ErrorTypeAgentExecution,
				Message: err.Error(),
			})
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, p := range params {
		if !p.RunInClient {
			e.store.CompleteOperation(p.OperationID)
			continue
		}
		g.Go(func() error {
			e.awaitClientTask(p)
			return nil
		})
	}
	_ = g.Wait()
}

// awaitClientTask polls the task status source until the task is terminal
// or its operation is cancelled.
func (e *Executors) awaitClientTask(p TaskParams) {
	signal, err := e.store.GetOperationAbortSignal(p.OperationID)
	if err != nil {
		log.Printf("[orchestration] client task %s: %v", p.TaskID, err)
		return
	}
	if e.tasks == nil {
		e.store.FailOperation(p.OperationID, operation.ErrorInfo{
			Type:    operation.ErrorTypeAgentExecution,
			Message: "no task status source configured",
		})
		return
	}

	limiter := rate.NewLimiter(rate.Every(e.cfg.PollInterval), 1)
	for {
		if err := limiter.Wait(signal); err != nil {
			return
		}

		st, err := e.tasks.TaskStatus(signal, p.TaskID)
		if err != nil {
			if signal.Err() != nil {
				return
			}
			log.Printf("[orchestration] poll task %s: %v", p.TaskID, err)
			continue
		}

		switch st.Status {
		case operation.StatusCompleted:
			CompleteTask(e.store, p.OperationID, st.Result)
			return
		case operation.StatusFailed:
			e.store.FailOperation(p.OperationID, operation.ErrorInfo{
				Type:    operation.ErrorTypeAgentExecution,
				Message: st.Error,
			})
			return
		case operation.StatusCancelled:
			e.store.CancelOperation(p.OperationID, "cancelled by client")
			return
		}
	}
}

func (e *Executors) taskResult(p TaskParams) TaskCompleted {
	res := TaskCompleted{TaskID: p.TaskID, AgentID: p.AgentID, OperationID: p.OperationID}
	op, ok := e.store.Get(p.OperationID)
	if !ok {
		return res
	}
	res.Status = op.Status
	if v, ok := op.Metadata.Extra[TaskResultKey].(string); ok {
		res.Result = v
	}
	if op.Metadata.Error != nil {
		res.Error = op.Metadata.Error.Message
	}
	res.TimedOut = op.Status == operation.StatusCancelled && op.Metadata.CancelReason == TaskTimeoutReason
	return res
}
