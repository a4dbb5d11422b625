package agentturn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/internal/orchestration"
	"github.com/aixgo-dev/agentops/pkg/message"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

// resultLog is a policy that records every result it sees and finishes.
type resultLog struct {
	mu      sync.Mutex
	results []orchestration.ExecutorResult
}

func (r *resultLog) Decide(_ context.Context, _ orchestration.AgentState, last orchestration.ExecutorResult) (orchestration.PolicyDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, last)
	return orchestration.PolicyDecision{Finish: true, Reason: "enough"}, nil
}

func (r *resultLog) last(t *testing.T) orchestration.ExecutorResult {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.results)
	return r.results[len(r.results)-1]
}

type groupHarness struct {
	*harness
	tr     *transport.ScriptedTransport
	board  *orchestration.TaskBoard
	orch   *orchestration.GroupOrchestrator
	policy *resultLog
}

func echoReply(req transport.Request) []transport.Event {
	reply := "from " + req.Agent.AgentID
	return []transport.Event{
		transport.NewEvent(transport.StreamChunk{ChunkType: transport.ChunkText, Content: reply}),
		transport.NewEvent(transport.StreamEnd{Content: reply, FinishReason: "stop"}),
		transport.NewEvent(transport.AgentRuntimeEnd{}),
	}
}

func newGroupHarness() *groupHarness {
	h := newHarness()
	tr := transport.NewScriptedTransport().Fallback(echoReply)
	agents := []transport.AgentConfig{{AgentID: "a1"}, {AgentID: "a2"}}

	cbs := NewGroupCallbacks(h.executor(tr), h.ops, h.messages, agents, WithDispatchRate(0, 0))
	board := orchestration.NewTaskBoard()
	execs := orchestration.NewExecutors(h.ops, cbs, board, orchestration.WithPollInterval(5*time.Millisecond))
	policy := &resultLog{}
	rt := orchestration.NewRuntime(orchestration.NewSupervisor(policy), execs.Map())

	return &groupHarness{
		harness: h,
		tr:      tr,
		board:   board,
		orch:    orchestration.NewGroupOrchestrator(h.ops, rt),
		policy:  policy,
	}
}

func (g *groupHarness) run(d orchestration.Decision, agentIDs ...string) orchestration.RunResult {
	if len(agentIDs) == 0 {
		agentIDs = []string{"a1", "a2"}
	}
	return g.orch.ExecGroupOrchestration(context.Background(), orchestration.RunParams{
		GroupID:           "g1",
		TopicID:           "t1",
		SupervisorAgentID: "sup",
		AgentIDs:          agentIDs,
		InitialResult:     orchestration.SupervisorDecided{Decision: d},
	})
}

func (g *groupHarness) topic(t *testing.T) []*message.Message {
	t.Helper()
	msgs, err := g.messages.ListByTopic(context.Background(), "t1")
	require.NoError(t, err)
	return msgs
}

func TestGroup_Speak(t *testing.T) {
	g := newGroupHarness()
	require.NoError(t, g.messages.DispatchMessage(context.Background(), message.Dispatch{
		Type:   message.DispatchCreate,
		Create: &message.Message{ID: "u1", Role: message.RoleUser, TopicID: "t1", Content: "hello team"},
	}, message.DispatchOptions{}))

	run := g.run(orchestration.Speak{AgentID: "a1", Instruction: "summarise"})
	assert.Equal(t, orchestration.StatusDone, run.State.Status)
	assert.Equal(t, operation.StatusCompleted, opStatusOf(t, g.ops, run.OperationID))

	msgs := g.topic(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "a1", msgs[1].AgentID)
	assert.Equal(t, "g1", msgs[1].GroupID)
	assert.Equal(t, "from a1", msgs[1].Content)

	reqs := g.tr.Requests()
	require.Len(t, reqs, 1)
	history := reqs[0].Messages
	require.Len(t, history, 2)
	assert.Equal(t, "hello team", history[0].Content)
	assert.Equal(t, message.RoleSupervisor, history[1].Role)
	assert.Equal(t, "summarise", history[1].Content)

	// orchestration -> groupAgentStream -> execAgentRuntime
	turnOps := g.ops.Children(run.OperationID)
	require.Len(t, turnOps, 1)
	turn, _ := g.ops.Get(turnOps[0])
	assert.Equal(t, operation.TypeGroupAgentStream, turn.Type)
	assert.Equal(t, operation.StatusCompleted, turn.Status)
	runtimeOps := g.ops.Children(turn.ID)
	require.Len(t, runtimeOps, 1)
	rt, _ := g.ops.Get(runtimeOps[0])
	assert.Equal(t, operation.TypeExecAgentRuntime, rt.Type)
	assert.Equal(t, "t1", rt.Context.TopicID)

	spoke, ok := g.policy.last(t).(orchestration.AgentSpoke)
	require.True(t, ok)
	assert.Equal(t, operation.StatusCompleted, spoke.Status)
}

func TestGroup_BroadcastFailureStaysLocal(t *testing.T) {
	g := newGroupHarness()
	g.tr.Script("a2",
		transport.NewEvent(transport.Error{Type: "ProviderError", Message: "model overloaded"}),
	)

	run := g.run(orchestration.Broadcast{AgentIDs: []string{"a1", "a2"}, Instruction: "vote"})
	assert.Equal(t, orchestration.StatusDone, run.State.Status)
	assert.Equal(t, operation.StatusCompleted, opStatusOf(t, g.ops, run.OperationID))

	bc, ok := g.policy.last(t).(orchestration.AgentsBroadcasted)
	require.True(t, ok)
	require.Len(t, bc.Turns, 2)
	byAgent := map[string]orchestration.AgentSpoke{}
	for _, turn := range bc.Turns {
		byAgent[turn.AgentID] = turn
	}
	assert.Equal(t, operation.StatusCompleted, byAgent["a1"].Status)
	assert.Equal(t, operation.StatusFailed, byAgent["a2"].Status)
	assert.Contains(t, byAgent["a2"].Error, "model overloaded")

	contents := map[string]string{}
	for _, m := range g.topic(t) {
		contents[m.AgentID] = m.Content
		if m.AgentID == "a2" {
			require.NotNil(t, m.Error)
			assert.Equal(t, "ProviderError", m.Error.Type)
		}
	}
	assert.Equal(t, "from a1", contents["a1"])
}

func TestGroup_DelegateHandsOver(t *testing.T) {
	g := newGroupHarness()

	run := g.run(orchestration.Delegate{AgentID: "a2", Reason: "you know billing"})
	assert.Equal(t, orchestration.StatusDone, run.State.Status)

	op, _ := g.ops.Get(run.OperationID)
	assert.Equal(t, "a2", op.Metadata.Extra["delegatedTo"])

	reqs := g.tr.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a2", reqs[0].Agent.AgentID)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "you know billing", last.Content)

	g.policy.mu.Lock()
	defer g.policy.mu.Unlock()
	assert.Empty(t, g.policy.results, "a forced speak ends the run without the policy")
}

func TestGroup_UnknownAgentConfig(t *testing.T) {
	g := newGroupHarness()

	run := g.run(orchestration.Speak{AgentID: "ghost"}, "a1", "ghost")
	assert.Equal(t, orchestration.StatusDone, run.State.Status)

	spoke, ok := g.policy.last(t).(orchestration.AgentSpoke)
	require.True(t, ok)
	assert.Equal(t, operation.StatusFailed, spoke.Status)
	assert.Contains(t, spoke.Error, orchestration.ErrAgentNotFound.Error())
	assert.Empty(t, g.tr.Requests())
}

func TestGroup_ServerTask(t *testing.T) {
	g := newGroupHarness()
	g.tr.Script("a1",
		transport.NewEvent(transport.StreamEnd{Content: "42"}),
		transport.NewEvent(transport.AgentRuntimeEnd{}),
	)

	g.run(orchestration.ExecuteTask{AgentID: "a1", Instruction: "count the rows", Title: "count"})

	task, ok := g.policy.last(t).(orchestration.TaskCompleted)
	require.True(t, ok)
	assert.Equal(t, operation.StatusCompleted, task.Status)
	assert.Equal(t, "42", task.Result)

	op, _ := g.ops.Get(task.OperationID)
	assert.Equal(t, operation.TypeExecServerTask, op.Type)
	assert.Equal(t, "count", op.Label)
}

func TestGroup_ClientTask(t *testing.T) {
	g := newGroupHarness()

	go func() {
		var taskID string
		for taskID == "" {
			msgs, _ := g.messages.ListByTopic(context.Background(), "t1")
			for _, m := range msgs {
				if id, ok := m.Metadata[MetaTaskID].(string); ok {
					taskID = id
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
		g.board.Report(taskID, orchestration.TaskStatus{Status: operation.StatusCompleted, Result: "rendered"})
	}()

	g.run(orchestration.ExecuteTask{AgentID: "a2", Instruction: "render chart", Title: "chart", RunInClient: true})

	task, ok := g.policy.last(t).(orchestration.TaskCompleted)
	require.True(t, ok)
	assert.Equal(t, operation.StatusCompleted, task.Status)
	assert.Equal(t, "rendered", task.Result)
	assert.Empty(t, g.tr.Requests(), "client tasks never open a turn")

	msgs := g.topic(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.RoleTool, msgs[0].Role)
	assert.Equal(t, true, msgs[0].Metadata[MetaRunInClient])
	assert.Equal(t, "chart", msgs[0].Metadata[MetaTaskTitle])
	assert.Equal(t, task.OperationID, msgs[0].LastOperationID)
}

func TestGroup_ExecuteTasksBatch(t *testing.T) {
	g := newGroupHarness()
	g.tr.Script("a2", transport.NewEvent(transport.Error{Message: "tool crashed"}))

	g.run(orchestration.ExecuteTasks{Tasks: []orchestration.ExecuteTask{
		{AgentID: "a1", Instruction: "first"},
		{AgentID: "a2", Instruction: "second"},
	}})

	batch, ok := g.policy.last(t).(orchestration.TasksCompleted)
	require.True(t, ok)
	require.Len(t, batch.Tasks, 2)
	assert.Equal(t, operation.StatusCompleted, batch.Tasks[0].Status)
	assert.Equal(t, "from a1", batch.Tasks[0].Result)
	assert.Equal(t, operation.StatusFailed, batch.Tasks[1].Status)
	assert.Contains(t, batch.Tasks[1].Error, "tool crashed")
}

func TestWithDispatchRate_Paces(t *testing.T) {
	g := &GroupCallbacks{}
	WithDispatchRate(10, 1)(g)
	require.NotNil(t, g.limiter)
	assert.InDelta(t, 10, float64(g.limiter.Limit()), 0.001)
	assert.Equal(t, 1, g.limiter.Burst())
}

func opStatusOf(t *testing.T, ops *operation.Store, id string) operation.Status {
	t.Helper()
	st, ok := ops.Status(id)
	require.True(t, ok)
	return st
}
