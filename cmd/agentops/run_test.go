package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/internal/orchestration"
	"github.com/aixgo-dev/agentops/pkg/config"
	"github.com/aixgo-dev/agentops/pkg/message"
	"github.com/aixgo-dev/agentops/pkg/observability"
)

const teamScenario = `
group_id: g1
topic_id: t1
user_message: plan the launch
agents:
  - agent_id: writer
    model: gpt-4o-mini
    description: drafts copy
  - agent_id: reviewer
    description: checks drafts
initial:
  decision: speak
  params:
    agentId: writer
policy:
  - decision: broadcast
    params:
      agentIds: [writer, reviewer]
      instruction: wrap up
  - finish: true
    reason: done
`

func TestParseRunFile(t *testing.T) {
	rf, err := parseRunFile([]byte(teamScenario))
	require.NoError(t, err)
	assert.Equal(t, "g1", rf.GroupID)
	assert.Equal(t, "supervisor", rf.Supervisor)
	assert.Equal(t, []string{"writer", "reviewer"}, rf.agentIDs())
	assert.Equal(t, "gpt-4o-mini", rf.agentConfigs()[0].Model)
	assert.Equal(t, map[string]string{"writer": "drafts copy", "reviewer": "checks drafts"}, rf.descriptions())

	initial, err := rf.initialResult()
	require.NoError(t, err)
	assert.Equal(t, orchestration.SupervisorDecided{Decision: orchestration.Speak{AgentID: "writer"}}, initial)
}

func TestParseRunFile_GeneratesIDs(t *testing.T) {
	rf, err := parseRunFile([]byte("agents:\n  - agent_id: a1\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rf.GroupID, "group_"))
	assert.True(t, strings.HasPrefix(rf.TopicID, "topic_"))

	initial, err := rf.initialResult()
	require.NoError(t, err)
	assert.Nil(t, initial)
}

func TestParseRunFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no agents", "group_id: g\n", "no agents"},
		{"missing id", "agents:\n  - model: m\n", "agent_id is required"},
		{"duplicate id", "agents:\n  - agent_id: a\n  - agent_id: a\n", "duplicate"},
		{"bad script", "agents:\n  - agent_id: a\n    script:\n      - type: bogus\n", "script[0]"},
		{"bad initial", "agents:\n  - agent_id: a\ninitial:\n  decision: dance\n", "initial"},
		{"empty policy step", "agents:\n  - agent_id: a\npolicy:\n  - reason: nothing\n", "policy"},
		{"negative rounds", "max_rounds: -1\nagents:\n  - agent_id: a\n", "max_rounds"},
		{"invalid yaml", "agents: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRunFile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(teamScenario), 0o600))

	rf, err := loadRunFile(path)
	require.NoError(t, err)
	assert.Equal(t, "t1", rf.TopicID)

	_, err = loadRunFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Tasks.PollInterval = 5 * time.Millisecond
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })
	return a
}

func mustParse(t *testing.T, data string) *runFile {
	t.Helper()
	rf, err := parseRunFile([]byte(data))
	require.NoError(t, err)
	return rf
}

func TestRunScenario_Team(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer

	res, err := runScenario(context.Background(), a, mustParse(t, teamScenario), runOptions{}, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusDone, res.State.Status)
	assert.Equal(t, 2, res.State.RoundCount)

	op, ok := a.ops.Get(res.OperationID)
	require.True(t, ok)
	assert.Equal(t, operation.StatusCompleted, op.Status)

	text := out.String()
	assert.Contains(t, text, "[user] plan the launch")
	assert.Contains(t, text, "[assistant/writer] writer: plan the launch")
	assert.Contains(t, text, "[assistant/reviewer] reviewer: wrap up")
	assert.Contains(t, text, "status: done")
	assert.Contains(t, text, "-- orchestration completed")
}

const approvalScenario = `
topic_id: t1
agents:
  - agent_id: ops
    script:
      - type: step_start
        data:
          phase: human_approval
          pendingApproval:
            tool: drop_table
      - type: stream_chunk
        data:
          chunkType: text
          content: table dropped
      - type: stream_end
        data:
          content: table dropped
          finishReason: stop
      - type: agent_runtime_end
initial:
  decision: speak
  params:
    agentId: ops
  finish: true
`

type fakePrompter struct {
	mu      sync.Mutex
	answers []string
	prompts []string
}

func (p *fakePrompter) Prompt(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if len(p.answers) == 0 {
		return "", nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func TestRunScenario_AutoApproves(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer

	res, err := runScenario(context.Background(), a, mustParse(t, approvalScenario), runOptions{}, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusDone, res.State.Status)
	assert.Contains(t, out.String(), "ops approved by user")
	assert.Contains(t, out.String(), "[assistant/ops] table dropped")
}

func TestRunScenario_InteractiveReject(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	in := &fakePrompter{answers: []string{"n"}}

	res, err := runScenario(context.Background(), a, mustParse(t, approvalScenario), runOptions{interactive: true}, &out, in)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusDone, res.State.Status)
	assert.Contains(t, out.String(), "ops rejected by user")
	assert.Contains(t, out.String(), "Request rejected by user")
	require.NotEmpty(t, in.prompts)
	assert.Contains(t, in.prompts[0], "drop_table")
}

const clientTaskScenario = `
topic_id: t1
agents:
  - agent_id: builder
initial:
  decision: execute_task
  params:
    agentId: builder
    instruction: compile assets
    title: build
    runInClient: true
  finish: true
`

func TestRunScenario_ClientTask(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer

	res, err := runScenario(context.Background(), a, mustParse(t, clientTaskScenario), runOptions{}, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusDone, res.State.Status)

	tasks := a.ops.List(operation.Filter{Type: operation.TypeExecClientTask})
	require.Len(t, tasks, 1)
	assert.Equal(t, operation.StatusCompleted, tasks[0].Status)
	assert.Equal(t, "done: compile assets", tasks[0].Metadata.Extra[orchestration.TaskResultKey])
}

func TestRunScenario_UnknownPolicy(t *testing.T) {
	a := newTestApp(t)
	_, err := runScenario(context.Background(), a, mustParse(t, teamScenario), runOptions{policy: "oracle"}, &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown policy")
}

func messageToolCall(name, args string) message.ToolCall {
	return message.ToolCall{ID: "call-1", Name: name, Arguments: args}
}

func TestBuiltinTools(t *testing.T) {
	tools := builtinTools()
	ctx := context.Background()

	got, err := tools.RunTool(ctx, messageToolCall("echo", `{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, got)

	_, err = tools.RunTool(ctx, messageToolCall("time", ""))
	require.NoError(t, err)

	_, err = tools.RunTool(ctx, messageToolCall("rm", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestOperationsAPI(t *testing.T) {
	a := newTestApp(t)
	h := a.operationsServer(0).Handler()

	id, _ := a.ops.StartOperation(context.Background(), operation.StartParams{
		Type:    operation.TypeExecAgentRuntime,
		Context: operation.Context{AgentID: "a1", TopicID: "t1"},
	})

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec := do(http.MethodGet, "/operations?agent=a1")
	require.Equal(t, http.StatusOK, rec.Code)
	var ops []operation.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)

	rec = do(http.MethodGet, "/operations?agent=nobody")
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = do(http.MethodGet, "/operations/stats")
	var stats operation.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/operations/missing").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/operations/missing/cancel").Code)

	rec = do(http.MethodPost, "/operations/"+id+"/cancel?reason=stop")
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled operation.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, operation.StatusCancelled, cancelled.Status)
	assert.Equal(t, "stop", cancelled.Metadata.CancelReason)

	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/operations/"+id+"/cancel").Code)

	rec = do(http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health observability.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Contains(t, health.Checks, "operations")
}

func TestProbeServer(t *testing.T) {
	a := newTestApp(t)
	h := a.probeServer(0).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health observability.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.NotContains(t, health.Checks, "operations")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/operations", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
