package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	var n atomic.Int64
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("op-%d", n.Add(1)) }),
	}
	return NewStore(append(base, opts...)...), clock
}

func mustGet(t *testing.T, s *Store, id string) Operation {
	t.Helper()
	op, ok := s.Get(id)
	require.True(t, ok, "operation %s not found", id)
	return op
}

func TestStartOperation_Defaults(t *testing.T) {
	s, clock := newTestStore(t)

	id, signal := s.StartOperation(context.Background(), StartParams{
		Type:    TypeExecAgentRuntime,
		Context: Context{AgentID: "agent-1", TopicID: "topic-1", MessageID: "msg-1"},
		Label:   "run",
	})

	op := mustGet(t, s, id)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, TypeExecAgentRuntime, op.Type)
	assert.Equal(t, clock.Now(), op.Metadata.StartTime)
	assert.NoError(t, signal.Err())
	assert.Equal(t, []string{id}, s.OperationsByType(TypeExecAgentRuntime))
	assert.Equal(t, []string{id}, s.OperationsByContext("agent-1", "topic-1"))
	latest, ok := s.OperationForMessage("msg-1")
	assert.True(t, ok)
	assert.Equal(t, id, latest)
}

func TestStartOperation_ChildInheritsContext(t *testing.T) {
	s, _ := newTestStore(t)

	parentID, _ := s.StartOperation(context.Background(), StartParams{
		Type:    TypeExecAgentRuntime,
		Context: Context{AgentID: "agent-1", TopicID: "topic-1", GroupID: "group-1"},
	})
	childID, _ := s.StartOperation(context.Background(), StartParams{
		Type:              TypeToolCalling,
		ParentOperationID: parentID,
		Context:           Context{TopicID: "topic-2", MessageID: "msg-9"},
	})

	child := mustGet(t, s, childID)
	assert.Equal(t, parentID, child.ParentOperationID)
	assert.Equal(t, Context{AgentID: "agent-1", GroupID: "group-1", TopicID: "topic-2", MessageID: "msg-9"}, child.Context)

	parent := mustGet(t, s, parentID)
	assert.Equal(t, []string{childID}, parent.ChildOperationIDs)
}

func TestStartOperation_UnknownParentStartsAsRoot(t *testing.T) {
	s, _ := newTestStore(t)

	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM, ParentOperationID: "missing"})
	op := mustGet(t, s, id)
	assert.Empty(t, op.ParentOperationID)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM, Extra: map[string]any{"k": "v"}})

	op := mustGet(t, s, id)
	op.Metadata.Extra["k"] = "mutated"
	op.Status = StatusFailed

	again := mustGet(t, s, id)
	assert.Equal(t, "v", again.Metadata.Extra["k"])
	assert.Equal(t, StatusRunning, again.Status)
}

func TestCancelAfterCompleteIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	id, signal := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})

	s.CompleteOperation(id)
	s.CancelOperation(id, "user")

	op := mustGet(t, s, id)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Empty(t, op.Metadata.CancelReason)
	assert.NoError(t, signal.Err())
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		first  func(s *Store, id string)
		second func(s *Store, id string)
		want   Status
	}{
		{
			name:   "complete twice",
			first:  func(s *Store, id string) { s.CompleteOperation(id) },
			second: func(s *Store, id string) { s.CompleteOperation(id) },
			want:   StatusCompleted,
		},
		{
			name:   "fail then complete",
			first:  func(s *Store, id string) { s.FailOperation(id, ErrorInfo{Type: ErrorTypeAgentExecution, Message: "boom"}) },
			second: func(s *Store, id string) { s.CompleteOperation(id) },
			want:   StatusFailed,
		},
		{
			name:   "cancel then fail",
			first:  func(s *Store, id string) { s.CancelOperation(id, "user") },
			second: func(s *Store, id string) { s.FailOperation(id, ErrorInfo{Type: ErrorTypeAgentExecution}) },
			want:   StatusCancelled,
		},
		{
			name:   "complete then resume",
			first:  func(s *Store, id string) { s.CompleteOperation(id) },
			second: func(s *Store, id string) { s.UpdateOperationStatus(id, StatusRunning) },
			want:   StatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})
			tt.first(s, id)
			tt.second(s, id)
			assert.Equal(t, tt.want, mustGet(t, s, id).Status)
		})
	}
}

func TestCompleteOperation_StampsTiming(t *testing.T) {
	s, clock := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})

	clock.Advance(1500 * time.Millisecond)
	s.CompleteOperation(id, func(m *Metadata) {
		m.Extra = map[string]any{"tokens": 42}
	})

	op := mustGet(t, s, id)
	assert.Equal(t, 1500*time.Millisecond, op.Metadata.Duration)
	assert.Equal(t, clock.Now(), op.Metadata.EndTime)
	assert.Equal(t, 42, op.Metadata.Extra["tokens"])

	clock.Advance(time.Second)
	s.CompleteOperation(id)
	assert.Equal(t, 1500*time.Millisecond, mustGet(t, s, id).Metadata.Duration)
}

func TestFailOperation_RecordsError(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecuteToolCall})

	s.FailOperation(id, ErrorInfo{
		Type:    ErrorTypePluginServer,
		Message: "tool crashed",
		Code:    "500",
		Details: map[string]any{"tool": "search"},
	})

	op := mustGet(t, s, id)
	require.NotNil(t, op.Metadata.Error)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, ErrorTypePluginServer, op.Metadata.Error.Type)
	assert.Equal(t, "search", op.Metadata.Error.Details["tool"])
	assert.Equal(t, "PluginServerError (500): tool crashed", op.Metadata.Error.Error())
}

func TestCancelOperation_CascadesToSubtree(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, pSignal := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})
	c1, c1Signal := s.StartOperation(ctx, StartParams{Type: TypeToolCalling, ParentOperationID: p})
	c2, _ := s.StartOperation(ctx, StartParams{Type: TypeCallLLM, ParentOperationID: p})
	g, gSignal := s.StartOperation(ctx, StartParams{Type: TypeExecuteToolCall, ParentOperationID: c1})

	s.CancelOperation(p, "user")

	for _, id := range []string{p, c1, c2, g} {
		assert.Equal(t, StatusCancelled, mustGet(t, s, id).Status, id)
	}
	assert.Error(t, pSignal.Err())
	assert.Error(t, c1Signal.Err())
	assert.Error(t, gSignal.Err())
	assert.Equal(t, "user", mustGet(t, s, p).Metadata.CancelReason)
	assert.Equal(t, ParentCancelledReason, mustGet(t, s, g).Metadata.CancelReason)
}

func TestCancelOperation_ParentAndToolCallScenario(t *testing.T) {
	s, _ := newTestStore(t)
	op1, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime})
	op2, _ := s.StartOperation(context.Background(), StartParams{Type: TypeToolCalling, ParentOperationID: op1})

	s.CancelOperation(op1, "user")

	first := mustGet(t, s, op1)
	second := mustGet(t, s, op2)
	assert.Equal(t, StatusCancelled, first.Status)
	assert.Equal(t, StatusCancelled, second.Status)
	assert.Equal(t, "user", first.Metadata.CancelReason)
	assert.Equal(t, "Parent operation cancelled", second.Metadata.CancelReason)
}

func TestCancelOperation_SignalCause(t *testing.T) {
	s, _ := newTestStore(t)
	id, signal := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})

	s.CancelOperation(id, "stop pressed")

	var cancelErr *CancelError
	require.True(t, errors.As(context.Cause(signal), &cancelErr))
	assert.Equal(t, "stop pressed", cancelErr.Reason)
	assert.ErrorIs(t, context.Cause(signal), context.Canceled)
}

func TestCancelOperation_EmitsAbortingForAgentRuntime(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind
	var abortingStatus Status
	s, _ := newTestStore(t, WithObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
		if e.Kind == EventAborting {
			abortingStatus = e.Operation.Status
			assert.True(t, e.Operation.Metadata.IsAborting)
		}
	})))

	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime})
	s.CancelOperation(id, "user")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventStarted, EventAborting, EventCancelled}, kinds)
	assert.Equal(t, StatusRunning, abortingStatus)
	assert.True(t, mustGet(t, s, id).Metadata.IsAborting)
}

func TestCancelOperation_RunsHandlerOnce(t *testing.T) {
	s, _ := newTestStore(t)
	calls := make(chan Operation, 4)
	id, _ := s.StartOperation(context.Background(), StartParams{
		Type: TypeCallLLM,
		OnCancel: func(ctx context.Context, op Operation) error {
			calls <- op
			return errors.New("handler failure is only logged")
		},
	})

	s.CancelOperation(id, "user")
	s.CancelOperation(id, "again")

	select {
	case op := <-calls:
		assert.Equal(t, id, op.ID)
	case <-time.After(time.Second):
		t.Fatal("cancel handler was not invoked")
	}
	select {
	case <-calls:
		t.Fatal("cancel handler invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusCancelled, mustGet(t, s, id).Status)
}

func TestSetCancelHandler(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})
	done := make(chan struct{})
	s.SetCancelHandler(id, func(ctx context.Context, op Operation) error {
		close(done)
		return nil
	})
	assert.True(t, mustGet(t, s, id).HasCancelHandler())

	s.CancelOperation(id, "user")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestAbortTree_CancelsChildrenOfFailedOperation(t *testing.T) {
	s, _ := newTestStore(t)
	p, pSignal := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime})
	c, _ := s.StartOperation(context.Background(), StartParams{Type: TypeToolCalling, ParentOperationID: p})

	s.FailOperation(p, ErrorInfo{Type: ErrorTypeAgentExecution, Message: "stream failed"})
	s.CancelOperation(p, "after failure")
	assert.Equal(t, StatusRunning, mustGet(t, s, c).Status)

	s.AbortTree(p, "after failure")
	assert.Equal(t, StatusFailed, mustGet(t, s, p).Status)
	assert.Equal(t, StatusCancelled, mustGet(t, s, c).Status)
	assert.Error(t, pSignal.Err())
}

func TestCancelOperations_Filter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a1, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime, Context: Context{AgentID: "a", TopicID: "t1"}})
	a2, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime, Context: Context{AgentID: "a", TopicID: "t2"}})
	b1, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime, Context: Context{AgentID: "b", TopicID: "t1"}})
	tr, _ := s.StartOperation(ctx, StartParams{Type: TypeTranslate, Context: Context{AgentID: "a", TopicID: "t1"}})
	done, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime, Context: Context{AgentID: "a", TopicID: "t1"}})
	s.CompleteOperation(done)

	matched := s.CancelOperations(Filter{Type: TypeExecAgentRuntime, AgentID: "a", TopicID: "t1"}, "topic switch")

	assert.Equal(t, []string{a1}, matched)
	assert.Equal(t, StatusCancelled, mustGet(t, s, a1).Status)
	assert.Equal(t, StatusRunning, mustGet(t, s, a2).Status)
	assert.Equal(t, StatusRunning, mustGet(t, s, b1).Status)
	assert.Equal(t, StatusRunning, mustGet(t, s, tr).Status)
	assert.Equal(t, StatusCompleted, mustGet(t, s, done).Status)
}

func TestCancelOperations_PausedRequiresStatusFilter(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime})
	s.PauseOperation(id)

	assert.Empty(t, s.CancelOperations(Filter{Type: TypeExecAgentRuntime}, "x"))
	assert.Equal(t, []string{id}, s.CancelOperations(Filter{Status: StatusPaused}, "x"))
}

func TestMessageIndex_LastWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	first, _ := s.StartOperation(context.Background(), StartParams{Type: TypeSendMessage, Context: Context{MessageID: "m1"}})
	second, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime, Context: Context{MessageID: "m1"}})

	latest, ok := s.OperationForMessage("m1")
	require.True(t, ok)
	assert.Equal(t, second, latest)
	assert.ElementsMatch(t, []string{first, second}, s.OperationsByMessage("m1"))
}

func TestCleanupCompletedOperations_RemovesFromEveryIndex(t *testing.T) {
	s, clock := newTestStore(t, WithRetention(time.Hour))
	ctx := context.Background()

	parent, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime, Context: Context{AgentID: "a", MessageID: "m1"}})
	child, _ := s.StartOperation(ctx, StartParams{Type: TypeToolCalling, ParentOperationID: parent, Context: Context{MessageID: "m2"}})
	running, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime, Context: Context{AgentID: "a", MessageID: "m1"}})
	s.CompleteOperation(child)
	s.CancelOperation(parent, "user")
	clock.Advance(time.Millisecond)

	removed := s.CleanupCompletedOperations(0)
	assert.Equal(t, 2, removed)

	for _, id := range []string{parent, child} {
		_, ok := s.Get(id)
		assert.False(t, ok)
		assert.NotContains(t, s.OperationsByType(TypeExecAgentRuntime), id)
		assert.NotContains(t, s.OperationsByType(TypeToolCalling), id)
		assert.NotContains(t, s.OperationsByMessage("m1"), id)
		assert.NotContains(t, s.OperationsByMessage("m2"), id)
		assert.NotContains(t, s.OperationsByContext("a", ""), id)
		assert.NotContains(t, s.Children(parent), id)
	}
	latest, ok := s.OperationForMessage("m1")
	assert.True(t, ok)
	assert.Equal(t, running, latest)
	_, ok = s.OperationForMessage("m2")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Stats().Total)
}

func TestCleanupCompletedOperations_RespectsAge(t *testing.T) {
	s, clock := newTestStore(t, WithRetention(time.Hour))
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})
	s.CompleteOperation(id)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 0, s.CleanupCompletedOperations(30*time.Second))

	clock.Advance(25 * time.Second)
	assert.Equal(t, 1, s.CleanupCompletedOperations(30*time.Second))
}

func TestStartOperation_TopLevelTriggersSweep(t *testing.T) {
	s, clock := newTestStore(t, WithRetention(30*time.Second))
	ctx := context.Background()

	old, _ := s.StartOperation(ctx, StartParams{Type: TypeCallLLM})
	s.CompleteOperation(old)
	clock.Advance(time.Minute)

	parent, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})
	_, ok := s.Get(old)
	assert.False(t, ok, "top-level start should sweep old operations")

	stale, _ := s.StartOperation(ctx, StartParams{Type: TypeCallLLM})
	s.CompleteOperation(stale)
	clock.Advance(time.Minute)

	s.StartOperation(ctx, StartParams{Type: TypeToolCalling, ParentOperationID: parent})
	_, ok = s.Get(stale)
	assert.True(t, ok, "child start must not sweep")
}

func TestCleanupStale_UsesDefaultAge(t *testing.T) {
	s, clock := newTestStore(t, WithRetention(time.Hour))
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})
	s.CompleteOperation(id)

	clock.Advance(59 * time.Second)
	assert.Equal(t, 0, s.CleanupStale())
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.CleanupStale())
}

func TestGetOperationAbortSignal(t *testing.T) {
	s, _ := newTestStore(t)
	id, signal := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})

	got, err := s.GetOperationAbortSignal(id)
	require.NoError(t, err)
	assert.Equal(t, signal, got)

	_, err = s.GetOperationAbortSignal("missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestUnknownIDsAreNoops(t *testing.T) {
	s, _ := newTestStore(t, WithVerbose(true))

	assert.NotPanics(t, func() {
		s.UpdateOperationMetadata("missing", func(m *Metadata) { m.CancelReason = "x" })
		s.UpdateOperationStatus("missing", StatusPaused)
		s.UpdateOperationProgress("missing", 1, 2)
		s.CompleteOperation("missing")
		s.FailOperation("missing", ErrorInfo{})
		s.CancelOperation("missing", "x")
		s.AbortTree("missing", "x")
		s.RegisterAfterCompletionCallback(context.Background(), "missing", func(context.Context) error { return nil })
		s.RunAfterCompletionCallbacks(context.Background(), "missing")
	})
	assert.Equal(t, 0, s.Stats().Total)
}

func TestUpdateOperationProgress(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeTranslate})

	s.UpdateOperationProgress(id, 1, 4)

	p := mustGet(t, s, id).Metadata.Progress
	require.NotNil(t, p)
	assert.Equal(t, Progress{Current: 1, Total: 4, Percentage: 25}, *p)
}

func TestPauseAndResume(t *testing.T) {
	s, _ := newTestStore(t)
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime})

	s.PauseOperation(id)
	assert.Equal(t, StatusPaused, mustGet(t, s, id).Status)
	s.ResumeOperation(id)
	assert.Equal(t, StatusRunning, mustGet(t, s, id).Status)
}

func TestAfterCompletionCallbacks_OrderAndIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})

	var calls []string
	s.RegisterAfterCompletionCallback(ctx, id, func(context.Context) error {
		calls = append(calls, "first")
		return errors.New("first failed")
	})
	s.RegisterAfterCompletionCallback(ctx, id, func(context.Context) error {
		calls = append(calls, "second")
		return nil
	})

	s.CompleteOperation(id)
	assert.Equal(t, 2, s.RunAfterCompletionCallbacks(ctx, id))
	assert.Equal(t, 0, s.RunAfterCompletionCallbacks(ctx, id))

	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, StatusCompleted, mustGet(t, s, id).Status)
}

func TestAfterCompletionCallbacks_PanicDoesNotStopOthers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})

	ran := false
	s.RegisterAfterCompletionCallback(ctx, id, func(context.Context) error { panic("boom") })
	s.RegisterAfterCompletionCallback(ctx, id, func(context.Context) error { ran = true; return nil })
	s.CompleteOperation(id)
	s.RunAfterCompletionCallbacks(ctx, id)

	assert.True(t, ran)
}

func TestAfterCompletionCallbacks_LateRegistration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	completed, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})
	s.CompleteOperation(completed)
	ran := false
	s.RegisterAfterCompletionCallback(ctx, completed, func(context.Context) error { ran = true; return nil })
	assert.True(t, ran, "callback registered after completion runs immediately")

	cancelled, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})
	s.CancelOperation(cancelled, "user")
	ranCancelled := false
	s.RegisterAfterCompletionCallback(ctx, cancelled, func(context.Context) error { ranCancelled = true; return nil })
	assert.False(t, ranCancelled)
}

func TestAfterCompletionCallbacks_SkippedWhenCancelled(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})

	ran := false
	s.RegisterAfterCompletionCallback(ctx, id, func(context.Context) error { ran = true; return nil })
	s.CancelOperation(id, "user")

	assert.Equal(t, 0, s.RunAfterCompletionCallbacks(ctx, id))
	assert.False(t, ran)
}

func TestTopLevelContextCancellationCancelsOperation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	id, signal := s.StartOperation(ctx, StartParams{Type: TypeSendMessage})

	cancel()

	select {
	case <-signal.Done():
	case <-time.After(time.Second):
		t.Fatal("signal not aborted")
	}
	require.Eventually(t, func() bool {
		st, _ := s.Status(id)
		return st == StatusCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestListAndStats(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	a, _ := s.StartOperation(ctx, StartParams{Type: TypeCallLLM, Context: Context{AgentID: "a"}})
	clock.Advance(time.Second)
	b, _ := s.StartOperation(ctx, StartParams{Type: TypeCallLLM, Context: Context{AgentID: "b"}})
	clock.Advance(time.Second)
	c, _ := s.StartOperation(ctx, StartParams{Type: TypeTranslate, Context: Context{AgentID: "a"}})
	s.CompleteOperation(c)

	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{a, b, c}, []string{all[0].ID, all[1].ID, all[2].ID})

	onlyA := s.List(Filter{AgentID: "a", Status: StatusRunning})
	require.Len(t, onlyA, 1)
	assert.Equal(t, a, onlyA[0].ID)

	st := s.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByStatus[StatusRunning])
	assert.Equal(t, 1, st.ByStatus[StatusCompleted])
	assert.Equal(t, 2, st.ByType[TypeCallLLM])
}

func TestObserverReceivesRemovedEvents(t *testing.T) {
	var removed []string
	s, _ := newTestStore(t, WithRetention(time.Hour), WithObserver(ObserverFunc(func(e Event) {
		if e.Kind == EventRemoved {
			removed = append(removed, e.Operation.ID)
		}
	})))
	id, _ := s.StartOperation(context.Background(), StartParams{Type: TypeCallLLM})
	s.CompleteOperation(id)
	s.CleanupCompletedOperations(0)

	assert.Equal(t, []string{id}, removed)
}

func TestStartOperation_UnderCancelledParentIsCancelled(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p, _ := s.StartOperation(ctx, StartParams{Type: TypeGroupOrchestration})
	s.CancelOperation(p, "user")

	c, cSignal := s.StartOperation(ctx, StartParams{Type: TypeGroupAgentStream, ParentOperationID: p})

	child := mustGet(t, s, c)
	assert.Equal(t, StatusCancelled, child.Status)
	assert.Equal(t, ParentCancelledReason, child.Metadata.CancelReason)
	assert.Equal(t, []string{c}, s.Children(p))
	assert.Error(t, cSignal.Err())

	assert.Equal(t, 2, s.CleanupCompletedOperations(0))
	_, ok := s.Get(c)
	assert.False(t, ok)
}

func TestStartOperation_UnderAbortedFailedParentIsCancelled(t *testing.T) {
	s, _ := newTestStore(t)
	p, _ := s.StartOperation(context.Background(), StartParams{Type: TypeExecAgentRuntime})
	s.FailOperation(p, ErrorInfo{Type: ErrorTypeAgentExecution, Message: "stream failed"})
	s.AbortTree(p, "after failure")

	c, _ := s.StartOperation(context.Background(), StartParams{Type: TypeToolCalling, ParentOperationID: p})
	assert.Equal(t, StatusCancelled, mustGet(t, s, c).Status)
}

func TestStartOperation_WithDoneContextIsCancelled(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, signal := s.StartOperation(ctx, StartParams{Type: TypeSendMessage})

	op := mustGet(t, s, id)
	assert.Equal(t, StatusCancelled, op.Status)
	assert.Equal(t, context.Canceled.Error(), op.Metadata.CancelReason)
	assert.Error(t, signal.Err())
}

type signalKey struct{}

func TestChildSignalKeepsParentValues(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.WithValue(context.Background(), signalKey{}, "trace-1")
	p, _ := s.StartOperation(ctx, StartParams{Type: TypeExecAgentRuntime})
	_, cSignal := s.StartOperation(context.Background(), StartParams{Type: TypeToolCalling, ParentOperationID: p})

	assert.Equal(t, "trace-1", cSignal.Value(signalKey{}))
}

// trackedContext is a cancellable context that counts the callbacks other
// contexts register on it.
type trackedContext struct {
	mu    sync.Mutex
	done  chan struct{}
	err   error
	next  int
	funcs map[int]func()
}

func newTrackedContext() *trackedContext {
	return &trackedContext{done: make(chan struct{}), funcs: make(map[int]func())}
}

func (c *trackedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c *trackedContext) Done() <-chan struct{}       { return c.done }
func (c *trackedContext) Value(any) any               { return nil }

func (c *trackedContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *trackedContext) AfterFunc(f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		go f()
		return func() bool { return false }
	}
	id := c.next
	c.next++
	c.funcs[id] = f
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.funcs[id]
		delete(c.funcs, id)
		return ok
	}
}

func (c *trackedContext) cancel() {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = context.Canceled
	close(c.done)
	funcs := c.funcs
	c.funcs = make(map[int]func())
	c.mu.Unlock()

	for _, f := range funcs {
		go f()
	}
}

func (c *trackedContext) registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.funcs)
}

func TestFinishedOperationsReleaseTheirContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := newTrackedContext()

	for i := range 4 {
		id, _ := s.StartOperation(ctx, StartParams{Type: TypeCallLLM})
		child, _ := s.StartOperation(ctx, StartParams{Type: TypeToolCalling, ParentOperationID: id})
		s.CompleteOperation(child)
		if i%2 == 0 {
			s.CompleteOperation(id)
		} else {
			s.FailOperation(id, ErrorInfo{Type: ErrorTypeAgentExecution, Message: "boom"})
		}
	}
	assert.Zero(t, ctx.registered())
	s.CleanupCompletedOperations(0)
	assert.Zero(t, ctx.registered())

	id, signal := s.StartOperation(ctx, StartParams{Type: TypeSendMessage})
	assert.Equal(t, 1, ctx.registered())

	ctx.cancel()
	require.Eventually(t, func() bool {
		st, _ := s.Status(id)
		return st == StatusCancelled
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, signal.Err())
}
