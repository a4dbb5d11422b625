package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(NewMemoryBackend())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatchCreateTagsOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.DispatchMessage(ctx, Dispatch{
		Type:   DispatchCreate,
		Create: &Message{ID: "m1", Role: RoleAssistant, TopicID: "t1"},
	}, DispatchOptions{OperationID: "op-1"})
	require.NoError(t, err)

	msg, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", msg.LastOperationID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, msg.CreatedAt, msg.UpdatedAt)
}

func TestDispatchCreateAssignsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DispatchMessage(ctx, Dispatch{
		Type:   DispatchCreate,
		Create: &Message{Role: RoleUser, TopicID: "t1"},
	}, DispatchOptions{}))

	list, err := s.ListByTopic(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Regexp(t, `^msg_`, list[0].ID)
}

func TestDispatchUpdateMergesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DispatchMessage(ctx, Dispatch{
		Type: DispatchCreate,
		Create: &Message{
			ID:       "m1",
			Content:  "draft",
			Metadata: map[string]any{"a": 1},
			Error:    &Error{Type: "x", Message: "boom"},
		},
	}, DispatchOptions{OperationID: "op-1"}))

	require.NoError(t, s.DispatchMessage(ctx, Dispatch{
		ID:   "m1",
		Type: DispatchUpdate,
		Update: Update{
			Content:    String("final"),
			Metadata:   map[string]any{"b": 2},
			ClearError: true,
		},
	}, DispatchOptions{OperationID: "op-2"}))

	msg, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "final", msg.Content)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, msg.Metadata)
	assert.Nil(t, msg.Error)
	assert.Equal(t, "op-2", msg.LastOperationID)
	assert.True(t, msg.UpdatedAt.After(msg.CreatedAt))
}

func TestDispatchUpdateWithoutOperationKeepsTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DispatchMessage(ctx, Dispatch{
		Type: DispatchCreate, Create: &Message{ID: "m1"},
	}, DispatchOptions{OperationID: "op-1"}))
	require.NoError(t, s.DispatchMessage(ctx, Dispatch{
		ID: "m1", Type: DispatchUpdate, Update: Update{Content: String("x")},
	}, DispatchOptions{}))

	msg, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", msg.LastOperationID)
}

func TestDispatchUpdateMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.DispatchMessage(context.Background(), Dispatch{
		ID: "nope", Type: DispatchUpdate,
	}, DispatchOptions{})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDispatchDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DispatchMessage(ctx, Dispatch{
		Type: DispatchCreate, Create: &Message{ID: "m1", TopicID: "t"},
	}, DispatchOptions{}))
	require.NoError(t, s.DispatchMessage(ctx, Dispatch{ID: "m1", Type: DispatchDelete}, DispatchOptions{}))

	_, err := s.Get(ctx, "m1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	list, err := s.ListByTopic(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDispatchInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.DispatchMessage(ctx, Dispatch{Type: DispatchCreate}, DispatchOptions{}), ErrInvalidDispatch)
	assert.ErrorIs(t, s.DispatchMessage(ctx, Dispatch{Type: "bogus"}, DispatchOptions{}), ErrInvalidDispatch)
}

func TestStoredMessagesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig := &Message{ID: "m1", Tools: []ToolCall{{ID: "c1"}}}
	require.NoError(t, s.DispatchMessage(ctx, Dispatch{Type: DispatchCreate, Create: orig}, DispatchOptions{}))
	orig.Tools[0].ID = "mutated"

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Tools[0].ID)

	got.Tools[0].ID = "mutated-again"
	again, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "c1", again.Tools[0].ID)
}

func TestClosedMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Close())
	_, err := b.Load(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStorageClosed)
}
