package orchestration

import (
	"context"
	"sync"

	"github.com/aixgo-dev/agentops/internal/operation"
)

// TaskBoard is an in-memory TaskStatusSource. Clients report progress of
// the tasks they run with Report; unknown tasks read as pending.
type TaskBoard struct {
	mu    sync.RWMutex
	tasks map[string]TaskStatus
}

// NewTaskBoard creates an empty board.
func NewTaskBoard() *TaskBoard {
	return &TaskBoard{tasks: make(map[string]TaskStatus)}
}

// Report records the latest status of a task.
func (b *TaskBoard) Report(taskID string, st TaskStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[taskID] = st
}

// TaskStatus implements TaskStatusSource.
func (b *TaskBoard) TaskStatus(_ context.Context, taskID string) (TaskStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.tasks[taskID]
	if !ok {
		return TaskStatus{Status: operation.StatusPending}, nil
	}
	return st, nil
}
