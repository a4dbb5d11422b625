package operation

import (
	"context"
	"fmt"
	"log"
	"maps"
	"time"
)

// StartOperation registers a new operation and returns its id and signal.
//
// When ParentOperationID names a live operation, the child's context is the
// parent's context overridden by every non-empty field of p.Context. The
// signal carries the values of its base context but is only aborted by this
// store: children through the cancel cascade, top-level operations through a
// watcher on ctx that is stopped once the operation finishes. A child started
// under an aborted parent, or a top-level operation started with a done ctx,
// is cancelled before StartOperation returns. Starting a top-level operation
// also sweeps terminal operations older than the configured retention.
func (s *Store) StartOperation(ctx context.Context, p StartParams) (string, context.Context) {
	now := s.cfg.Now()
	id := s.cfg.NewID()

	s.mu.Lock()
	var parent *Operation
	if p.ParentOperationID != "" {
		parent = s.operations[p.ParentOperationID]
		if parent == nil {
			s.debugf("start %s: parent %s not found, starting as root", p.Type, p.ParentOperationID)
		}
	}

	opCtx := p.Context
	parentID := ""
	if parent != nil {
		opCtx = parent.Context.Merge(p.Context)
		parentID = parent.ID
	}

	signal, abort := context.WithCancelCause(s.signalFor(ctx, parent))
	op := &Operation{
		ID:                id,
		Type:              p.Type,
		Status:            StatusRunning,
		Context:           opCtx,
		ParentOperationID: parentID,
		Label:             p.Label,
		Description:       p.Description,
		Metadata: Metadata{
			StartTime: now,
			Extra:     maps.Clone(p.Extra),
		},
		signal:   signal,
		abort:    abort,
		onCancel: p.OnCancel,
	}
	s.indexLocked(op)

	cancelReason := ""
	switch {
	case parent != nil && (parent.Status == StatusCancelled || (parent.signal != nil && parent.signal.Err() != nil)):
		cancelReason = ParentCancelledReason
	case parent == nil && ctx != nil && ctx.Err() != nil:
		cancelReason = contextDoneReason(ctx)
	case parent == nil && ctx != nil && ctx.Done() != nil:
		s.watchers[id] = context.AfterFunc(ctx, func() {
			s.CancelOperation(id, contextDoneReason(ctx))
		})
	}
	snap := s.snapshotLocked(op)
	s.mu.Unlock()

	s.emit(EventStarted, snap)
	if cancelReason != "" {
		s.CancelOperation(id, cancelReason)
	}

	if parent == nil {
		if removed := s.CleanupCompletedOperations(s.cfg.Retention); removed > 0 {
			s.debugf("sweep removed %d operations", removed)
		}
	}

	return id, signal
}

// UpdateOperationMetadata applies patch to a copy of the operation's metadata
// and stores the result. Unknown ids are ignored.
func (s *Store) UpdateOperationMetadata(id string, patch MetadataPatch) {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("update metadata: %s not found", id)
		return
	}
	next := op.clone()
	patch(&next.Metadata)
	s.operations[id] = next
	snap := s.snapshotLocked(next)
	s.mu.Unlock()

	s.emit(EventUpdated, snap)
}

// UpdateOperationStatus moves a non-terminal operation to status. Terminal
// operations never change status; use the dedicated terminal transitions.
func (s *Store) UpdateOperationStatus(id string, status Status) {
	if status.IsTerminal() {
		switch status {
		case StatusCompleted:
			s.CompleteOperation(id)
		case StatusFailed:
			s.FailOperation(id, ErrorInfo{Type: ErrorTypeAgentExecution, Message: "operation failed"})
		case StatusCancelled:
			s.CancelOperation(id, "status update")
		}
		return
	}

	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("update status: %s not found", id)
		return
	}
	if op.Status.IsTerminal() || op.Status == status {
		s.mu.Unlock()
		return
	}
	next := op.clone()
	next.Status = status
	s.operations[id] = next
	snap := s.snapshotLocked(next)
	s.mu.Unlock()

	kind := EventUpdated
	switch status {
	case StatusPaused:
		kind = EventPaused
	case StatusRunning:
		kind = EventResumed
	}
	s.emit(kind, snap)
}

// UpdateOperationProgress records current/total progress.
func (s *Store) UpdateOperationProgress(id string, current, total int) {
	s.UpdateOperationMetadata(id, func(m *Metadata) {
		p := &Progress{Current: current, Total: total}
		if total > 0 {
			p.Percentage = float64(current) / float64(total) * 100
		}
		m.Progress = p
	})
}

// PauseOperation moves a running operation to paused.
func (s *Store) PauseOperation(id string) {
	s.UpdateOperationStatus(id, StatusPaused)
}

// ResumeOperation moves a paused operation back to running.
func (s *Store) ResumeOperation(id string) {
	s.UpdateOperationStatus(id, StatusRunning)
}

// SetCancelHandler attaches the handler invoked when the operation is cancelled.
func (s *Store) SetCancelHandler(id string, h CancelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[id]
	if !ok {
		s.debugf("set cancel handler: %s not found", id)
		return
	}
	next := op.clone()
	next.onCancel = h
	s.operations[id] = next
}

// CompleteOperation marks an operation completed and stamps its timing.
// Completing an already-completed operation only applies the patches and
// emits an update; other terminal states are left untouched.
func (s *Store) CompleteOperation(id string, patches ...MetadataPatch) {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("complete: %s not found", id)
		return
	}
	if op.Status == StatusCancelled || op.Status == StatusFailed {
		s.mu.Unlock()
		return
	}

	now := s.cfg.Now()
	next := op.clone()
	first := next.Status != StatusCompleted
	next.Status = StatusCompleted
	if first {
		next.Metadata.EndTime = now
		next.Metadata.Duration = now.Sub(next.Metadata.StartTime)
	}
	for _, patch := range patches {
		patch(&next.Metadata)
	}
	s.operations[id] = next
	s.releaseLocked(id)
	snap := s.snapshotLocked(next)
	s.mu.Unlock()

	if first {
		s.emit(EventCompleted, snap)
	} else {
		s.emit(EventUpdated, snap)
	}
}

// FailOperation marks an operation failed with a structured error.
// Terminal operations are left untouched.
func (s *Store) FailOperation(id string, info ErrorInfo) {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("fail: %s not found", id)
		return
	}
	if op.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}

	now := s.cfg.Now()
	next := op.clone()
	next.Status = StatusFailed
	next.Metadata.EndTime = now
	next.Metadata.Duration = now.Sub(next.Metadata.StartTime)
	errInfo := info
	errInfo.Details = maps.Clone(info.Details)
	next.Metadata.Error = &errInfo
	s.operations[id] = next
	s.releaseLocked(id)
	snap := s.snapshotLocked(next)
	s.mu.Unlock()

	s.emit(EventFailed, snap)
}

// CancelOperation aborts the operation's signal, runs its cancel handler
// asynchronously, marks it cancelled and then cancels every child with
// ParentCancelledReason. Terminal and unknown operations are ignored.
func (s *Store) CancelOperation(id, reason string) {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("cancel: %s not found", id)
		return
	}
	if op.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}

	op.abort(&CancelError{OperationID: id, Reason: reason})

	var aborting *Operation
	if op.Type == TypeExecAgentRuntime {
		aborting = op.clone()
		aborting.Metadata.IsAborting = true
	}

	now := s.cfg.Now()
	next := op.clone()
	next.Metadata.IsAborting = aborting != nil
	next.Status = StatusCancelled
	next.Metadata.EndTime = now
	next.Metadata.Duration = now.Sub(next.Metadata.StartTime)
	next.Metadata.CancelReason = reason
	s.operations[id] = next
	s.releaseLocked(id)

	var abortingSnap Operation
	if aborting != nil {
		abortingSnap = s.snapshotLocked(aborting)
	}
	snap := s.snapshotLocked(next)
	children := s.children[id]
	handler := op.onCancel
	s.mu.Unlock()

	if aborting != nil {
		s.emit(EventAborting, abortingSnap)
	}
	if handler != nil {
		go s.runCancelHandler(handler, snap)
	}
	s.emit(EventCancelled, snap)

	for _, childID := range children {
		s.CancelOperation(childID, ParentCancelledReason)
	}
}

// AbortTree aborts an operation's signal and cancels all of its descendants
// even when the operation itself is already terminal. It is used after a
// failure to tear down work the failed operation had started.
func (s *Store) AbortTree(id, reason string) {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("abort tree: %s not found", id)
		return
	}
	op.abort(&CancelError{OperationID: id, Reason: reason})
	children := s.children[id]
	s.mu.Unlock()

	for _, childID := range children {
		s.CancelOperation(childID, ParentCancelledReason)
	}
}

func contextDoneReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "context done"
}

func (s *Store) runCancelHandler(h CancelHandler, op Operation) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[operation] cancel handler for %s panicked: %v", op.ID, r)
		}
	}()
	if err := h(context.Background(), op); err != nil {
		log.Printf("[operation] cancel handler for %s failed: %v", op.ID, err)
	}
}

// releaseLocked stops the context watcher of a finished top-level operation.
func (s *Store) releaseLocked(id string) {
	if stop, ok := s.watchers[id]; ok {
		stop()
		delete(s.watchers, id)
	}
}

// CancelOperations cancels every running operation matching filter and
// returns the matched ids. A non-empty filter.Status selects that
// non-terminal status instead of running.
func (s *Store) CancelOperations(filter Filter, reason string) []string {
	s.mu.RLock()
	var matched []string
	for _, op := range s.operations {
		if op.Status.IsTerminal() {
			continue
		}
		if filter.Status == "" && op.Status != StatusRunning {
			continue
		}
		if filter.matches(op) {
			matched = append(matched, op.ID)
		}
	}
	s.mu.RUnlock()

	for _, id := range matched {
		s.CancelOperation(id, reason)
	}
	return matched
}

// CleanupCompletedOperations removes terminal operations whose end time is at
// least olderThan in the past and returns how many were removed.
func (s *Store) CleanupCompletedOperations(olderThan time.Duration) int {
	cutoff := s.cfg.Now().Add(-olderThan)

	s.mu.Lock()
	var removed []Operation
	for _, op := range s.operations {
		if !op.Status.IsTerminal() || op.Metadata.EndTime.After(cutoff) {
			continue
		}
		removed = append(removed, s.snapshotLocked(op))
	}
	for _, snap := range removed {
		if op, ok := s.operations[snap.ID]; ok {
			s.unindexLocked(op)
		}
	}
	s.mu.Unlock()

	for _, snap := range removed {
		s.emit(EventRemoved, snap)
	}
	return len(removed)
}

// CleanupStale removes terminal operations older than the configured cleanup age.
func (s *Store) CleanupStale() int {
	return s.CleanupCompletedOperations(s.cfg.CleanupAge)
}

// GetOperationAbortSignal returns the cancellation signal of an operation.
// Asking for the signal of unknown work is a programming error, so unlike
// the other lifecycle calls it returns ErrOperationNotFound.
func (s *Store) GetOperationAbortSignal(id string) (context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op.signal, nil
}

// RegisterAfterCompletionCallback appends a callback that runs once after the
// owning loop finishes. When the operation has already completed the callback
// runs immediately; callbacks registered on cancelled or failed operations
// are dropped.
func (s *Store) RegisterAfterCompletionCallback(ctx context.Context, id string, cb AfterCompletionCallback) {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		s.debugf("register callback: %s not found", id)
		return
	}
	status := op.Status
	if !status.IsTerminal() {
		next := op.clone()
		next.Metadata.RuntimeHooks.AfterCompletionCallbacks = append(next.Metadata.RuntimeHooks.AfterCompletionCallbacks, cb)
		s.operations[id] = next
	}
	s.mu.Unlock()

	switch status {
	case StatusCompleted:
		runCallbacks(ctx, id, []AfterCompletionCallback{cb})
	case StatusCancelled, StatusFailed:
		log.Printf("[operation] dropping after-completion callback for %s operation %s", status, id)
	}
}

// RunAfterCompletionCallbacks detaches and runs every registered callback in
// registration order. A failing callback is logged and does not stop the
// rest. Callbacks only run when the operation completed.
func (s *Store) RunAfterCompletionCallbacks(ctx context.Context, id string) int {
	s.mu.Lock()
	op, ok := s.operations[id]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	callbacks := op.Metadata.RuntimeHooks.AfterCompletionCallbacks
	if len(callbacks) > 0 {
		next := op.clone()
		next.Metadata.RuntimeHooks.AfterCompletionCallbacks = nil
		s.operations[id] = next
	}
	status := op.Status
	s.mu.Unlock()

	if status != StatusCompleted {
		if len(callbacks) > 0 {
			log.Printf("[operation] skipping %d after-completion callbacks for %s operation %s", len(callbacks), status, id)
		}
		return 0
	}
	return runCallbacks(ctx, id, callbacks)
}

func runCallbacks(ctx context.Context, id string, callbacks []AfterCompletionCallback) int {
	ran := 0
	for i, cb := range callbacks {
		ran++
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[operation] after-completion callback %d for %s panicked: %v", i, id, r)
				}
			}()
			if err := cb(ctx); err != nil {
				log.Printf("[operation] after-completion callback %d for %s failed: %v", i, id, err)
			}
		}()
	}
	return ran
}
