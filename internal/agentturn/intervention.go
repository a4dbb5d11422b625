package agentturn

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aixgo-dev/agentops/internal/operation"
	metrics "github.com/aixgo-dev/agentops/pkg/observability"
	"github.com/aixgo-dev/agentops/pkg/transport"
)

var (
	// ErrNotAwaitingInput is returned when an intervention targets a turn
	// that is not paused for human input
	ErrNotAwaitingInput = errors.New("operation is not waiting for human input")

	// ErrInterventionUnsupported is returned when the transport cannot
	// forward human decisions
	ErrInterventionUnsupported = errors.New("transport does not accept interventions")
)

// HandleHumanIntervention resumes the turn writing assistantMessageID with
// the user's decision. The operation goes back to running, the pending
// approval is cleared and the decision is forwarded to the transport.
func (e *Executor) HandleHumanIntervention(ctx context.Context, assistantMessageID, action string, data map[string]any) error {
	opID, ok := e.activeOperation(assistantMessageID)
	if !ok {
		opID, ok = e.ops.OperationForMessage(assistantMessageID)
	}
	if !ok {
		return fmt.Errorf("%w: no operation for message %s", operation.ErrOperationNotFound, assistantMessageID)
	}

	op, ok := e.ops.Get(opID)
	if !ok {
		return fmt.Errorf("%w: %s", operation.ErrOperationNotFound, opID)
	}
	if op.Status != operation.StatusPaused || !op.Metadata.NeedsHumanInput {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaitingInput, opID, op.Status)
	}

	iv, ok := e.transport.(transport.Intervener)
	if !ok {
		return ErrInterventionUnsupported
	}

	e.ops.ResumeOperation(opID)
	e.ops.UpdateOperationMetadata(opID, func(m *operation.Metadata) {
		m.NeedsHumanInput = false
		m.PendingApproval = nil
	})
	e.loading.SetLoading(assistantMessageID, true)
	metrics.RecordAgentTurnEvent("human_intervention")
	log.Printf("[agentturn] %s: human intervention %q", opID, action)

	if err := iv.Intervene(ctx, opID, action, data); err != nil {
		return fmt.Errorf("forward intervention: %w", err)
	}
	return nil
}

// MessageForOperation returns the assistant message the running turn opID is
// writing. Interactive front ends use it to address HandleHumanIntervention
// after seeing a paused operation.
func (e *Executor) MessageForOperation(opID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for msgID, id := range e.active {
		if id == opID {
			return msgID, true
		}
	}
	return "", false
}
