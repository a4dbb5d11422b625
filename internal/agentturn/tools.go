package agentturn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentops/internal/operation"
	"github.com/aixgo-dev/agentops/pkg/message"
	metrics "github.com/aixgo-dev/agentops/pkg/observability"
)

// ToolRunner executes one tool call and returns its textual result.
type ToolRunner interface {
	RunTool(ctx context.Context, call message.ToolCall) (string, error)
}

// ToolRunnerFunc adapts a function to ToolRunner.
type ToolRunnerFunc func(ctx context.Context, call message.ToolCall) (string, error)

// RunTool calls f.
func (f ToolRunnerFunc) RunTool(ctx context.Context, call message.ToolCall) (string, error) {
	return f(ctx, call)
}

// PluginServerError is returned by tool runners when the plugin backend
// rejected or failed the call. Body is the raw error returned by the plugin.
type PluginServerError struct {
	Tool string
	Body string
}

func (e *PluginServerError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Tool, e.Body)
}

// runTools executes the calls of one llm_call step under a toolCalling
// operation, one executeToolCall child per call. A failing call fails only
// its own operation; its error is recorded on the call and no new model turn
// is started.
func (e *Executor) runTools(ctx context.Context, parentID string, calls []message.ToolCall) []message.ToolCall {
	out := append([]message.ToolCall(nil), calls...)
	groupID, groupSignal := e.ops.StartOperation(ctx, operation.StartParams{
		Type:              operation.TypeToolCalling,
		ParentOperationID: parentID,
		Label:             "tool calls",
	})

	if e.tools == nil {
		for i := range out {
			out[i].Error = "no tool runner configured"
		}
		e.ops.FailOperation(groupID, operation.ErrorInfo{
			Type:    operation.ErrorTypePluginServer,
			Message: "no tool runner configured",
		})
		return out
	}

	var g errgroup.Group
	g.SetLimit(max(e.maxParallelTools, 1))
	for i, call := range calls {
		callID, signal := e.ops.StartOperation(groupSignal, operation.StartParams{
			Type:              operation.TypeExecuteToolCall,
			ParentOperationID: groupID,
			Label:             call.Name,
			Extra:             map[string]any{"toolCallId": call.ID},
		})
		out[i].OperationID = callID

		g.Go(func() error {
			out[i] = e.runTool(signal, callID, out[i])
			return nil
		})
	}
	_ = g.Wait()

	e.ops.CompleteOperation(groupID)
	return out
}

func (e *Executor) runTool(ctx context.Context, opID string, call message.ToolCall) message.ToolCall {
	if ctx.Err() != nil {
		e.ops.CancelOperation(opID, "operation cancelled before tool execution")
		return call
	}

	start := time.Now()
	result, err := e.tools.RunTool(ctx, call)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		call.Result = result
		e.ops.CompleteOperation(opID, func(m *operation.Metadata) {
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra["result"] = result
		})
		metrics.RecordToolCall(call.Name, "success", elapsed)
	case ctx.Err() != nil:
		e.ops.CancelOperation(opID, "operation cancelled during tool execution")
		metrics.RecordToolCall(call.Name, "cancelled", elapsed)
	default:
		errType := operation.ErrorTypeAgentExecution
		var pse *PluginServerError
		if errors.As(err, &pse) {
			errType = operation.ErrorTypePluginServer
			call.Error = pse.Body
		} else {
			call.Error = err.Error()
		}
		e.ops.FailOperation(opID, operation.ErrorInfo{Type: errType, Message: err.Error()})
		metrics.RecordToolCall(call.Name, "error", elapsed)
		log.Printf("[agentturn] tool %s (%s) failed: %v", call.Name, opID, err)
	}
	return call
}

// cancelToolOperations resolves tool operations the turn already started so
// none is left running after a cancellation.
func (t *turn) cancelToolOperations() {
	for _, childID := range t.e.ops.Children(t.opID) {
		op, ok := t.e.ops.Get(childID)
		if !ok || op.Status.IsTerminal() {
			continue
		}
		if op.Type == operation.TypeToolCalling || op.Type == operation.TypeExecuteToolCall {
			t.e.ops.CancelOperation(childID, "operation cancelled before tool execution")
		}
	}
}
