// Package operation tracks every in-flight asynchronous unit of work
// (LLM calls, tool executions, agent turns, orchestration runs) with
// parent/child nesting, multi-axis indexes and cooperative cancellation.
package operation

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	// ErrOperationNotFound is returned when an operation id is not registered
	ErrOperationNotFound = errors.New("operation not found")

	// ErrAlreadyTerminal is returned when a transition is requested on a finished operation
	ErrAlreadyTerminal = errors.New("operation already terminal")
)

// Type classifies an operation.
type Type string

const (
	TypeSendMessage            Type = "sendMessage"
	TypeExecAgentRuntime       Type = "execAgentRuntime"
	TypeCallLLM                Type = "callLLM"
	TypeToolCalling            Type = "toolCalling"
	TypeExecuteToolCall        Type = "executeToolCall"
	TypeTranslate              Type = "translate"
	TypeBuiltinToolInterpreter Type = "builtinToolInterpreter"
	TypeGroupAgentStream       Type = "groupAgentStream"
	TypeGroupOrchestration     Type = "groupOrchestration"
	TypeExecClientTask         Type = "execClientTask"
	TypeExecServerTask         Type = "execServerTask"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Error types recorded in ErrorInfo.Type.
const (
	ErrorTypeUserAborted    = "UserAborted"
	ErrorTypeAgentExecution = "AgentExecutionError"
	ErrorTypeOrchestration  = "orchestration_error"
	ErrorTypePluginServer   = "PluginServerError"

	// ParentCancelledReason is recorded on operations cancelled by cascade.
	ParentCancelledReason = "Parent operation cancelled"
)

// Context is the identity snapshot captured when an operation starts.
// It is never mutated afterwards.
type Context struct {
	AgentID   string `json:"agentId,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
	TopicID   string `json:"topicId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// Merge returns c with every non-empty field of override applied on top.
func (c Context) Merge(override Context) Context {
	out := c
	if override.AgentID != "" {
		out.AgentID = override.AgentID
	}
	if override.GroupID != "" {
		out.GroupID = override.GroupID
	}
	if override.TopicID != "" {
		out.TopicID = override.TopicID
	}
	if override.ThreadID != "" {
		out.ThreadID = override.ThreadID
	}
	if override.MessageID != "" {
		out.MessageID = override.MessageID
	}
	if override.Scope != "" {
		out.Scope = override.Scope
	}
	return out
}

// ContextKey builds the key used by the context index.
func ContextKey(agentID, topicID string) string {
	if topicID == "" {
		return agentID
	}
	return agentID + "::" + topicID
}

// Progress reports partial completion.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ErrorInfo is the structured error recorded on a failed operation.
type ErrorInfo struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Code != "" {
		return e.Type + " (" + e.Code + "): " + e.Message
	}
	return e.Type + ": " + e.Message
}

// AfterCompletionCallback runs once after the owning loop has completed.
type AfterCompletionCallback func(ctx context.Context) error

// CancelHandler is invoked once, asynchronously, when an operation is cancelled.
type CancelHandler func(ctx context.Context, op Operation) error

// RuntimeHooks holds callbacks attached to an operation.
type RuntimeHooks struct {
	AfterCompletionCallbacks []AfterCompletionCallback `json:"-"`
}

// Metadata is the mutable part of an operation.
type Metadata struct {
	StartTime       time.Time      `json:"startTime"`
	EndTime         time.Time      `json:"endTime,omitzero"`
	Duration        time.Duration  `json:"duration,omitempty"`
	Progress        *Progress      `json:"progress,omitempty"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	CancelReason    string         `json:"cancelReason,omitempty"`
	IsAborting      bool           `json:"isAborting,omitempty"`
	NeedsHumanInput bool           `json:"needsHumanInput,omitempty"`
	PendingApproval map[string]any `json:"pendingApproval,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
	RuntimeHooks    RuntimeHooks   `json:"-"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Progress != nil {
		p := *m.Progress
		out.Progress = &p
	}
	if m.Error != nil {
		e := *m.Error
		e.Details = maps.Clone(m.Error.Details)
		out.Error = &e
	}
	out.PendingApproval = maps.Clone(m.PendingApproval)
	out.Extra = maps.Clone(m.Extra)
	out.RuntimeHooks.AfterCompletionCallbacks = append([]AfterCompletionCallback(nil), m.RuntimeHooks.AfterCompletionCallbacks...)
	return out
}

// MetadataPatch mutates a private copy of an operation's metadata.
type MetadataPatch func(m *Metadata)

// Operation is one tracked unit of asynchronous work. Values returned by the
// Store are snapshots; mutating them has no effect on the registry.
type Operation struct {
	ID                string   `json:"id"`
	Type              Type     `json:"type"`
	Status            Status   `json:"status"`
	Context           Context  `json:"context"`
	Metadata          Metadata `json:"metadata"`
	ParentOperationID string   `json:"parentOperationId,omitempty"`
	ChildOperationIDs []string `json:"childOperationIds,omitempty"`
	Label             string   `json:"label,omitempty"`
	Description       string   `json:"description,omitempty"`

	signal   context.Context
	abort    context.CancelCauseFunc
	onCancel CancelHandler
}

// Signal returns the operation's cancellation signal.
func (o Operation) Signal() context.Context {
	return o.signal
}

// HasCancelHandler reports whether a cancel handler is attached.
func (o Operation) HasCancelHandler() bool {
	return o.onCancel != nil
}

func (o *Operation) clone() *Operation {
	out := *o
	out.Metadata = o.Metadata.clone()
	out.ChildOperationIDs = nil
	return &out
}

// CancelError is the cause attached to an aborted operation signal.
type CancelError struct {
	OperationID string
	Reason      string
}

func (e *CancelError) Error() string {
	return "operation " + e.OperationID + " cancelled: " + e.Reason
}

// Is lets errors.Is(err, context.Canceled) match abort causes.
func (e *CancelError) Is(target error) bool {
	return target == context.Canceled
}

// StartParams describes a new operation.
type StartParams struct {
	Type              Type
	Context           Context
	ParentOperationID string
	Label             string
	Description       string
	Extra             map[string]any
	OnCancel          CancelHandler
}

// Filter selects operations by conjunction of its non-empty fields.
type Filter struct {
	Type      Type
	Status    Status
	AgentID   string
	GroupID   string
	TopicID   string
	ThreadID  string
	MessageID string
}

func (f Filter) matches(op *Operation) bool {
	if f.Type != "" && op.Type != f.Type {
		return false
	}
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	if f.AgentID != "" && op.Context.AgentID != f.AgentID {
		return false
	}
	if f.GroupID != "" && op.Context.GroupID != f.GroupID {
		return false
	}
	if f.TopicID != "" && op.Context.TopicID != f.TopicID {
		return false
	}
	if f.ThreadID != "" && op.Context.ThreadID != f.ThreadID {
		return false
	}
	if f.MessageID != "" && op.Context.MessageID != f.MessageID {
		return false
	}
	return true
}

// Stats summarises the registry contents.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	ByType   map[Type]int   `json:"byType"`
}
