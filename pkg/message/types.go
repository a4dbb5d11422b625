// Package message holds conversation state (messages in topics and threads)
// and the single dispatch entry point through which the orchestration core
// mutates it.
package message

import (
	"maps"
	"slices"
	"time"
)

// Role is the author role of a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleTool       Role = "tool"
	RoleSupervisor Role = "supervisor"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	OperationID string `json:"operationId,omitempty"`
}

// Reasoning is the model's reasoning trace.
type Reasoning struct {
	Content  string `json:"content"`
	Duration int64  `json:"duration,omitempty"`
}

// Image is an image attached to or generated in a message.
type Image struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Error is the structured, user-visible error attached to a message.
type Error struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Body    map[string]any `json:"body,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	AgentID   string         `json:"agentId,omitempty"`
	GroupID   string         `json:"groupId,omitempty"`
	TopicID   string         `json:"topicId,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	ParentID  string         `json:"parentId,omitempty"`
	Reasoning *Reasoning     `json:"reasoning,omitempty"`
	Tools     []ToolCall     `json:"tools,omitempty"`
	Images    []Image        `json:"images,omitempty"`
	Grounding map[string]any `json:"grounding,omitempty"`
	Error     *Error         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// LastOperationID is the operation that performed the latest mutation
	LastOperationID string    `json:"lastOperationId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Reasoning != nil {
		r := *m.Reasoning
		out.Reasoning = &r
	}
	if m.Error != nil {
		e := *m.Error
		e.Body = maps.Clone(m.Error.Body)
		out.Error = &e
	}
	out.Tools = slices.Clone(m.Tools)
	out.Images = slices.Clone(m.Images)
	out.Grounding = maps.Clone(m.Grounding)
	out.Metadata = maps.Clone(m.Metadata)
	return &out
}

// Update is a partial message. Nil fields are left unchanged; Metadata keys
// are merged into the existing metadata.
type Update struct {
	Content    *string
	Reasoning  *Reasoning
	Tools      []ToolCall
	Images     []Image
	Grounding  map[string]any
	Error      *Error
	ClearError bool
	Metadata   map[string]any
}

// Apply merges u into m.
func (u Update) Apply(m *Message) {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Reasoning != nil {
		r := *u.Reasoning
		m.Reasoning = &r
	}
	if u.Tools != nil {
		m.Tools = slices.Clone(u.Tools)
	}
	if u.Images != nil {
		m.Images = slices.Clone(u.Images)
	}
	if u.Grounding != nil {
		m.Grounding = maps.Clone(u.Grounding)
	}
	if u.ClearError {
		m.Error = nil
	}
	if u.Error != nil {
		e := *u.Error
		m.Error = &e
	}
	if len(u.Metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(m.Metadata, u.Metadata)
	}
}

// String is a helper for building Update.Content.
func String(s string) *string {
	return &s
}

// DispatchType selects the mutation performed by a Dispatch.
type DispatchType string

const (
	DispatchCreate DispatchType = "createMessage"
	DispatchUpdate DispatchType = "updateMessage"
	DispatchDelete DispatchType = "deleteMessage"
)

// Dispatch is a single conversation-state mutation.
type Dispatch struct {
	ID     string
	Type   DispatchType
	Create *Message
	Update Update
}

// DispatchOptions tags a dispatch with the operation that caused it.
type DispatchOptions struct {
	OperationID string
}
