package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for message operations.
var (
	// ErrMessageNotFound is returned when a message doesn't exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("message backend is closed")
	// ErrInvalidDispatch is returned for malformed dispatches.
	ErrInvalidDispatch = errors.New("invalid message dispatch")
)

// Backend abstracts message persistence.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Save creates or replaces a message.
	Save(ctx context.Context, msg *Message) error

	// Load retrieves a message by ID.
	// Returns ErrMessageNotFound if the message doesn't exist.
	Load(ctx context.Context, id string) (*Message, error)

	// Delete removes a message. Deleting a missing message is not an error.
	Delete(ctx context.Context, id string) error

	// ListByTopic returns the messages of a topic in creation order.
	ListByTopic(ctx context.Context, topicID string) ([]*Message, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Dispatcher is the single entry point for conversation-state mutations.
type Dispatcher interface {
	DispatchMessage(ctx context.Context, d Dispatch, opts DispatchOptions) error
	Get(ctx context.Context, id string) (*Message, error)
	ListByTopic(ctx context.Context, topicID string) ([]*Message, error)
}

// Store applies dispatches to a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

// NewStore wraps a backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// NewID returns a fresh message id.
func NewID() string {
	return "msg_" + uuid.New().String()
}

// DispatchMessage applies one create, update or delete and tags the message
// with the operation that caused it.
func (s *Store) DispatchMessage(ctx context.Context, d Dispatch, opts DispatchOptions) error {
	switch d.Type {
	case DispatchCreate:
		if d.Create == nil {
			return fmt.Errorf("%w: create without value", ErrInvalidDispatch)
		}
		msg := d.Create.Clone()
		if msg.ID == "" {
			msg.ID = d.ID
		}
		if msg.ID == "" {
			msg.ID = NewID()
		}
		now := s.now()
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		msg.UpdatedAt = now
		msg.LastOperationID = opts.OperationID
		if err := s.backend.Save(ctx, msg); err != nil {
			return fmt.Errorf("create message %s: %w", msg.ID, err)
		}
		return nil

	case DispatchUpdate:
		msg, err := s.backend.Load(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("update message %s: %w", d.ID, err)
		}
		d.Update.Apply(msg)
		msg.UpdatedAt = s.now()
		if opts.OperationID != "" {
			msg.LastOperationID = opts.OperationID
		}
		if err := s.backend.Save(ctx, msg); err != nil {
			return fmt.Errorf("update message %s: %w", d.ID, err)
		}
		return nil

	case DispatchDelete:
		if err := s.backend.Delete(ctx, d.ID); err != nil {
			return fmt.Errorf("delete message %s: %w", d.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDispatch, d.Type)
	}
}

// Get returns a message by id.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	return s.backend.Load(ctx, id)
}

// ListByTopic returns a topic's messages in creation order.
func (s *Store) ListByTopic(ctx context.Context, topicID string) ([]*Message, error) {
	return s.backend.ListByTopic(ctx, topicID)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
