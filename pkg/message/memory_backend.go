package message

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps messages in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	messages map[string]*Message
	topics   map[string][]string
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		messages: make(map[string]*Message),
		topics:   make(map[string][]string),
	}
}

// Save creates or replaces a message.
func (b *MemoryBackend) Save(ctx context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}

	if _, exists := b.messages[msg.ID]; !exists && msg.TopicID != "" {
		b.topics[msg.TopicID] = append(b.topics[msg.TopicID], msg.ID)
	}
	b.messages[msg.ID] = msg.Clone()
	return nil
}

// Load retrieves a message by ID.
func (b *MemoryBackend) Load(ctx context.Context, id string) (*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	msg, ok := b.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// Delete removes a message.
func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}

	msg, ok := b.messages[id]
	if !ok {
		return nil
	}
	delete(b.messages, id)
	if msg.TopicID != "" {
		ids := b.topics[msg.TopicID]
		for i, v := range ids {
			if v == id {
				b.topics[msg.TopicID] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	return nil
}

// ListByTopic returns the messages of a topic in creation order.
func (b *MemoryBackend) ListByTopic(ctx context.Context, topicID string) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	ids := b.topics[topicID]
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := b.messages[id]; ok {
			out = append(out, msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
