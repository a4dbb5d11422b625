package operation

import (
	"context"
	"log"
	"slices"
	"sort"
	"sync"
)

// Store is the in-memory registry of every tracked operation plus its
// derived indexes. Every mutation replaces the affected entry with an updated
// copy, so snapshots handed to callers never change underneath them.
type Store struct {
	cfg *Config

	mu               sync.RWMutex
	operations       map[string]*Operation
	byType           map[Type][]string
	byMessage        map[string][]string
	byContext        map[string][]string
	children         map[string][]string
	messageOperation map[string]string
	watchers         map[string]func() bool

	obsMu     sync.RWMutex
	observers []Observer
}

// NewStore creates an empty Store with the given options
func NewStore(opts ...Option) *Store {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Store{
		cfg:              cfg,
		operations:       make(map[string]*Operation),
		byType:           make(map[Type][]string),
		byMessage:        make(map[string][]string),
		byContext:        make(map[string][]string),
		children:         make(map[string][]string),
		messageOperation: make(map[string]string),
		watchers:         make(map[string]func() bool),
		observers:        append([]Observer(nil), cfg.Observers...),
	}
}

// Subscribe registers an observer for lifecycle events
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Get returns a snapshot of the operation with the given id
func (s *Store) Get(id string) (Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return Operation{}, false
	}
	return s.snapshotLocked(op), true
}

// Status returns the current status of an operation
func (s *Store) Status(id string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return "", false
	}
	return op.Status, true
}

// List returns snapshots of every operation matching the filter, oldest first
func (s *Store) List(filter Filter) []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Operation, 0)
	for _, op := range s.operations {
		if filter.matches(op) {
			out = append(out, s.snapshotLocked(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.StartTime.Equal(out[j].Metadata.StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].Metadata.StartTime.Before(out[j].Metadata.StartTime)
	})
	return out
}

// Children returns the direct child ids of an operation
func (s *Store) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.children[id])
}

// OperationsByType returns every operation id of the given type
func (s *Store) OperationsByType(t Type) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byType[t])
}

// OperationsByMessage returns the full history of operations that touched a message
func (s *Store) OperationsByMessage(messageID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byMessage[messageID])
}

// OperationForMessage returns the most recent operation associated with a message
func (s *Store) OperationForMessage(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messageOperation[messageID]
	return id, ok
}

// OperationsByContext returns the operation ids started for an agent (and optional topic)
func (s *Store) OperationsByContext(agentID, topicID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byContext[ContextKey(agentID, topicID)])
}

// Stats summarises the registry by status and type
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Total:    len(s.operations),
		ByStatus: make(map[Status]int),
		ByType:   make(map[Type]int),
	}
	for _, op := range s.operations {
		st.ByStatus[op.Status]++
		st.ByType[op.Type]++
	}
	return st
}

func (s *Store) snapshotLocked(op *Operation) Operation {
	out := *op.clone()
	out.ChildOperationIDs = slices.Clone(s.children[op.ID])
	return out
}

// indexLocked adds a freshly created operation to every index.
func (s *Store) indexLocked(op *Operation) {
	s.operations[op.ID] = op
	s.byType[op.Type] = append(s.byType[op.Type], op.ID)

	if msgID := op.Context.MessageID; msgID != "" {
		s.byMessage[msgID] = append(s.byMessage[msgID], op.ID)
		s.messageOperation[msgID] = op.ID
	}

	if op.Context.AgentID != "" {
		key := ContextKey(op.Context.AgentID, op.Context.TopicID)
		s.byContext[key] = append(s.byContext[key], op.ID)
	}

	if op.ParentOperationID != "" {
		if _, ok := s.operations[op.ParentOperationID]; ok {
			s.children[op.ParentOperationID] = append(s.children[op.ParentOperationID], op.ID)
		}
	}
}

// unindexLocked removes an operation from every index.
func (s *Store) unindexLocked(op *Operation) {
	delete(s.operations, op.ID)
	s.byType[op.Type] = removeID(s.byType[op.Type], op.ID)
	if len(s.byType[op.Type]) == 0 {
		delete(s.byType, op.Type)
	}

	if msgID := op.Context.MessageID; msgID != "" {
		s.byMessage[msgID] = removeID(s.byMessage[msgID], op.ID)
		if len(s.byMessage[msgID]) == 0 {
			delete(s.byMessage, msgID)
		}
		if s.messageOperation[msgID] == op.ID {
			delete(s.messageOperation, msgID)
		}
	}

	if op.Context.AgentID != "" {
		key := ContextKey(op.Context.AgentID, op.Context.TopicID)
		s.byContext[key] = removeID(s.byContext[key], op.ID)
		if len(s.byContext[key]) == 0 {
			delete(s.byContext, key)
		}
	}

	if op.ParentOperationID != "" {
		if siblings, ok := s.children[op.ParentOperationID]; ok {
			s.children[op.ParentOperationID] = removeID(siblings, op.ID)
		}
	}
	delete(s.children, op.ID)

	if stop, ok := s.watchers[op.ID]; ok {
		stop()
		delete(s.watchers, op.ID)
	}
}

func removeID(ids []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(ids), func(v string) bool { return v == id })
}

func (s *Store) emit(kind EventKind, op Operation) {
	s.obsMu.RLock()
	observers := slices.Clone(s.observers)
	s.obsMu.RUnlock()

	if len(observers) == 0 {
		return
	}

	ev := Event{Kind: kind, Operation: op, Time: s.cfg.Now()}
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[operation] observer panic on %s %s: %v", kind, op.ID, r)
				}
			}()
			o.OnOperationEvent(ev)
		}()
	}
}

func (s *Store) debugf(format string, args ...any) {
	if s.cfg.Verbose {
		log.Printf("[operation] "+format, args...)
	}
}

// signalFor returns the base of a new operation's signal. It keeps the
// values of the parent's signal (or ctx) but none of its cancellation, so a
// finished operation never stays registered with a longer-lived context.
func (s *Store) signalFor(ctx context.Context, parent *Operation) context.Context {
	base := ctx
	if parent != nil && parent.signal != nil {
		base = parent.signal
	}
	if base == nil {
		return context.Background()
	}
	return context.WithoutCancel(base)
}
