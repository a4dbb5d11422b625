package agentturn

import "sync"

// LoadingSet is the in-memory Loading tracker.
type LoadingSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewLoadingSet creates an empty tracker.
func NewLoadingSet() *LoadingSet {
	return &LoadingSet{ids: make(map[string]struct{})}
}

// SetLoading toggles the indicator of a message.
func (l *LoadingSet) SetLoading(messageID string, loading bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loading {
		l.ids[messageID] = struct{}{}
	} else {
		delete(l.ids, messageID)
	}
}

// IsLoading reports whether a message shows the indicator.
func (l *LoadingSet) IsLoading(messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[messageID]
	return ok
}
