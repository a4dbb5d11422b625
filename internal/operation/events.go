package operation

import "time"

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventUpdated   EventKind = "updated"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventAborting  EventKind = "aborting"
	EventCancelled EventKind = "cancelled"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRemoved   EventKind = "removed"
)

// Event is delivered to observers after the registry has been updated.
type Event struct {
	Kind      EventKind `json:"kind"`
	Operation Operation `json:"operation"`
	Time      time.Time `json:"time"`
}

// Observer receives lifecycle events. Implementations must not call back
// into the Store synchronously with blocking work.
type Observer interface {
	OnOperationEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnOperationEvent calls f(e).
func (f ObserverFunc) OnOperationEvent(e Event) {
	f(e)
}
