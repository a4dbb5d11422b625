package operation

import (
	"github.com/aixgo-dev/agentops/pkg/observability"
)

// MetricsObserver exports lifecycle events as Prometheus metrics.
type MetricsObserver struct{}

// OnOperationEvent implements Observer.
func (MetricsObserver) OnOperationEvent(e Event) {
	op := e.Operation
	switch e.Kind {
	case EventStarted:
		observability.RecordOperationStarted(string(op.Type))
	case EventCompleted, EventFailed, EventCancelled:
		observability.RecordOperationFinished(string(op.Type), string(op.Status), op.Metadata.Duration)
	case EventRemoved:
		observability.RecordOperationsRemoved(1)
	}
}
