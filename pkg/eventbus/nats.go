package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aixgo-dev/agentops/internal/operation"
)

// DefaultSubjectPrefix is prepended to the event kind to form the subject.
const DefaultSubjectPrefix = "agentops.operations"

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every lifecycle event as JSON on
// "<prefix>.<kind>", e.g. agentops.operations.cancelled.
type NATSPublisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	failed atomic.Int64
}

var _ operation.Observer = (*NATSPublisher)(nil)

// NewNATSPublisher publishes through an existing connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &NATSPublisher{conn: conn, prefix: prefix}
	if nc, ok := conn.(*nats.Conn); ok {
		p.nc = nc
	}
	return p
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, prefix string, opts ...nats.Option) (*NATSPublisher, error) {
	opts = append([]nats.Option{
		nats.Name("agentops"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[eventbus] nats disconnected: %v", err)
			}
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix), nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e operation.Event) string {
	return p.prefix + "." + string(e.Kind)
}

// OnOperationEvent implements operation.Observer. Publish failures are
// logged and counted; they never reach the Store.
func (p *NATSPublisher) OnOperationEvent(e operation.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.failed.Add(1)
		log.Printf("[eventbus] encode %s %s: %v", e.Kind, e.Operation.ID, err)
		return
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		p.failed.Add(1)
		log.Printf("[eventbus] publish %s %s: %v", e.Kind, e.Operation.ID, err)
	}
}

// Failed reports how many events could not be published.
func (p *NATSPublisher) Failed() int64 {
	return p.failed.Load()
}

// Close drains the connection when the publisher owns one.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Connected reports whether events can currently reach the server. A
// publisher built on a plain Conn is assumed connected.
func (p *NATSPublisher) Connected() bool {
	if p.nc == nil {
		return true
	}
	return p.nc.IsConnected()
}
