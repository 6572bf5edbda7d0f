package adapter

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Subscription defines an interface for an active NATS subscription
type Subscription interface {
	Unsubscribe() error
}

// NatsConn defines an interface for the NATS connection operations the
// invalidation subscriber needs, to enable mocking
type NatsConn interface {
	// Subscribe registers a handler for a subject (wildcards allowed)
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)

	// Drain drains in-flight messages and closes the connection
	Drain() error

	// Close closes the connection immediately
	Close()
}

// NatsConnector defines an interface for establishing NATS connections
type NatsConnector interface {
	Connect(url string, name string, maxReconnects int, reconnectWait time.Duration) (NatsConn, error)
}

// RealNatsConnector implements NatsConnector using the standard nats package
type RealNatsConnector struct{}

// NewNatsConnector creates a new real NATS connector
func NewNatsConnector() NatsConnector {
	return &RealNatsConnector{}
}

func (c *RealNatsConnector) Connect(url string, name string, maxReconnects int, reconnectWait time.Duration) (NatsConn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
	)
	if err != nil {
		return nil, err
	}
	return &realNatsConn{nc: nc}, nil
}

type realNatsConn struct {
	nc *nats.Conn
}

func (c *realNatsConn) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

func (c *realNatsConn) Drain() error {
	return c.nc.Drain()
}

func (c *realNatsConn) Close() {
	c.nc.Close()
}
