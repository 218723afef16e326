package natsbroker

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// Broker publishes deployment lifecycle events on <prefix>.<event type>.
type Broker struct {
	conn   *nats.Conn
	prefix string
}

func New(url, prefix string) (*Broker, error) {
	nc, err := nats.Connect(url, nats.Name("testhost"))
	if err != nil {
		return nil, err
	}
	return &Broker{conn: nc, prefix: prefix}, nil
}

func (b *Broker) Subject(typ deployment.EventType) string {
	return b.prefix + "." + string(typ)
}

func (b *Broker) PublishEvent(ev deployment.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.conn.Publish(b.Subject(ev.Type), data); err != nil {
		return err
	}
	return b.conn.Flush()
}

// Subscribe delivers every lifecycle event under the prefix to handler.
func (b *Broker) Subscribe(handler func(deployment.Event)) (*nats.Subscription, error) {
	return b.conn.Subscribe(b.prefix+".>", func(m *nats.Msg) {
		var ev deployment.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}

func (b *Broker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
