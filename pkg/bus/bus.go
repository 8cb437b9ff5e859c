package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject carries tree-changed events.
const DefaultSubject = "pipescope.tree.changed"

// TreeChanged is the payload published for every tree-changed notification.
type TreeChanged struct {
	Key    string    `json:"key,omitempty"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Bus wraps a NATS connection used to fan tree-changed events out to other processes.
type Bus struct {
	conn *nats.Conn
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	opts = append([]nats.Option{nats.Name("pipescope")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: nc}, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj. ctx must carry a deadline
// for the flush.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subj, data); err != nil {
		return err
	}
	return b.conn.FlushWithContext(ctx)
}
