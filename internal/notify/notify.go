// Package notify delivers tree-changed events to in-process subscribers and to NATS.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipescope/pkg/bus"
)

// Notifier receives tree-changed events. An empty key means the whole tree.
type Notifier interface {
	TreeChanged(key string)
}

// Func adapts a function to Notifier.
type Func func(key string)

func (f Func) TreeChanged(key string) { f(key) }

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) TreeChanged(key string) {
	for _, n := range m {
		if n != nil {
			n.TreeChanged(key)
		}
	}
}

// Event is what broker subscribers receive.
type Event struct {
	Key string    `json:"key,omitempty"`
	At  time.Time `json:"at"`
}

// Broker fans events out to subscriber channels. Slow subscribers miss events
// rather than block the sender.
type Broker struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	buffer  int
	logger  zerolog.Logger
}

// NewBroker creates a broker whose subscriber channels hold buffer events.
func NewBroker(buffer int, logger zerolog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{clients: make(map[chan Event]struct{}), buffer: buffer, logger: logger}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and
// closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	total := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug().Int("subscribers", total).Msg("subscriber connected")

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			close(ch)
			total := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug().Int("subscribers", total).Msg("subscriber disconnected")
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broker) TreeChanged(key string) {
	ev := Event{Key: key, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Publisher is the subset of bus.Bus used by BusNotifier.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BusNotifier publishes events to NATS. Publishes run in the background so a
// slow server never holds up the caller.
type BusNotifier struct {
	pub     Publisher
	subject string
	source  string
	timeout time.Duration
	logger  zerolog.Logger
	pending sync.WaitGroup
}

// NewBusNotifier publishes on subject, defaulting to bus.DefaultSubject.
func NewBusNotifier(pub Publisher, subject, source string, logger zerolog.Logger) *BusNotifier {
	if subject == "" {
		subject = bus.DefaultSubject
	}
	return &BusNotifier{pub: pub, subject: subject, source: source, timeout: 2 * time.Second, logger: logger}
}

func (n *BusNotifier) TreeChanged(key string) {
	msg := bus.TreeChanged{Key: key, Source: n.source, At: time.Now().UTC()}
	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.pub.Publish(ctx, n.subject, msg); err != nil {
			n.logger.Warn().Err(err).Str("subject", n.subject).Msg("publish tree changed")
		}
	}()
}

// Wait blocks until in-flight publishes finish.
func (n *BusNotifier) Wait() { n.pending.Wait() }
