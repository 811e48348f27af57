// Package notify fans small control messages out to every active
// observer. It carries the "queue-replayed" signal from the replay engine
// to list views and other surfaces that need to refresh.
package notify

import (
	"log/slog"
	"sync"
)

// TypeQueueReplayed is published after a replay pass drained the queue.
const TypeQueueReplayed = "queue-replayed"

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 4

// Message is the cross-component notification envelope.
type Message struct {
	Type string `json:"type"`
}

// Broadcaster delivers each published message once to every subscriber.
// Publishing never blocks: a subscriber whose buffer is full misses the
// message and a warning is logged.
type Broadcaster struct {
	logger *slog.Logger

	mu   sync.Mutex
	next int
	subs map[int]chan Message
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[int]chan Message),
	}
}

// Subscribe registers a new observer. The returned cancel func removes the
// observer and closes its channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, defaultBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends msg to every current subscriber and returns how many
// received it.
func (b *Broadcaster) Publish(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0

	for id, ch := range b.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			b.logger.Warn("dropping notification for slow subscriber",
				slog.String("type", msg.Type),
				slog.Int("subscriber", id),
			)
		}
	}

	return delivered
}

// Subscribers returns the number of active observers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
