// Package eventbus implements the topic-addressed publish/subscribe bus
// (spec §4.5) used by await() and by any UI layer watching run/process
// state. Grounded on the per-subscriber-channel broadcast idiom in the
// teacher's cmd/alex/ui/eventhub/hub.go: each subscriber owns a private
// buffered channel, a slow or dead subscriber never blocks the others.
package eventbus

import "sync"

// Message is the payload delivered to subscribers of a topic.
type Message struct {
	Topic string
	Kind  string // e.g. "state_changed", "log_appended", "status_changed"
	ID    string
}

// Bus is a process-wide, in-memory pub/sub router. Delivery is
// best-effort and at-least-once within the lifetime of a subscription;
// a full subscriber channel drops the message rather than blocking the
// publisher, matching spec's "failures to deliver to one subscriber must
// not block others".
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Message]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[chan Message]struct{})}
}

// Subscribe registers a new receiver for topic and returns the channel to
// read from along with an Unsubscribe function. Buffer sizes the per-
// subscriber mailbox; callers that only want a handful of edge-triggered
// wakeups (await's use case) can pass a small buffer.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[chan Message]struct{})
		b.subs[topic] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[topic]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers msg to every current subscriber of msg.Topic.
// Non-blocking per-subscriber: a subscriber whose mailbox is full misses
// this message, which callers must tolerate (spec: best-effort delivery,
// backstopped by await's safety re-poll).
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	set := b.subs[msg.Topic]
	receivers := make([]chan Message, 0, len(set))
	for ch := range set {
		receivers = append(receivers, ch)
	}
	b.mu.RUnlock()

	for _, ch := range receivers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SubscriberCount reports how many live subscriptions exist for topic,
// mostly useful for tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
