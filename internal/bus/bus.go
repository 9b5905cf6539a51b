package bus

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Publisher is the narrow side of the bus that supervisors depend on.
type Publisher interface {
	Publish(topic string, payload any)
}

type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is an in-process pub/sub bus with topic prefix matching. It carries
// agent output and gateway status to the UI surface.
//
// Status topics are retained: the last event on each is kept and replayed to
// subscribers that join later, so a UI that connects after startup still
// learns the current gateway and agent state.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*Subscription
	nextID   int
	retained map[string]Event

	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{
		subs:     make(map[int]*Subscription),
		retained: make(map[string]Event),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix; an empty prefix matches all topics. Retained events that match are
// queued first. Slow consumers miss events once their buffer is full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	topics := make([]string, 0, len(b.retained))
	for topic := range b.retained {
		if sub.matches(topic) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	for _, topic := range topics {
		sub.ch <- b.retained[topic]
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	// Retained topics are stored and delivered under the write lock so a
	// concurrent Subscribe sees the event exactly once.
	if isRetained(topic) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.retained[topic] = event
	} else {
		b.mu.RLock()
		defer b.mu.RUnlock()
	}
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Last returns the retained event for topic.
func (b *Bus) Last(topic string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.retained[topic]
	return ev, ok
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
