// Package events fans out lifecycle and engine state events to subscribers,
// keyed by topic (a session or engine id).
package events

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types.
const (
	TypeSessionState = "session_state"
	TypeEngineState  = "engine_state"
	TypeCall         = "call"
)

// Event is one published notification.
type Event struct {
	Topic   string    `json:"topic"`
	Type    string    `json:"type"`
	State   string    `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Broker manages per-topic event streams. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers receive a
// closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	all    map[int]chan Event
	nextID int
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		all:    make(map[int]chan Event),
	}
}

// Subscribe returns a channel receiving events for name and an unsubscribe
// function. If the topic was already closed the channel is closed.
func (b *Broker) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[name] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// SubscribeAll returns a channel receiving events for every topic.
func (b *Broker) SubscribeAll() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	id := b.nextID
	b.nextID++
	b.all[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish sends ev to the subscribers of ev.Topic and to topic-wide
// subscribers. A zero Time is set to now. Events are dropped for subscribers
// whose buffers are full.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[ev.Topic]; ok {
		if t.closed {
			return
		}
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for name. Subscriber
// channels are closed and future Subscribe calls return a closed channel.
func (b *Broker) Close(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		b.topics[name] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
