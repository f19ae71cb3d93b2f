// Package events fans engine and lifecycle events out to dashboard
// subscribers, keyed by instance and topic.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics.
const (
	TopicLogs      = "logs"
	TopicStats     = "stats"
	TopicIdentity  = "identity"
	TopicInstances = "instances"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is one published item.
type Event struct {
	Instance string    `json:"instance"`
	Topic    string    `json:"topic"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data"`
}

type key struct {
	instance string
	topic    string
}

// Subscription receives events matching any of its (instance, topic) keys.
// An empty instance or topic in a key matches everything.
type Subscription struct {
	ch      chan Event
	mu      sync.Mutex
	keys    map[key]struct{}
	dropped atomic.Int64
}

// C returns the delivery channel. It is closed by Bus.Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Add starts delivering topic events for instance.
func (s *Subscription) Add(instance, topic string) {
	s.mu.Lock()
	s.keys[key{instance, topic}] = struct{}{}
	s.mu.Unlock()
}

// Remove stops delivering topic events for instance.
func (s *Subscription) Remove(instance, topic string) {
	s.mu.Lock()
	delete(s.keys, key{instance, topic})
	s.mu.Unlock()
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range [...]key{{e.Instance, e.Topic}, {"", e.Topic}, {e.Instance, ""}, {"", ""}} {
		if _, ok := s.keys[k]; ok {
			return true
		}
	}
	return false
}

// Bus is an in-process publish/subscribe hub. Publish never blocks: a
// subscriber whose queue is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	now    func() time.Time
}

// NewBus creates a Bus whose subscribers queue up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer, now: time.Now}
}

// Subscribe registers interest in topics for instanceID. No topics means all
// topics; an empty instanceID means all instances.
func (b *Bus) Subscribe(instanceID string, topics ...string) *Subscription {
	s := &Subscription{ch: make(chan Event, b.buffer), keys: make(map[key]struct{})}
	if len(topics) == 0 {
		s.keys[key{instanceID, ""}] = struct{}{}
	}
	for _, t := range topics {
		s.keys[key{instanceID, t}] = struct{}{}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Open registers a subscription with no keys. Interest is added later with
// Subscription.Add.
func (b *Bus) Open() *Subscription {
	s := &Subscription{ch: make(chan Event, b.buffer), keys: make(map[key]struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(instance, topic string, data any) {
	e := Event{Instance: instance, Topic: topic, Time: b.now(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
