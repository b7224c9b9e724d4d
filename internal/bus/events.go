// Package bus provides process-wide publish/subscribe for meshclaw.
// Chat ingestion, contact resolution and config reloads are announced here
// so reactive components (automations, collectors) stay decoupled from the
// code paths that produce the data.
package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
)

// Event represents a notification broadcast to subscribers
type Event struct {
	Topic     string    // "message.received", "contact.resolved", "config.applied", ...
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin: "session", "oneshot", "collector", "cli", ...
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Bus fans events out to subscribers. Each handler runs in its own
// goroutine; a panicking handler is logged and does not affect others.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	nextID atomic.Uint64

	running atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

var defaultBus = New()

// Default returns the process-wide bus used by the package functions.
func Default() *Bus { return defaultBus }

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription. Returns false if id is unknown.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			rest := append(subs[:i:i], subs[i+1:]...)
			if len(rest) == 0 {
				delete(b.topics, topic)
			} else {
				b.topics[topic] = rest
			}
			L_debug("bus: event unsubscribed", "topic", topic, "subscriptionID", id)
			return true
		}
	}
	return false
}

// Publish delivers an event to the current subscribers of topic.
func (b *Bus) Publish(topic string, data any, source string) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.topics[topic]...)
	b.mu.RUnlock()

	metrics.MetricInc("bus", topic)
	if len(subs) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}
	L_debug("bus: event published", "topic", topic, "subscribers", len(subs), "source", source)

	ev := Event{Topic: topic, Data: data, Timestamp: time.Now(), Source: source}
	for _, sub := range subs {
		b.running.Add(1)
		go b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub subscription, ev Event) {
	defer b.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			metrics.MetricFailWithReason("bus", "handler", ev.Topic)
			L_error("bus: event handler panic", "topic", ev.Topic, "subscriptionID", sub.id, "panic", r)
		}
	}()
	sub.handler(ev)
}

// Drain waits for running handlers to return, including handlers they
// publish to. Returns false on timeout.
func (b *Bus) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for b.running.Load() > 0 {
		if time.Now().After(deadline) {
			L_warn("bus: drain timed out", "running", b.running.Load())
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

// Topics returns the topics with subscribers, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Subscribers returns the number of subscribers for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// SubscribeEvent registers a handler on the default bus.
func SubscribeEvent(topic string, handler EventHandler) SubscriptionID {
	return defaultBus.Subscribe(topic, handler)
}

// UnsubscribeEvent removes a subscription from the default bus.
func UnsubscribeEvent(id SubscriptionID) bool {
	return defaultBus.Unsubscribe(id)
}

// PublishEvent publishes on the default bus with source "system".
func PublishEvent(topic string, data any) {
	defaultBus.Publish(topic, data, "system")
}

// PublishEventWithSource publishes on the default bus.
func PublishEventWithSource(topic string, data any, source string) {
	defaultBus.Publish(topic, data, source)
}

// Drain waits for handlers on the default bus.
func Drain(timeout time.Duration) bool {
	return defaultBus.Drain(timeout)
}
